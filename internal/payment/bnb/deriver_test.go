package bnb

import (
	"regexp"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// BIP32 test vector 1 master xpub; only public child derivation is used.
const testXPub = "xpub661MyMwAqRbcFtXgS5sYJABqqG9YLmC4Q1Rdap9gSE8NqtwybGhePY2gZ29ESFjqJoCu1Rupje8YtGqsefD265TMg7usUDFdp6W1EGMcet8"

var addrPattern = regexp.MustCompile(`^0x[0-9a-f]{40}$`)

func TestDeriveAddressFormat(t *testing.T) {
	d := AddressDeriver{XPub: testXPub}

	addr, err := d.Derive(0)
	require.NoError(t, err)
	assert.Regexp(t, addrPattern, addr)
}

func TestDeriveIsDeterministic(t *testing.T) {
	d := AddressDeriver{XPub: testXPub}

	a, err := d.Derive(7)
	require.NoError(t, err)
	b, err := d.Derive(7)
	require.NoError(t, err)
	assert.Equal(t, a, b)
}

func TestDeriveDistinctPerIndex(t *testing.T) {
	d := AddressDeriver{XPub: testXPub}

	seen := make(map[string]uint32)
	for i := uint32(0); i < 10; i++ {
		addr, err := d.Derive(i)
		require.NoError(t, err)
		prev, dup := seen[addr]
		require.False(t, dup, "index %d collides with index %d", i, prev)
		seen[addr] = i
	}
}

func TestDeriveRequiresXPub(t *testing.T) {
	d := AddressDeriver{}
	_, err := d.Derive(0)
	assert.Error(t, err)
}
