package bnb

import (
	"encoding/hex"
	"errors"

	"github.com/btcsuite/btcd/btcutil/hdkeychain"
	"golang.org/x/crypto/sha3"
)

// AddressDeriver turns an account-level xpub (m/44'/60'/0'/0) into
// per-order deposit addresses. Only public derivation happens here; the
// spending keys never touch this service.
type AddressDeriver struct {
	XPub string
}

// Derive returns the EVM address for child index i: keccak256 of the
// uncompressed public key, last 20 bytes, 0x-prefixed.
func (d AddressDeriver) Derive(index uint32) (string, error) {
	if d.XPub == "" {
		return "", errors.New("xpub is not configured")
	}

	key, err := hdkeychain.NewKeyFromString(d.XPub)
	if err != nil {
		return "", err
	}
	child, err := key.Derive(index)
	if err != nil {
		return "", err
	}

	pubKey, err := child.ECPubKey()
	if err != nil {
		return "", err
	}

	uncompressed := pubKey.SerializeUncompressed()
	hash := sha3.NewLegacyKeccak256()
	// Drop the 0x04 point prefix before hashing.
	_, _ = hash.Write(uncompressed[1:])
	addr := hash.Sum(nil)[12:]

	return "0x" + hex.EncodeToString(addr), nil
}
