package mining

import "errors"

var ErrMissingUserID = errors.New("missing user id")
