package coder

import "errors"

// ErrInvalidSession is returned when the host rejects a session token.
// Callers map it to 401; transport failures map to 502.
var ErrInvalidSession = errors.New("coder: invalid session token")
