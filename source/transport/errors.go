package transport

import "errors"

// ErrPeerNotFound is returned by any operation addressing a peer id
// the connection has no (or no longer any) record of, matching the
// errors.Is-testable sentinel pattern source/protocol uses for its own
// decode errors.
var ErrPeerNotFound = errors.New("transport: peer not found")
