package eventstream

import "errors"

// ErrNilStatusEvent indicates a nil status event payload was provided to a
// publisher.
var ErrNilStatusEvent = errors.New("nil status event")
