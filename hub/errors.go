package hub

import "errors"

var (
	errShortRead  = errors.New("hub: short read: connection did not deliver the declared length in time")
	errShortWrite = errors.New("hub: short write: connection did not accept the declared length in time")
)
