package node

import "errors"

var errShortIO = errors.New("node: short read or write during best-effort hub exchange")
