package process

import "errors"

var (
	errOutOfMemory    = errors.New("process: physical allocator exhausted")
	errNotZombie      = errors.New("process: destroy requires state zombie")
	errUnknownContext = errors.New("process: unknown address-space context")
)
