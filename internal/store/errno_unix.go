//go:build unix

package store

import (
	"errors"

	"golang.org/x/sys/unix"
)

// transientErrnos are contention-class errors that sync clients and network
// filesystems return while a file is briefly held by another process.
var transientErrnos = []unix.Errno{
	unix.EBUSY,
	unix.EAGAIN,
	unix.EINTR,
	unix.ETXTBSY,
	unix.ESTALE,
}

func isTransientErrno(err error) bool {
	for _, errno := range transientErrnos {
		if errors.Is(err, errno) {
			return true
		}
	}
	return false
}

func isSyncUnsupported(err error) bool {
	return errors.Is(err, unix.EINVAL) || errors.Is(err, unix.ENOTSUP)
}
