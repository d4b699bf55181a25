package domctl

import (
	"errors"

	"golang.org/x/sys/unix"

	"github.com/tinyrange/llcc/internal/domain"
)

// Errno maps an error from the controller to the status the management
// interface reports. A nil error maps to zero.
func Errno(err error) unix.Errno {
	switch {
	case err == nil:
		return 0
	case errors.Is(err, domain.ErrAlreadyBound), errors.Is(err, ErrDomainExists):
		return unix.EEXIST
	case errors.Is(err, domain.ErrNoMemory):
		return unix.ENOMEM
	case errors.Is(err, domain.ErrFault):
		return unix.EFAULT
	case errors.Is(err, domain.ErrNotSupported):
		return unix.EOPNOTSUPP
	case errors.Is(err, ErrNoDomain):
		return unix.ESRCH
	default:
		// ErrTooMany, ErrInvalidColor and anything unrecognised.
		return unix.EINVAL
	}
}

// Status returns the negative status code for err, or zero on success.
func Status(err error) int {
	return -int(Errno(err))
}
