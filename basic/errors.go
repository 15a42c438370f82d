package basic

import "errors"

var (
	ErrPageNotFound  = errors.New("page not found in backing store")
	ErrIO            = errors.New("backing store IO error")
	ErrPageCorrupted = errors.New("page content failed checksum verification")
)

// hasCause reports whether target is in err's chain. Besides Unwrap it
// follows Cause, which annotating packages such as juju/errors expose.
func hasCause(err, target error) bool {
	for err != nil {
		if errors.Is(err, target) {
			return true
		}
		if c, ok := err.(interface{ Cause() error }); ok && c.Cause() != nil && c.Cause() != err {
			err = c.Cause()
		} else {
			err = errors.Unwrap(err)
		}
	}
	return false
}

// IsPageNotFound reports whether err means the page has no store record.
func IsPageNotFound(err error) bool {
	return hasCause(err, ErrPageNotFound)
}

// IsPageCorrupted reports whether err is a checksum or decode failure.
func IsPageCorrupted(err error) bool {
	return hasCause(err, ErrPageCorrupted)
}

// IsIOError reports whether err is a transport failure.
func IsIOError(err error) bool {
	return hasCause(err, ErrIO)
}
