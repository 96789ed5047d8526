package openh264

import (
	"errors"
	"fmt"
)

var (
	ErrLibraryNotFound   = errors.New("openh264: native library not found")
	ErrClosed            = errors.New("openh264: codec closed")
	ErrFrameExpired      = errors.New("openh264: frame no longer valid")
	ErrEmptyInput        = errors.New("openh264: empty NAL unit")
	ErrInvalidPicture    = errors.New("openh264: invalid picture")
	ErrInvalidConfig     = errors.New("openh264: invalid configuration")
	ErrShortPlane        = errors.New("openh264: plane shorter than its geometry")
	ErrNALLengthMismatch = errors.New("openh264: NAL lengths do not match layer buffer")

	// Native contract failures. They are always wrapped in a
	// *ContractViolationError carrying the native status code.
	ErrCreateFailed       = errors.New("openh264: native create failed")
	ErrInitFailed         = errors.New("openh264: native initialize failed")
	ErrUninitializeFailed = errors.New("openh264: native uninitialize failed")
	ErrEncodeFailed       = errors.New("openh264: native encode failed")
	ErrInvalidOutput      = errors.New("openh264: native output descriptor is inconsistent")
)

// ContractViolationError reports a native call that broke the library's
// documented contract: a null handle, a non-zero status where success is
// mandatory, or an output descriptor that cannot be trusted.
type ContractViolationError struct {
	Op   string // native entry point, e.g. "Initialize"
	Code int    // status returned by the entry point
	Err  error  // one of the Err*Failed sentinels
}

func (e *ContractViolationError) Error() string {
	return fmt.Sprintf("%v: %s returned %d", e.Err, e.Op, e.Code)
}

func (e *ContractViolationError) Unwrap() error {
	return e.Err
}

func contractViolation(op string, code int, err error) error {
	return &ContractViolationError{Op: op, Code: code, Err: err}
}

// IsContractViolation reports whether err was caused by the native library
// breaking its contract. Hosts that want the abort-on-violation behaviour
// can panic on it.
func IsContractViolation(err error) bool {
	var cv *ContractViolationError
	return errors.As(err, &cv)
}
