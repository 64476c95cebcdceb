package pathoram

// Errors are re-exported from the errs package so callers only need to
// import this module's root package and compare with errors.Is, surfacing a
// small, flat error vocabulary at the package a caller actually imports
// rather than a separate errors subpackage.
import "github.com/utahoram/pathoram/errs"

var (
	ErrInvalidArgument       = errs.ErrInvalidArgument
	ErrAlreadyExists         = errs.ErrAlreadyExists
	ErrNotFound              = errs.ErrNotFound
	ErrLocked                = errs.ErrLocked
	ErrAuthenticationFailure = errs.ErrAuthenticationFailure
	ErrIntegrityViolation    = errs.ErrIntegrityViolation
	ErrBackendIO             = errs.ErrBackendIO
	ErrStashBlockMissing     = errs.ErrStashBlockMissing
	ErrTypeMismatch          = errs.ErrTypeMismatch
	ErrClosed                = errs.ErrClosed
	ErrCorrupt               = errs.ErrCorrupt
)
