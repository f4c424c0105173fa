package protocol

// Error codes carried in ErrorShape.Code.
const (
	ErrMethodNotFound = "METHOD_NOT_FOUND"
	ErrInvalidParams  = "INVALID_PARAMS"
	ErrInternal       = "INTERNAL_ERROR"
	ErrUnauthorized   = "UNAUTHORIZED"
	ErrNotFound       = "NOT_FOUND"
	ErrConflict       = "CONFLICT"
	ErrRateLimited    = "RATE_LIMITED"
	ErrPlatform       = "PLATFORM_ERROR"
	ErrTimeout        = "TIMEOUT"
	ErrUnsupported    = "UNSUPPORTED"
)
