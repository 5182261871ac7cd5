package httpserver

const (
	ErrInvalidJSON      = "invalid json"
	ErrMissingParams    = "missing required params"
	ErrInvalidStatus    = "invalid status"
	ErrDependency       = "dependency error"
	ErrNotFound         = "not found"
	ErrInvalidSignature = "invalid signature"
)
