// Package shared holds domain primitives used across bounded contexts.
package shared

// DomainError is a sentinel error carried across layers. The HTTP
// boundary translates Code into an API error code and status, so
// services wrap these with %w instead of inventing their own text.
type DomainError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *DomainError) Error() string {
	return e.Message
}

// NewDomainError creates a new domain error
func NewDomainError(code, message string) *DomainError {
	return &DomainError{Code: code, Message: message}
}

var (
	ErrNotFound      = NewDomainError("NOT_FOUND", "Resource not found")
	ErrAlreadyExists = NewDomainError("ALREADY_EXISTS", "Resource already exists")
	ErrInvalidInput  = NewDomainError("INVALID_INPUT", "Invalid input provided")
	ErrUnauthorized  = NewDomainError("UNAUTHORIZED", "Not authorized to perform this action")
	ErrInvalidState  = NewDomainError("INVALID_STATE", "Operation not allowed in current state")

	// ErrBudgetExhausted halts discovery when the Places spend ledger
	// refuses further calls; ErrPlatformExhausted means the booking
	// cascade ran out of automated layers.
	ErrBudgetExhausted   = NewDomainError("BUDGET_EXHAUSTED", "Discovery spend budget exhausted")
	ErrPlatformExhausted = NewDomainError("PLATFORM_EXHAUSTED", "All automated booking layers failed")
)
