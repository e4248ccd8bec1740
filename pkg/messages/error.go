package messages

// DiagnosticError is an error that already carries a structured
// diagnostic. When a cabinet build fails with one of these, the message
// is reported as is instead of being wrapped as an unexpected exception.
type DiagnosticError struct {
	Message Message
	cause   error
}

// NewError returns an error carrying m. The optional cause is exposed
// through Unwrap.
func NewError(m Message, cause error) *DiagnosticError {
	return &DiagnosticError{Message: m, cause: cause}
}

func (e *DiagnosticError) Error() string {
	return e.Message.Text()
}

func (e *DiagnosticError) Unwrap() error {
	return e.cause
}
