package gamedto

// Rejection codes surfaced to clients through the error event.
const (
	CodeColorAlreadyTaken = "ColorAlreadyTaken"
	CodeNotYourColor      = "NotYourColor"
	CodeOutOfTurn         = "OutOfTurn"
	CodeIllegalMove       = "IllegalMove"
	CodeSessionNotActive  = "SessionNotActive"
	CodeSessionNotFound   = "SessionNotFound"
	CodeSessionFull       = "SessionFull"
	CodeSessionOver       = "SessionOver"
	CodeBadPayload        = "BadPayload"
	CodeInternal          = "Internal"
)

type DomainError struct {
	Code    string
	Message string
}

func (e *DomainError) Error() string {
	if e.Message != "" {
		return e.Message
	}
	if e.Code != "" {
		return e.Code
	}
	return "coordinator error"
}

// Err builds a coded rejection with no preset text; the message catalog
// resolves the client-facing wording at the transport edge.
func Err(code string) *DomainError {
	return &DomainError{Code: code}
}
