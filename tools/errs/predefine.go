package errs

const (
	CodeProtocol              = "PROTOCOL_ERROR"
	CodeAuthRequired          = "AUTH_REQUIRED"
	CodeAlreadyAuthenticated  = "ALREADY_AUTHENTICATED"
	CodeNotParticipant        = "NOT_PARTICIPANT"
	CodePersistence           = "PERSISTENCE_FAILED"
	CodeMembershipUnavailable = "MEMBERSHIP_UNAVAILABLE"
	CodeRateLimited           = "RATE_LIMITED"
	CodeInternal              = "INTERNAL_ERROR"
)

var (
	ErrProtocol              = NewCodeError(CodeProtocol, "invalid envelope")
	ErrAuthRequired          = NewCodeError(CodeAuthRequired, "authentication required").Closing()
	ErrAlreadyAuthenticated  = NewCodeError(CodeAlreadyAuthenticated, "connection already authenticated")
	ErrNotParticipant        = NewCodeError(CodeNotParticipant, "not a participant of this thread")
	ErrPersistence           = NewCodeError(CodePersistence, "message could not be stored")
	ErrMembershipUnavailable = NewCodeError(CodeMembershipUnavailable, "thread membership lookup failed")
	ErrRateLimited           = NewCodeError(CodeRateLimited, "too many messages")
	ErrInternal              = NewCodeError(CodeInternal, "internal error")
)
