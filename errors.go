package main

// errKind buckets intent failures so the gateway can report them uniformly.
// Every kind surfaces to the client as a failed ack; none of them may leave
// a lobby partially mutated.
type errKind int

const (
	errValidation errKind = iota
	errNotFound
	errPermission
	errConflict
	errState
)

// IntentError is a client-caused failure of a single intent. The message is
// client-facing.
type IntentError struct {
	Kind    errKind
	Message string
}

func (e *IntentError) Error() string {
	return e.Message
}

func validationError(msg string) *IntentError {
	return &IntentError{Kind: errValidation, Message: msg}
}

func notFoundError(msg string) *IntentError {
	return &IntentError{Kind: errNotFound, Message: msg}
}

func permissionError(msg string) *IntentError {
	return &IntentError{Kind: errPermission, Message: msg}
}

func conflictError(msg string) *IntentError {
	return &IntentError{Kind: errConflict, Message: msg}
}

func stateError(msg string) *IntentError {
	return &IntentError{Kind: errState, Message: msg}
}
