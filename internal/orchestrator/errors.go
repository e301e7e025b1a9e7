package orchestrator

// ProcessingError wraps a gateway-reported error event (spec.md §4.6 step
// 5 "ProcessingFailed"), distinguishing it from transport/decode failures
// surfaced on the driver's error channel.
type ProcessingError struct {
	Message string
}

func (e *ProcessingError) Error() string { return e.Message }

// FailProcessing builds a ProcessingError from a gateway error event's
// message text.
func FailProcessing(message string) error {
	return &ProcessingError{Message: message}
}
