package generation

import (
	"context"
	"errors"
)

// FailureKind classifies why a single generation call failed.
type FailureKind string

const (
	FailureTransport     FailureKind = "transport"
	FailureEmptyResponse FailureKind = "empty_response"
	FailureNoImage       FailureKind = "no_image"
	FailureInvalidInput  FailureKind = "invalid_input"
	FailureTimeout       FailureKind = "timeout"
)

// 사용자에게 그대로 노출되는 실패 메시지
const (
	ReasonGeneric       = "Generation failed"
	ReasonEmptyResponse = "No content generated"
	ReasonNoImage       = "Model response did not contain an image."
	ReasonTimeout       = "Generation timed out"
)

// Failure is the only error type Generate returns. Reason is human readable
// and is shown to the user as is.
type Failure struct {
	Kind   FailureKind
	Reason string
	Err    error
}

func (f *Failure) Error() string {
	return f.Reason
}

func (f *Failure) Unwrap() error {
	return f.Err
}

// AsFailure converts any error into a *Failure. Foreign errors become
// transport failures carrying their message verbatim.
func AsFailure(err error) *Failure {
	if err == nil {
		return nil
	}
	var f *Failure
	if errors.As(err, &f) {
		return f
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return &Failure{Kind: FailureTimeout, Reason: ReasonTimeout, Err: err}
	}
	reason := err.Error()
	if reason == "" {
		reason = ReasonGeneric
	}
	return &Failure{Kind: FailureTransport, Reason: reason, Err: err}
}

func invalidInput(reason string) *Failure {
	return &Failure{Kind: FailureInvalidInput, Reason: reason}
}
