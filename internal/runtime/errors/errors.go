package errors

import (
	sterrors "errors"
)

var (
	ErrServiceRequired        = sterrors.New("outbound: event service is required")
	ErrHandlerRequired        = sterrors.New("outbound: handler function is required")
	ErrConsumeQueueRequired   = sterrors.New("outbound: consume queue is required")
	ErrHandlerNameRequired    = sterrors.New("outbound: handler name is required")
	ErrPublisherRequired      = sterrors.New("outbound: publisher is required")
	ErrTopicRequired          = sterrors.New("outbound: topic is required")
	ErrConfigRequired         = sterrors.New("outbound: configuration is required")
	ErrLoggerRequired         = sterrors.New("outbound: logger is required")
	ErrPayloadRequired        = sterrors.New("outbound: message payload is required")
	ErrPipelineRequired       = sterrors.New("outbound: batch pipeline is required")
	ErrDeadLetterUnsupported  = sterrors.New("outbound: transport does not manage a dead-letter store")
	ErrDeadLetterTopicMissing = sterrors.New("outbound: dead-letter queue is not configured")
)

// ConfigValidationError reports a configuration that failed Validate.
type ConfigValidationError struct {
	Err error
}

func (e ConfigValidationError) Error() string {
	return "outbound: invalid configuration: " + e.Err.Error()
}

func (e ConfigValidationError) Unwrap() error {
	return e.Err
}

// NewConfigValidationError wraps err, returning nil when err is nil.
func NewConfigValidationError(err error) error {
	if err == nil {
		return nil
	}
	return ConfigValidationError{Err: err}
}
