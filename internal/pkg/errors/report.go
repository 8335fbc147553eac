package errors

import (
	"context"
	"errors"
)

// Report is the wire form of an error, sent to callers that cannot receive a
// Go error value (worker messages, JSON responses).
type Report struct {
	Code    Code           `json:"code"`
	Message string         `json:"message"`
	Op      string         `json:"op,omitempty"`
	Fields  map[string]any `json:"fields,omitempty"`
}

func (r *Report) Error() string {
	if r.Op != "" {
		return r.Op + ": [" + string(r.Code) + "] " + r.Message
	}
	return "[" + string(r.Code) + "] " + r.Message
}

// ToReport flattens err into a Report. Context errors map to TIMEOUT and CANCELED.
func ToReport(err error) *Report {
	if err == nil {
		return nil
	}

	var e *Error
	if errors.As(err, &e) {
		return &Report{
			Code:    e.Code,
			Message: err.Error(),
			Op:      e.Op,
			Fields:  e.Fields,
		}
	}

	var r *Report
	if errors.As(err, &r) {
		return r
	}

	return &Report{Code: contextCode(err), Message: err.Error()}
}

func contextCode(err error) Code {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return CodeTimeout
	case errors.Is(err, context.Canceled):
		return CodeCanceled
	default:
		return CodeInternal
	}
}
