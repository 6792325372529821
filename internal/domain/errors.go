package domain

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// FailureKind classifies a terminal job failure. The kind prefixes the
// persisted error_message so status readers can match on it.
type FailureKind string

const (
	KindValidation   FailureKind = "VALIDATION"
	KindDBConnect    FailureKind = "DB_CONNECT"
	KindDBExecute    FailureKind = "DB_EXECUTE"
	KindExportFormat FailureKind = "EXPORT_FORMAT"
	KindExportIO     FailureKind = "EXPORT_IO"
	KindSSHAuth      FailureKind = "SSH_AUTH"
	KindSSHConnect   FailureKind = "SSH_CONNECT"
	KindSSHTransfer  FailureKind = "SSH_TRANSFER"
	KindTimeout      FailureKind = "TIMEOUT"
	KindCanceled     FailureKind = "CANCELED"
	KindInternal     FailureKind = "INTERNAL"
)

// JobError is a classified failure carried from an adapter to the worker's
// outermost boundary, where it becomes the job's error_message.
type JobError struct {
	Kind   FailureKind
	Detail string
	cause  error
}

// Errf builds a JobError with a formatted detail string.
func Errf(kind FailureKind, format string, args ...any) *JobError {
	return &JobError{Kind: kind, Detail: fmt.Sprintf(format, args...)}
}

// WrapErr builds a JobError around a cause, preserving it for errors.Is/As.
func WrapErr(kind FailureKind, cause error) *JobError {
	if cause == nil {
		return nil
	}
	return &JobError{Kind: kind, Detail: cause.Error(), cause: cause}
}

func (e *JobError) Error() string {
	if e.Detail == "" {
		return string(e.Kind)
	}
	return string(e.Kind) + ": " + e.Detail
}

func (e *JobError) Unwrap() error { return e.cause }

// Classify maps an arbitrary error to a JobError. A JobError already in the
// chain wins; context errors map to CANCELED/TIMEOUT; everything else is
// INTERNAL.
func Classify(err error) *JobError {
	if err == nil {
		return nil
	}
	var je *JobError
	if errors.As(err, &je) {
		return je
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return WrapErr(KindTimeout, err)
	}
	if errors.Is(err, context.Canceled) {
		return WrapErr(KindCanceled, err)
	}
	return WrapErr(KindInternal, err)
}

// Redact removes each secret from s. Applied to every error string before it
// is persisted or logged so credentials never leave the job row.
func Redact(s string, secrets ...string) string {
	for _, sec := range secrets {
		if sec == "" {
			continue
		}
		s = strings.ReplaceAll(s, sec, "[redacted]")
	}
	return s
}
