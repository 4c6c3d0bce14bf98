package task

import "fmt"

// Phase identifies which stage of the pipeline a failure belongs to.
type Phase string

const (
	PhaseDownload Phase = "download"
	PhaseUpload   Phase = "upload"
	PhaseSystem   Phase = "system"
)

// FailureCode is the stable machine-readable failure classification recorded
// in dead-letter entries and reported to the ledger.
type FailureCode string

const (
	// Download phase
	CodeDownloadTimeout      FailureCode = "download_timeout"
	CodeDownloadConnection   FailureCode = "download_connection"
	CodeDownloadDNS          FailureCode = "download_dns"
	CodeDownloadHTTPStatus   FailureCode = "download_http_status"
	CodeDownloadMalformedURL FailureCode = "download_malformed_url"
	CodeProxyTiersExhausted  FailureCode = "download_proxy_tiers_exhausted"

	// Upload phase
	CodeUploadNetwork            FailureCode = "upload_network"
	CodeUploadThrottled          FailureCode = "upload_throttled"
	CodeUploadBackendStatus      FailureCode = "upload_backend_status"
	CodeUploadAccessDenied       FailureCode = "upload_access_denied"
	CodeUploadInvalidDestination FailureCode = "upload_invalid_destination"

	// System
	CodeSystemInternalFault  FailureCode = "system_internal_fault"
	CodeSystemQueueCorrupted FailureCode = "system_queue_corruption"
)

// Failure is a classified pipeline error. Retryable is decided at
// classification time (HTTP 500 and HTTP 404 share a code but differ in
// retryability), and consumed by the retry engine.
type Failure struct {
	Phase     Phase
	Code      FailureCode
	Retryable bool
	// HTTPStatus is set for status-classified failures, 0 otherwise.
	HTTPStatus int
	Message    string
	Cause      error
}

// Error implements the error interface.
func (f *Failure) Error() string {
	if f.HTTPStatus != 0 {
		return fmt.Sprintf("%s (%s, http %d): %s", f.Code, f.Phase, f.HTTPStatus, f.Message)
	}
	return fmt.Sprintf("%s (%s): %s", f.Code, f.Phase, f.Message)
}

// Unwrap returns the underlying cause, if any.
func (f *Failure) Unwrap() error { return f.Cause }

// NewFailure constructs a classified failure.
func NewFailure(phase Phase, code FailureCode, retryable bool, msg string) *Failure {
	return &Failure{Phase: phase, Code: code, Retryable: retryable, Message: msg}
}

// SystemFailure wraps an unexpected internal fault. System failures are never
// retried: their cause is assumed not to resolve on redelivery.
func SystemFailure(msg string, cause error) *Failure {
	return &Failure{
		Phase:     PhaseSystem,
		Code:      CodeSystemInternalFault,
		Retryable: false,
		Message:   msg,
		Cause:     cause,
	}
}

// AsFailure coerces err into a *Failure, wrapping unclassified errors as
// system faults so nothing escapes the taxonomy at the task boundary.
func AsFailure(err error) *Failure {
	if err == nil {
		return nil
	}
	if f, ok := err.(*Failure); ok {
		return f
	}
	return SystemFailure(err.Error(), err)
}
