package schemas

import "time"

// -- Run Schemas --

// Determination is the boolean-like outcome derived from the retrieved
// status certificate.
type Determination string

const (
	DeterminationYes Determination = "Yes"
	DeterminationNo  Determination = "No"
)

// ClassificationResult records the outcome of one successful run. It is
// derived once and immutable after being written to the run's artifacts.
type ClassificationResult struct {
	CorrelationID string        `json:"correlation_id"`
	Determination Determination `json:"determination"`
	DocumentName  string        `json:"document_name"`
	Timestamp     time.Time     `json:"timestamp"`
}

// NetworkEventKind classifies a single browser network event.
type NetworkEventKind string

const (
	NetworkRequestSent      NetworkEventKind = "request_sent"
	NetworkRequestFailed    NetworkEventKind = "request_failed"
	NetworkResponseReceived NetworkEventKind = "response_received"
	NetworkResponseError    NetworkEventKind = "response_error"
)

// NetworkEvent is one entry in a run's append-only network log. Events are
// recorded in wall-clock order and flushed durably after each append, so a
// crash leaves a consistent partial log.
type NetworkEvent struct {
	Timestamp time.Time        `json:"timestamp"`
	Kind      NetworkEventKind `json:"kind"`
	URL       string           `json:"url"`
	Method    string           `json:"method,omitempty"`
	Status    int64            `json:"status,omitempty"`
	Failure   string           `json:"failure,omitempty"`
}

// NetworkSummary condenses a run's network log for the failure report.
type NetworkSummary struct {
	TotalEvents    int `json:"total_events"`
	RequestsSent   int `json:"requests_sent"`
	RequestsFailed int `json:"requests_failed"`
	ResponseErrors int `json:"response_errors"`
}

// Summarize computes a NetworkSummary over an ordered event sequence.
func Summarize(events []NetworkEvent) NetworkSummary {
	s := NetworkSummary{TotalEvents: len(events)}
	for _, ev := range events {
		switch ev.Kind {
		case NetworkRequestSent:
			s.RequestsSent++
		case NetworkRequestFailed:
			s.RequestsFailed++
		case NetworkResponseError:
			s.ResponseErrors++
		}
	}
	return s
}

// ErrorKind names a failure class from the pipeline's error taxonomy.
type ErrorKind string

const (
	ErrKindSessionBusy      ErrorKind = "session_busy"
	ErrKindLaunchFailed     ErrorKind = "launch_failed"
	ErrKindNavigationFailed ErrorKind = "navigation_failed"
	ErrKindLoginFailed      ErrorKind = "login_failed"
	ErrKindFormFillFailed   ErrorKind = "form_fill_failed"
	ErrKindConsentFailed    ErrorKind = "consent_not_acknowledged"
	ErrKindSubmissionFailed ErrorKind = "submission_failed"
	ErrKindDeliveryFailed   ErrorKind = "delivery_failed"
	ErrKindClassifierFailed ErrorKind = "classification_failed"
	ErrKindRunAbandoned     ErrorKind = "run_abandoned"
	ErrKindInternal         ErrorKind = "internal"
)

// ErrorReport is written once per failed run, with sensitive fields masked:
// the subject identifier is reduced to its last four digits and the
// callback URL to a short length preview.
type ErrorReport struct {
	Timestamp     time.Time      `json:"timestamp"`
	Message       string         `json:"message"`
	Kind          ErrorKind      `json:"kind"`
	Stage         string         `json:"stage,omitempty"`
	RunID         string         `json:"run_id"`
	CorrelationID string         `json:"correlation_id,omitempty"`
	MaskedSSN     string         `json:"masked_ssn,omitempty"`
	CallbackHint  string         `json:"callback_hint,omitempty"`
	Network       NetworkSummary `json:"network"`
}

// DeliveryReceipt records the outcome of the callback POST for a run.
type DeliveryReceipt struct {
	AttemptID     string    `json:"attempt_id"`
	Timestamp     time.Time `json:"timestamp"`
	StatusCode    int       `json:"status_code"`
	Delivered     bool      `json:"delivered"`
	HTMLResponse  bool      `json:"html_response,omitempty"`
	Error         string    `json:"error,omitempty"`
	CallbackHint  string    `json:"callback_hint"`
	CorrelationID string    `json:"correlation_id"`
}
