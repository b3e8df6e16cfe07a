// Package telephony is the REST side of the gateway: placing outbound
// calls, sending SMS, and driving agent-assisted payment capture on an
// active call. The websocket leg of a call never goes through here.
package telephony

import (
	"context"
)

// Client is the outbound gateway API surface. Tool handlers and the
// call-initiation endpoint depend on this interface, never on the REST
// implementation, so tests substitute a recorder.
type Client interface {
	// CreateCall dials an outbound call and returns the created call
	// resource. The gateway fetches params.URL when the callee answers.
	CreateCall(ctx context.Context, params CallParams) (*Call, error)

	// SendSMS sends a text message and returns the queued message resource.
	SendSMS(ctx context.Context, from, to, body string) (*Message, error)

	// StartPayment begins a payment capture session on an active call.
	StartPayment(ctx context.Context, callSID string, params PaymentParams) (*Payment, error)

	// UpdatePayment advances or finalizes an in-progress capture session.
	UpdatePayment(ctx context.Context, callSID, paymentSID string, update PaymentUpdate) (*Payment, error)

	// GetPayment fetches the current state of a capture session.
	GetPayment(ctx context.Context, callSID, paymentSID string) (*Payment, error)
}

// CallParams describes an outbound call to place.
type CallParams struct {
	To   string
	From string
	// URL is the webhook the gateway requests for call instructions
	// once the callee answers.
	URL string
}

// Call is the gateway's call resource.
type Call struct {
	SID    string `json:"sid"`
	Status string `json:"status"`
	To     string `json:"to"`
	From   string `json:"from"`
}

// Call status values reported by the gateway.
const (
	CallStatusQueued     = "queued"
	CallStatusRinging    = "ringing"
	CallStatusInProgress = "in-progress"
	CallStatusCompleted  = "completed"
	CallStatusBusy       = "busy"
	CallStatusFailed     = "failed"
	CallStatusNoAnswer   = "no-answer"
)

// Message is the gateway's SMS resource.
type Message struct {
	SID    string `json:"sid"`
	Status string `json:"status"`
	To     string `json:"to"`
	From   string `json:"from"`
}

// PaymentParams starts a capture session.
type PaymentParams struct {
	// IdempotencyKey deduplicates retried starts; callers should derive
	// it from the call SID plus an attempt counter.
	IdempotencyKey string
	StatusCallback string
	ChargeAmount   string
	Currency       string
	Description    string
	// PaymentConnector names the configured processor connection. Empty
	// uses the gateway default.
	PaymentConnector string
	// TokenType asks for tokenization instead of an immediate charge
	// ("one-time" or "reusable").
	TokenType string
}

// PaymentUpdate advances a capture session: either request the next
// Capture field or set a terminal Status.
type PaymentUpdate struct {
	IdempotencyKey string
	StatusCallback string
	Capture        string
	Status         string
}

// Capture field names accepted by PaymentUpdate.Capture.
const (
	CapturePaymentCardNumber = "payment-card-number"
	CaptureExpirationDate    = "expiration-date"
	CaptureSecurityCode      = "security-code"
	CapturePostalCode        = "postal-code"
)

// Terminal values for PaymentUpdate.Status.
const (
	PaymentStatusComplete = "complete"
	PaymentStatusCancel   = "cancel"
)

// Payment is the gateway's capture-session resource.
type Payment struct {
	SID     string `json:"sid"`
	CallSID string `json:"call_sid"`
	Status  string `json:"status"`
}
