package telephony

import (
	"context"
	"fmt"
	"log"
	"strings"
	"sync"

	"github.com/google/uuid"
)

// DryRunClient implements Client without touching the network. Every
// operation is recorded and answered with a fabricated resource, which
// is what the chat REPL and the handler tests run against.
type DryRunClient struct {
	mu       sync.Mutex
	calls    []Call
	messages []Message
	payments map[string]*Payment
	captures []string
}

// NewDryRunClient creates an offline recorder client.
func NewDryRunClient() *DryRunClient {
	return &DryRunClient{
		payments: make(map[string]*Payment),
	}
}

func (d *DryRunClient) CreateCall(_ context.Context, params CallParams) (*Call, error) {
	if params.To == "" {
		return nil, fmt.Errorf("call destination is required")
	}

	call := Call{
		SID:    newSID("CA"),
		Status: CallStatusQueued,
		To:     params.To,
		From:   params.From,
	}

	d.mu.Lock()
	d.calls = append(d.calls, call)
	d.mu.Unlock()

	log.Printf("[Telephony] dry-run: create call sid=%s to=%s", call.SID, call.To)
	return &call, nil
}

func (d *DryRunClient) SendSMS(_ context.Context, from, to, body string) (*Message, error) {
	if to == "" {
		return nil, fmt.Errorf("message destination is required")
	}
	if body == "" {
		return nil, fmt.Errorf("message body is required")
	}

	msg := Message{
		SID:    newSID("SM"),
		Status: "queued",
		To:     to,
		From:   from,
	}

	d.mu.Lock()
	d.messages = append(d.messages, msg)
	d.mu.Unlock()

	log.Printf("[Telephony] dry-run: send sms sid=%s to=%s (%d chars)", msg.SID, to, len(body))
	return &msg, nil
}

func (d *DryRunClient) StartPayment(_ context.Context, callSID string, _ PaymentParams) (*Payment, error) {
	if callSID == "" {
		return nil, fmt.Errorf("call SID is required")
	}

	payment := &Payment{
		SID:     newSID("PK"),
		CallSID: callSID,
		Status:  "in-progress",
	}

	d.mu.Lock()
	d.payments[payment.SID] = payment
	d.mu.Unlock()

	log.Printf("[Telephony] dry-run: start payment sid=%s call=%s", payment.SID, callSID)
	return payment, nil
}

func (d *DryRunClient) UpdatePayment(_ context.Context, callSID, paymentSID string, update PaymentUpdate) (*Payment, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	payment, ok := d.payments[paymentSID]
	if !ok || payment.CallSID != callSID {
		return nil, fmt.Errorf("payment %s not found on call %s", paymentSID, callSID)
	}

	switch {
	case update.Capture != "":
		d.captures = append(d.captures, update.Capture)
	case update.Status == PaymentStatusComplete:
		payment.Status = "success"
	case update.Status == PaymentStatusCancel:
		payment.Status = "cancelled"
	default:
		return nil, fmt.Errorf("payment update needs a capture field or a status")
	}

	copied := *payment
	return &copied, nil
}

func (d *DryRunClient) GetPayment(_ context.Context, callSID, paymentSID string) (*Payment, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	payment, ok := d.payments[paymentSID]
	if !ok || payment.CallSID != callSID {
		return nil, fmt.Errorf("payment %s not found on call %s", paymentSID, callSID)
	}

	copied := *payment
	return &copied, nil
}

// Calls returns the recorded outbound calls.
func (d *DryRunClient) Calls() []Call {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]Call(nil), d.calls...)
}

// Messages returns the recorded SMS sends.
func (d *DryRunClient) Messages() []Message {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]Message(nil), d.messages...)
}

// Captures returns the capture fields requested so far, in order.
func (d *DryRunClient) Captures() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.captures...)
}

func newSID(prefix string) string {
	return prefix + strings.ReplaceAll(uuid.New().String(), "-", "")
}
