package tools

import (
	"context"
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"github.com/google/uuid"

	"github.com/deshartman/crelay-payments-sub000/internal/protocol"
	"github.com/deshartman/crelay-payments-sub000/internal/telephony"
)

// dtmfAlphabet is what the gateway accepts in a sendDigits frame; w is
// a half-second pause.
const dtmfAlphabet = "0123456789*#wW"

func init() {
	Register(Definition{
		Name:        "send-dtmf",
		Description: "Play DTMF digits into the call, for example to navigate a downstream IVR menu.",
		Class:       DeliveryImmediate,
		Schema: Schema{
			"digits": {
				Type:        "string",
				Description: "Digits to play: 0-9, * and #. Use w for a half-second pause.",
				Required:    true,
				MinLength:   1,
				MaxLength:   32,
			},
		},
		Factory: sendDTMF,
	})

	Register(Definition{
		Name:        "play-media",
		Description: "Play an audio file into the call, such as hold music or a pre-recorded notice.",
		Class:       DeliveryImmediate,
		Schema: Schema{
			"source": {
				Type:        "string",
				Description: "HTTPS URL of the audio to play.",
				Required:    true,
			},
			"loop": {
				Type:        "number",
				Description: "How many times to repeat the audio. 0 plays it once.",
				Minimum:     floatPtr(0),
				Maximum:     floatPtr(100),
			},
			"interruptible": {
				Type:        "boolean",
				Description: "Whether caller speech stops playback. Defaults to true.",
			},
			"preemptible": {
				Type:        "boolean",
				Description: "Whether later speech or media replaces this playback.",
			},
		},
		Factory: playMedia,
	})

	Register(Definition{
		Name:        "switch-language",
		Description: "Switch the voice or transcription language for the rest of the call.",
		Class:       DeliveryImmediate,
		Schema: Schema{
			"ttsLanguage": {
				Type:        "string",
				Description: "BCP-47 code for synthesized speech, for example fr-FR.",
			},
			"transcriptionLanguage": {
				Type:        "string",
				Description: "BCP-47 code for caller transcription.",
			},
		},
		Factory: switchLanguage,
	})

	Register(Definition{
		Name:        "silence-control",
		Description: "Enable or disable silence detection for the call.",
		Class:       DeliveryImmediate,
		Schema: Schema{
			"enabled": {
				Type:        "boolean",
				Description: "true turns silence detection on, false turns it off.",
				Required:    true,
			},
		},
		Factory: silenceControl,
	})

	Register(Definition{
		Name:        "end-call",
		Description: "Hang up the call. Say goodbye first; the call ends after your response finishes playing.",
		Class:       DeliveryDelayed,
		Schema: Schema{
			"reason": {
				Type:        "string",
				Description: "Short reason for ending the call.",
				MaxLength:   256,
			},
		},
		Factory: endCall,
	})

	Register(Definition{
		Name:        "live-agent-handoff",
		Description: "Transfer the caller to a live agent. Tell the caller first; the transfer happens after your response finishes playing.",
		Class:       DeliveryDelayed,
		Schema: Schema{
			"summary": {
				Type:        "string",
				Description: "Summary of the conversation so far for the receiving agent.",
				MaxLength:   2048,
			},
			"department": {
				Type:        "string",
				Description: "Department or queue to route the caller to.",
			},
		},
		Factory: liveAgentHandoff,
	})

	Register(Definition{
		Name:        "send-sms",
		Description: "Send an SMS, for example a receipt or a follow-up link. Defaults to texting the caller.",
		Class:       DeliveryNone,
		Schema: Schema{
			"to": {
				Type:        "string",
				Description: "Destination number in E.164 form. Omit to text the caller.",
			},
			"body": {
				Type:        "string",
				Description: "Message text.",
				Required:    true,
				MinLength:   1,
				MaxLength:   1600,
			},
		},
		Factory: sendSMS,
	})

	Register(Definition{
		Name:        "start-payment",
		Description: "Start secure payment capture on this call. The gateway collects card details out of band; poll payment-status for progress.",
		Class:       DeliveryNone,
		Schema: Schema{
			"amount": {
				Type:        "number",
				Description: "Amount to charge.",
				Required:    true,
				Minimum:     floatPtr(0.01),
			},
			"currency": {
				Type:        "string",
				Description: "ISO 4217 currency code. Defaults to usd.",
			},
			"description": {
				Type:        "string",
				Description: "What the charge is for.",
				MaxLength:   256,
			},
		},
		Factory: startPayment,
	})

	Register(Definition{
		Name:        "payment-status",
		Description: "Check the status of a payment capture session started with start-payment.",
		Class:       DeliveryNone,
		Schema: Schema{
			"paymentSid": {
				Type:        "string",
				Description: "The payment session ID returned by start-payment.",
				Required:    true,
			},
		},
		Factory: paymentStatus,
	})
}

func sendDTMF(_ Deps) Handler {
	return func(_ context.Context, args Args) (*Result, error) {
		digits := args.String("digits")
		for _, r := range digits {
			if !strings.ContainsRune(dtmfAlphabet, r) {
				return nil, fmt.Errorf("invalid DTMF digit %q", r)
			}
		}

		return &Result{
			Success:  true,
			Message:  fmt.Sprintf("queued %d digits for playback", len(digits)),
			Outgoing: protocol.NewSendDigits(digits),
		}, nil
	}
}

func playMedia(_ Deps) Handler {
	return func(_ context.Context, args Args) (*Result, error) {
		source := args.String("source")
		parsed, err := url.Parse(source)
		if err != nil || (parsed.Scheme != "http" && parsed.Scheme != "https") {
			return nil, fmt.Errorf("source must be an http(s) URL")
		}

		return &Result{
			Success: true,
			Message: "playing media",
			Outgoing: protocol.NewPlay(
				source,
				args.Int("loop"),
				args.BoolOr("interruptible", true),
				args.Bool("preemptible"),
			),
		}, nil
	}
}

func switchLanguage(_ Deps) Handler {
	return func(_ context.Context, args Args) (*Result, error) {
		tts := args.String("ttsLanguage")
		transcription := args.String("transcriptionLanguage")
		if tts == "" && transcription == "" {
			return nil, fmt.Errorf("at least one of ttsLanguage or transcriptionLanguage is required")
		}

		message := "switched language"
		if tts != "" {
			message += " tts=" + tts
		}
		if transcription != "" {
			message += " transcription=" + transcription
		}

		return &Result{
			Success:  true,
			Message:  message,
			Outgoing: protocol.NewLanguage(tts, transcription),
		}, nil
	}
}

func silenceControl(_ Deps) Handler {
	return func(_ context.Context, args Args) (*Result, error) {
		enabled := args.Bool("enabled")

		message := "silence detection disabled"
		if enabled {
			message = "silence detection enabled"
		}

		return &Result{
			Success:  true,
			Message:  message,
			Outgoing: protocol.NewSilence(enabled),
		}, nil
	}
}

func endCall(_ Deps) Handler {
	return func(_ context.Context, args Args) (*Result, error) {
		handoff := map[string]any{"reasonCode": "end-call"}
		if reason := args.String("reason"); reason != "" {
			handoff["reason"] = reason
		}

		return &Result{
			Success:  true,
			Message:  "call will end after this response finishes playing",
			Outgoing: protocol.NewEnd(handoff),
		}, nil
	}
}

func liveAgentHandoff(_ Deps) Handler {
	return func(_ context.Context, args Args) (*Result, error) {
		handoff := map[string]any{"reasonCode": "live-agent-handoff"}
		if summary := args.String("summary"); summary != "" {
			handoff["summary"] = summary
		}
		if department := args.String("department"); department != "" {
			handoff["department"] = department
		}

		return &Result{
			Success:  true,
			Message:  "caller will be transferred after this response finishes playing",
			Outgoing: protocol.NewEnd(handoff),
		}, nil
	}
}

func sendSMS(deps Deps) Handler {
	return func(ctx context.Context, args Args) (*Result, error) {
		if deps.Telephony == nil {
			return nil, fmt.Errorf("telephony client not configured")
		}

		to := args.String("to")
		if to == "" {
			to = deps.Call.From
		}
		if to == "" {
			return nil, fmt.Errorf("no destination: pass to or serve a call with a caller number")
		}

		from, _ := deps.Settings["from"].(string)
		if from == "" {
			from = deps.Call.To
		}

		msg, err := deps.Telephony.SendSMS(ctx, from, to, args.String("body"))
		if err != nil {
			return nil, fmt.Errorf("send sms: %w", err)
		}

		return &Result{
			Success: true,
			Message: fmt.Sprintf("sms %s queued to %s", msg.SID, to),
		}, nil
	}
}

func startPayment(deps Deps) Handler {
	return func(ctx context.Context, args Args) (*Result, error) {
		if deps.Telephony == nil {
			return nil, fmt.Errorf("telephony client not configured")
		}
		if deps.Call.CallSID == "" {
			return nil, fmt.Errorf("payments need an active call")
		}

		currency := args.String("currency")
		if currency == "" {
			currency = "usd"
		}

		params := telephony.PaymentParams{
			IdempotencyKey: deps.Call.CallSID + "-" + uuid.NewString(),
			ChargeAmount:   strconv.FormatFloat(args.Float("amount"), 'f', 2, 64),
			Currency:       currency,
			Description:    args.String("description"),
		}
		if cb, ok := deps.Settings["status_callback"].(string); ok {
			params.StatusCallback = cb
		}
		if connector, ok := deps.Settings["connector"].(string); ok {
			params.PaymentConnector = connector
		}
		if tokenType, ok := deps.Settings["token_type"].(string); ok {
			params.TokenType = tokenType
		}

		payment, err := deps.Telephony.StartPayment(ctx, deps.Call.CallSID, params)
		if err != nil {
			return nil, fmt.Errorf("start payment: %w", err)
		}

		return &Result{
			Success: true,
			Message: fmt.Sprintf("payment session %s started, status %s", payment.SID, payment.Status),
		}, nil
	}
}

func paymentStatus(deps Deps) Handler {
	return func(ctx context.Context, args Args) (*Result, error) {
		if deps.Telephony == nil {
			return nil, fmt.Errorf("telephony client not configured")
		}

		sid := args.String("paymentSid")
		payment, err := deps.Telephony.GetPayment(ctx, deps.Call.CallSID, sid)
		if err != nil {
			return nil, fmt.Errorf("payment status: %w", err)
		}

		return &Result{
			Success: true,
			Message: fmt.Sprintf("payment %s status: %s", payment.SID, payment.Status),
		}, nil
	}
}
