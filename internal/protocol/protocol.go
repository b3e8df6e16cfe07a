// Package protocol defines the JSON frame formats exchanged with the
// telephony gateway over the per-call websocket. Each frame is a single JSON
// object carrying a "type" discriminator. Decode performs strict per-kind
// validation so malformed frames are rejected before they reach a session.
package protocol

import (
	"encoding/json"
	"fmt"
)

// Inbound frame types sent by the gateway.
const (
	TypeSetup     = "setup"
	TypePrompt    = "prompt"
	TypeInterrupt = "interrupt"
	TypeDTMF      = "dtmf"
	TypeInfo      = "info"
	TypeError     = "error"
)

// Outbound frame types sent to the gateway.
const (
	TypeText       = "text"
	TypeSendDigits = "sendDigits"
	TypePlay       = "play"
	TypeLanguage   = "language"
	TypeEnd        = "end"
	TypeSilence    = "silence"
)

// ProtocolError describes an inbound frame that could not be decoded or
// failed validation. Sessions log these and drop the frame; the call stays up.
type ProtocolError struct {
	Code    string // "malformed_json", "unknown_type", "missing_field"
	Message string
	Param   string // offending field, when known
}

func (e *ProtocolError) Error() string {
	if e.Param != "" {
		return fmt.Sprintf("protocol: %s: %s (param=%s)", e.Code, e.Message, e.Param)
	}
	return fmt.Sprintf("protocol: %s: %s", e.Code, e.Message)
}

func malformed(message string) *ProtocolError {
	return &ProtocolError{Code: "malformed_json", Message: message}
}

func missingField(frameType, param string) *ProtocolError {
	return &ProtocolError{
		Code:    "missing_field",
		Message: fmt.Sprintf("%s frame is missing a required field", frameType),
		Param:   param,
	}
}

// SetupMessage is the first frame of every call. It carries the call metadata
// and any custom parameters configured on the gateway side.
type SetupMessage struct {
	Type             string            `json:"type"`
	SessionID        string            `json:"sessionId"`
	CallSid          string            `json:"callSid"`
	ParentCallSid    string            `json:"parentCallSid,omitempty"`
	From             string            `json:"from"`
	To               string            `json:"to"`
	ForwardedFrom    string            `json:"forwardedFrom,omitempty"`
	CallerName       string            `json:"callerName,omitempty"`
	Direction        string            `json:"direction"`
	CallType         string            `json:"callType,omitempty"`
	CallStatus       string            `json:"callStatus,omitempty"`
	AccountSid       string            `json:"accountSid,omitempty"`
	CustomParameters map[string]string `json:"customParameters,omitempty"`
}

// PromptMessage carries one transcribed caller utterance.
type PromptMessage struct {
	Type        string `json:"type"`
	VoicePrompt string `json:"voicePrompt"`
	Lang        string `json:"lang,omitempty"`
	Last        bool   `json:"last"`
}

// InterruptMessage signals that the caller spoke over the assistant. The
// gateway reports how much of the in-flight utterance was actually played.
type InterruptMessage struct {
	Type                     string `json:"type"`
	UtteranceUntilInterrupt  string `json:"utteranceUntilInterrupt,omitempty"`
	DurationUntilInterruptMs int64  `json:"durationUntilInterruptMs,omitempty"`
}

// DTMFMessage carries a single touch-tone digit.
type DTMFMessage struct {
	Type  string `json:"type"`
	Digit string `json:"digit"`
}

// InfoMessage is non-substantive gateway chatter. It is logged and never
// counts as caller activity.
type InfoMessage struct {
	Type        string          `json:"type"`
	Description string          `json:"description,omitempty"`
	Raw         json.RawMessage `json:"-"`
}

// GatewayErrorMessage is an error report from the gateway. Treated like info
// for activity purposes; the transport decides whether the socket survives.
type GatewayErrorMessage struct {
	Type        string `json:"type"`
	Description string `json:"description,omitempty"`
}

// Decode parses one inbound frame. The returned value is one of
// *SetupMessage, *PromptMessage, *InterruptMessage, *DTMFMessage,
// *InfoMessage or *GatewayErrorMessage. Unknown or invalid frames yield a
// *ProtocolError.
func Decode(data []byte) (any, error) {
	var envelope struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		return nil, malformed(err.Error())
	}

	switch envelope.Type {
	case TypeSetup:
		var m SetupMessage
		if err := json.Unmarshal(data, &m); err != nil {
			return nil, malformed(err.Error())
		}
		if m.CallSid == "" && m.SessionID == "" {
			return nil, missingField(TypeSetup, "callSid")
		}
		return &m, nil

	case TypePrompt:
		var m PromptMessage
		if err := json.Unmarshal(data, &m); err != nil {
			return nil, malformed(err.Error())
		}
		if m.VoicePrompt == "" {
			return nil, missingField(TypePrompt, "voicePrompt")
		}
		return &m, nil

	case TypeInterrupt:
		var m InterruptMessage
		if err := json.Unmarshal(data, &m); err != nil {
			return nil, malformed(err.Error())
		}
		return &m, nil

	case TypeDTMF:
		var m DTMFMessage
		if err := json.Unmarshal(data, &m); err != nil {
			return nil, malformed(err.Error())
		}
		if m.Digit == "" {
			return nil, missingField(TypeDTMF, "digit")
		}
		return &m, nil

	case TypeInfo:
		var m InfoMessage
		if err := json.Unmarshal(data, &m); err != nil {
			return nil, malformed(err.Error())
		}
		m.Raw = append(json.RawMessage(nil), data...)
		return &m, nil

	case TypeError:
		var m GatewayErrorMessage
		if err := json.Unmarshal(data, &m); err != nil {
			return nil, malformed(err.Error())
		}
		return &m, nil

	case "":
		return nil, &ProtocolError{Code: "missing_field", Message: "frame has no type", Param: "type"}

	default:
		return nil, &ProtocolError{
			Code:    "unknown_type",
			Message: fmt.Sprintf("unsupported frame type %q", envelope.Type),
			Param:   "type",
		}
	}
}

// Outbound is implemented by every frame the service sends to the gateway.
type Outbound interface {
	// OutboundKind returns the frame's type discriminator.
	OutboundKind() string
}

// TextMessage streams one spoken token. Last marks the terminal token of an
// utterance; the gateway flushes TTS on it.
type TextMessage struct {
	Type          string `json:"type"`
	Token         string `json:"token"`
	Last          bool   `json:"last"`
	Interruptible bool   `json:"interruptible"`
}

func (m *TextMessage) OutboundKind() string { return TypeText }

// NewText builds a text frame.
func NewText(token string, last, interruptible bool) *TextMessage {
	return &TextMessage{Type: TypeText, Token: token, Last: last, Interruptible: interruptible}
}

// SendDigitsMessage plays DTMF digits into the call.
type SendDigitsMessage struct {
	Type   string `json:"type"`
	Digits string `json:"digits"`
}

func (m *SendDigitsMessage) OutboundKind() string { return TypeSendDigits }

// NewSendDigits builds a sendDigits frame.
func NewSendDigits(digits string) *SendDigitsMessage {
	return &SendDigitsMessage{Type: TypeSendDigits, Digits: digits}
}

// PlayMessage plays a media URL into the call.
type PlayMessage struct {
	Type          string `json:"type"`
	Source        string `json:"source"`
	Loop          int    `json:"loop,omitempty"`
	Interruptible bool   `json:"interruptible"`
	Preemptible   bool   `json:"preemptible"`
}

func (m *PlayMessage) OutboundKind() string { return TypePlay }

// NewPlay builds a play frame. loop of 0 means the gateway default (once).
func NewPlay(source string, loop int, interruptible, preemptible bool) *PlayMessage {
	return &PlayMessage{
		Type:          TypePlay,
		Source:        source,
		Loop:          loop,
		Interruptible: interruptible,
		Preemptible:   preemptible,
	}
}

// LanguageMessage switches the TTS and/or transcription language mid-call.
type LanguageMessage struct {
	Type                  string `json:"type"`
	TTSLanguage           string `json:"ttsLanguage,omitempty"`
	TranscriptionLanguage string `json:"transcriptionLanguage,omitempty"`
}

func (m *LanguageMessage) OutboundKind() string { return TypeLanguage }

// NewLanguage builds a language frame. Either argument may be empty to leave
// that side unchanged.
func NewLanguage(ttsLanguage, transcriptionLanguage string) *LanguageMessage {
	return &LanguageMessage{
		Type:                  TypeLanguage,
		TTSLanguage:           ttsLanguage,
		TranscriptionLanguage: transcriptionLanguage,
	}
}

// EndMessage terminates the call. HandoffData is a JSON-encoded string the
// gateway passes to whatever receives the call next.
type EndMessage struct {
	Type        string `json:"type"`
	HandoffData string `json:"handoffData,omitempty"`
}

func (m *EndMessage) OutboundKind() string { return TypeEnd }

// NewEnd builds an end frame with handoffData marshaled from data. A nil map
// produces an end frame with no handoff payload.
func NewEnd(data map[string]any) *EndMessage {
	m := &EndMessage{Type: TypeEnd}
	if len(data) > 0 {
		if b, err := json.Marshal(data); err == nil {
			m.HandoffData = string(b)
		}
	}
	return m
}

// NewEndWithReason builds an end frame whose handoffData carries a reasonCode.
func NewEndWithReason(reasonCode string) *EndMessage {
	return NewEnd(map[string]any{"reasonCode": reasonCode})
}

// SilenceMessage toggles silence detection. The session applies it to its own
// watchdog and forwards it on the wire.
type SilenceMessage struct {
	Type    string `json:"type"`
	Enabled bool   `json:"enabled"`
}

func (m *SilenceMessage) OutboundKind() string { return TypeSilence }

// NewSilence builds a silence control frame.
func NewSilence(enabled bool) *SilenceMessage {
	return &SilenceMessage{Type: TypeSilence, Enabled: enabled}
}

// Marshal encodes an outbound frame for the wire.
func Marshal(m Outbound) ([]byte, error) {
	return json.Marshal(m)
}
