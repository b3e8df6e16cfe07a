// Package relay terminates the gateway transport. It upgrades one
// websocket per phone call and decodes its frames into the session that
// owns the call, and it exposes the REST endpoint that originates
// outbound calls, stashing their parameters for the websocket that
// follows.
package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/deshartman/crelay-payments-sub000/internal/llm/provider"
	"github.com/deshartman/crelay-payments-sub000/internal/protocol"
	"github.com/deshartman/crelay-payments-sub000/internal/session"
	"github.com/deshartman/crelay-payments-sub000/internal/telephony"
	"github.com/deshartman/crelay-payments-sub000/internal/tools"
	"github.com/deshartman/crelay-payments-sub000/pkg/assets"
	"github.com/deshartman/crelay-payments-sub000/pkg/callparams"
	metrics "github.com/deshartman/crelay-payments-sub000/pkg/observability"
	"github.com/deshartman/crelay-payments-sub000/pkg/security"
)

// Default HTTP routes.
const (
	DefaultWSPath   = "/conversation-relay"
	DefaultCallPath = "/calls"
)

// DefaultParamsTTL is how long origination parameters wait for their
// call's websocket before expiring.
const DefaultParamsTTL = 5 * time.Minute

const (
	// setupWait bounds the gap between the upgrade and the setup frame.
	setupWait = 10 * time.Second

	maxFrameBytes    = 1 << 20
	maxCallBodyBytes = 64 << 10
)

// Config wires a Server. The provider, loader, registry and stores come
// from the service bootstrap and are shared across calls.
type Config struct {
	// WSPath and CallPath override the default routes.
	WSPath   string
	CallPath string

	Provider    provider.Provider
	Model       string
	Temperature float64
	MaxTokens   int

	Assets         assets.Loader
	DefaultProfile string

	Registry  *session.Registry
	Telephony telephony.Client
	Params    callparams.Store

	// CallerID is the origination number used when POST /calls carries
	// no from.
	CallerID string

	// AnswerURL is the webhook the gateway fetches call instructions
	// from when an outbound call connects. Empty disables origination.
	AnswerURL string

	// ParamsTTL bounds how long stashed origination parameters wait for
	// their websocket. Zero means DefaultParamsTTL.
	ParamsTTL time.Duration

	// Language and TTSLanguage, when set, are pushed to the gateway as
	// a language frame as soon as a call is established. The model can
	// still switch languages mid-call through the switch-language tool.
	Language    string
	TTSLanguage string

	// Interruptible is stamped on every spoken text frame.
	Interruptible bool

	// TickInterval overrides the session watchdog cadence. Zero keeps
	// the session default.
	TickInterval time.Duration

	// SetupsPerMinute caps websocket establishment per remote host.
	// Zero disables the limit.
	SetupsPerMinute float64

	// Tools carries the shared tool rate limiter and timeout budget
	// applied to every session's router.
	Tools tools.RouterConfig
}

// Server owns the transport endpoints of one relay instance.
type Server struct {
	cfg      Config
	limiter  *security.RateLimiter
	upgrader websocket.Upgrader
}

// NewServer validates the wiring and builds a Server.
func NewServer(cfg Config) (*Server, error) {
	if cfg.Provider == nil {
		return nil, errors.New("relay: provider is required")
	}
	if cfg.Assets == nil {
		return nil, errors.New("relay: asset loader is required")
	}
	if cfg.Registry == nil {
		return nil, errors.New("relay: session registry is required")
	}
	if cfg.Telephony == nil {
		return nil, errors.New("relay: telephony client is required")
	}
	if cfg.Params == nil {
		return nil, errors.New("relay: call parameter store is required")
	}
	if cfg.WSPath == "" {
		cfg.WSPath = DefaultWSPath
	}
	if cfg.CallPath == "" {
		cfg.CallPath = DefaultCallPath
	}
	if cfg.ParamsTTL <= 0 {
		cfg.ParamsTTL = DefaultParamsTTL
	}

	s := &Server{
		cfg: cfg,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// The gateway dials server-to-server; there is no browser
			// origin to check.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
	if cfg.SetupsPerMinute > 0 {
		burst := int(cfg.SetupsPerMinute)
		if burst < 1 {
			burst = 1
		}
		s.limiter = security.NewRateLimiter(cfg.SetupsPerMinute/60, burst)
	}
	return s, nil
}

// Handler returns the HTTP handler serving the websocket and call
// initiation routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc(s.cfg.WSPath, s.handleSocket)
	mux.HandleFunc(s.cfg.CallPath, s.handleCall)
	return mux
}

func (s *Server) handleSocket(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	host := clientHost(r)
	if s.limiter != nil && !s.limiter.Allow(host) {
		log.Printf("[Relay] setup rate limit exceeded for %s", host)
		http.Error(w, "too many connections", http.StatusTooManyRequests)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written the HTTP error.
		log.Printf("[Relay] upgrade failed for %s: %v", host, err)
		return
	}
	defer conn.Close()
	conn.SetReadLimit(maxFrameBytes)

	setup, err := s.awaitSetup(conn)
	if err != nil {
		log.Printf("[Relay] %s: %v", host, err)
		return
	}

	sess, sender, err := s.establish(conn, setup)
	if err != nil {
		log.Printf("[Relay] call %s rejected: %v", setup.CallSid, err)
		s.refuse(conn, err)
		if sender != nil {
			sender.Close()
		}
		return
	}

	s.readLoop(conn, sess)

	// The transport is gone. Close is a no-op when the session already
	// ended itself; waiting for Done keeps the conn alive until the
	// pump has flushed.
	sess.Close()
	<-sess.Done()
}

// awaitSetup reads frames until the gateway's setup arrives. Anything
// else before it is logged and dropped.
func (s *Server) awaitSetup(conn *websocket.Conn) (*protocol.SetupMessage, error) {
	_ = conn.SetReadDeadline(time.Now().Add(setupWait))
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return nil, fmt.Errorf("no setup received: %w", err)
		}
		msg, err := protocol.Decode(data)
		if err != nil {
			metrics.RecordProtocolError()
			log.Printf("[Relay] dropping pre-setup frame: %v", err)
			continue
		}
		setup, ok := msg.(*protocol.SetupMessage)
		if !ok {
			log.Printf("[Relay] dropping %s frame before setup", frameKind(msg))
			continue
		}
		metrics.RecordFrame("in", protocol.TypeSetup)
		return setup, nil
	}
}

// establish resolves the call's profile, builds its tool router and
// registers the session. Parameters stashed at origination time are
// folded into the setup's custom parameters first; on conflict the
// gateway-sent value wins.
func (s *Server) establish(conn *websocket.Conn, setup *protocol.SetupMessage) (*session.Session, *pump, error) {
	ctx, cancel := context.WithTimeout(context.Background(), setupWait)
	defer cancel()

	stashedProfile := ""
	stashed, err := s.cfg.Params.Take(ctx, setup.CallSid)
	switch {
	case err == nil:
		stashedProfile = stashed.Profile
		if len(stashed.Parameters) > 0 && setup.CustomParameters == nil {
			setup.CustomParameters = make(map[string]string, len(stashed.Parameters))
		}
		for k, v := range stashed.Parameters {
			if _, exists := setup.CustomParameters[k]; !exists {
				setup.CustomParameters[k] = v
			}
		}
	case errors.Is(err, callparams.ErrNotFound):
		// Inbound call, or the stash expired. The setup stands alone.
	default:
		log.Printf("[Relay] call %s: parameter lookup failed: %v", setup.CallSid, err)
	}

	profileKey := s.cfg.DefaultProfile
	if stashedProfile != "" {
		profileKey = stashedProfile
	}
	if key := strings.TrimSpace(setup.CustomParameters["profile"]); key != "" {
		profileKey = key
	}
	if profileKey == "" {
		return nil, nil, errors.New("no profile configured for call")
	}

	profile, err := s.cfg.Assets.Load(ctx, profileKey)
	if err != nil {
		return nil, nil, fmt.Errorf("load profile %q: %w", profileKey, err)
	}

	router := tools.NewRouter(tools.Default(), profile.Tools, tools.Deps{
		Call:      tools.CallInfo{CallSID: setup.CallSid, From: setup.From, To: setup.To},
		Telephony: s.cfg.Telephony,
	}, s.cfg.Tools)

	sender := newPump(conn)
	sess, err := s.cfg.Registry.Create(session.Config{
		Provider:      s.cfg.Provider,
		Model:         s.cfg.Model,
		Temperature:   s.cfg.Temperature,
		MaxTokens:     s.cfg.MaxTokens,
		Router:        router,
		Profile:       profile,
		Sender:        sender,
		Interruptible: s.cfg.Interruptible,
		TickInterval:  s.cfg.TickInterval,
		OnClose: func(_ *session.Session, _ string) {
			// Flush and hang up, then kick the read loop loose.
			sender.Close()
			_ = conn.Close()
		},
	}, setup)
	if err != nil {
		// The caller still owns the refusal frame; it closes the pump
		// after writing it.
		return nil, sender, err
	}

	if s.cfg.Language != "" || s.cfg.TTSLanguage != "" {
		if err := sender.Send(protocol.NewLanguage(s.cfg.TTSLanguage, s.cfg.Language)); err != nil {
			log.Printf("[Relay] call %s: language frame: %v", setup.CallSid, err)
		} else {
			metrics.RecordFrame("out", protocol.TypeLanguage)
		}
	}
	return sess, sender, nil
}

// readLoop decodes gateway frames into the session until the socket
// closes. The ping/pong cycle bounds how long a dead peer lingers.
func (s *Server) readLoop(conn *websocket.Conn, sess *session.Session) {
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Printf("[Relay] call %s transport closed: %v", sess.ID(), err)
			}
			return
		}
		msg, err := protocol.Decode(data)
		if err != nil {
			metrics.RecordProtocolError()
			log.Printf("[Relay] call %s: dropping frame: %v", sess.ID(), err)
			continue
		}
		metrics.RecordFrame("in", frameKind(msg))
		sess.HandleInbound(msg)
	}
}

// refuse tells the gateway the call will not be served. Registry
// capacity and duplicate-call rejections land here.
func (s *Server) refuse(conn *websocket.Conn, err error) {
	reason := "setup-failed"
	code := websocket.ClosePolicyViolation
	if errors.Is(err, session.ErrRegistryFull) {
		reason = "busy"
		code = websocket.CloseTryAgainLater
	}
	if data, merr := protocol.Marshal(protocol.NewEndWithReason(reason)); merr == nil {
		_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
		_ = conn.WriteMessage(websocket.TextMessage, data)
	}
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(code, reason), time.Now().Add(writeWait))
}

type callRequest struct {
	To         string            `json:"to"`
	From       string            `json:"from,omitempty"`
	Profile    string            `json:"profile,omitempty"`
	Parameters map[string]string `json:"parameters,omitempty"`
}

// callResponse echoes the gateway's view of the new call.
type callResponse struct {
	CallSid string `json:"callSid"`
	Status  string `json:"status,omitempty"`
	To      string `json:"to"`
	From    string `json:"from,omitempty"`
}

func (s *Server) handleCall(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req callRequest
	body := http.MaxBytesReader(w, r.Body, maxCallBodyBytes)
	if err := json.NewDecoder(body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid request body: %v", err))
		return
	}
	if strings.TrimSpace(req.To) == "" {
		writeError(w, http.StatusBadRequest, "to is required")
		return
	}
	from := req.From
	if from == "" {
		from = s.cfg.CallerID
	}
	if from == "" {
		writeError(w, http.StatusBadRequest, "from is required when no caller id is configured")
		return
	}
	if s.cfg.AnswerURL == "" {
		writeError(w, http.StatusServiceUnavailable, "outbound calling is not configured")
		return
	}

	call, err := s.cfg.Telephony.CreateCall(r.Context(), telephony.CallParams{
		To:   req.To,
		From: from,
		URL:  s.cfg.AnswerURL,
	})
	if err != nil {
		log.Printf("[Relay] call initiation to %s failed: %v", req.To, err)
		writeError(w, http.StatusBadGateway, "call initiation failed")
		return
	}

	if req.Profile != "" || len(req.Parameters) > 0 {
		params := callparams.Params{Profile: req.Profile, Parameters: req.Parameters}
		if err := s.cfg.Params.Put(r.Context(), call.SID, params, s.cfg.ParamsTTL); err != nil {
			// The call is already dialing; it will run the default
			// profile instead.
			log.Printf("[Relay] call %s: stashing parameters failed: %v", call.SID, err)
		}
	}

	log.Printf("[Relay] initiated call %s to %s profile=%s", call.SID, call.To, req.Profile)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	_ = json.NewEncoder(w).Encode(callResponse{
		CallSid: call.SID,
		Status:  call.Status,
		To:      call.To,
		From:    call.From,
	})
}

func writeError(w http.ResponseWriter, code int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": message})
}

func frameKind(msg any) string {
	switch msg.(type) {
	case *protocol.SetupMessage:
		return protocol.TypeSetup
	case *protocol.PromptMessage:
		return protocol.TypePrompt
	case *protocol.InterruptMessage:
		return protocol.TypeInterrupt
	case *protocol.DTMFMessage:
		return protocol.TypeDTMF
	case *protocol.InfoMessage:
		return protocol.TypeInfo
	case *protocol.GatewayErrorMessage:
		return protocol.TypeError
	default:
		return "unknown"
	}
}

// clientHost extracts the remote IP for rate limiting.
func clientHost(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
