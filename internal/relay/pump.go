package relay

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/deshartman/crelay-payments-sub000/internal/protocol"
)

const (
	// writeWait bounds every websocket write, control frames included.
	writeWait = 10 * time.Second

	// pongWait is how long the reader tolerates silence from the peer.
	// pingPeriod must be shorter so a pong is always due before the
	// deadline.
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10

	outboundBuffer = 64
)

var errTransportClosed = errors.New("relay: transport closed")

// pump is the single writer for one call's websocket. The session hands
// it frames from the session goroutine; the pump goroutine owns every
// write so ping frames never interleave with payloads.
type pump struct {
	conn *websocket.Conn

	frames chan []byte
	stop   chan struct{}
	done   chan struct{}

	stopOnce sync.Once
}

func newPump(conn *websocket.Conn) *pump {
	p := &pump{
		conn:   conn,
		frames: make(chan []byte, outboundBuffer),
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
	go p.run()
	return p
}

// Send marshals and enqueues one outbound frame. It blocks while the
// buffer is full, which backpressures the session loop, and fails once
// the writer has exited.
func (p *pump) Send(frame protocol.Outbound) error {
	data, err := protocol.Marshal(frame)
	if err != nil {
		return fmt.Errorf("relay: marshal %s frame: %w", frame.OutboundKind(), err)
	}
	select {
	case p.frames <- data:
		return nil
	case <-p.done:
		return errTransportClosed
	}
}

// Close drains buffered frames, sends the websocket close handshake and
// waits for the writer to exit. Safe to call more than once and from
// any goroutine.
func (p *pump) Close() {
	p.stopOnce.Do(func() { close(p.stop) })
	<-p.done
}

func (p *pump) run() {
	defer close(p.done)

	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-p.stop:
			p.drain()
			deadline := time.Now().Add(writeWait)
			_ = p.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
			return
		case data := <-p.frames:
			if err := p.write(data); err != nil {
				return
			}
		case <-ticker.C:
			if err := p.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		}
	}
}

// drain flushes frames queued before Close, bounded so a dead peer
// cannot hold shutdown hostage.
func (p *pump) drain() {
	for i := 0; i < outboundBuffer; i++ {
		select {
		case data := <-p.frames:
			if err := p.write(data); err != nil {
				return
			}
		default:
			return
		}
	}
}

func (p *pump) write(data []byte) error {
	_ = p.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return p.conn.WriteMessage(websocket.TextMessage, data)
}
