// Package relay implements the multiplexing side of the capture relay:
// the session registry, the shard owning the agent socket, the
// downstream links tunneled over it, and the login gateway.
package relay

import (
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/tapewire/relay/internal/protocol"
)

var (
	ErrBackpressure = errors.New("backpressure")
	ErrLinkClosed   = errors.New("link closed")
)

const (
	writeDeadline      = 5 * time.Second
	closeWriteDeadline = 2 * time.Second
)

// Conn is an indirection over *websocket.Conn to ease testing.
type Conn interface {
	ReadMessage() (int, []byte, error)
	WriteMessage(mt int, data []byte) error
	WriteControl(mt int, data []byte, deadline time.Time) error
	SetReadDeadline(t time.Time) error
	SetWriteDeadline(t time.Time) error
	Close() error
}

// Link is one outbound endpoint with a bounded send queue drained by a
// single write pump. Overflow policy is chosen per call: Send blocks
// (ordered per-connection traffic), SendControl fails so the caller can
// tear the link down, SendMedia drops the oldest queued frame.
type Link struct {
	ID   protocol.ConnID
	Type protocol.ConnectionType

	conn Conn
	send chan []byte
	done chan struct{}

	mu     sync.Mutex
	closed bool
}

func newLink(id protocol.ConnID, t protocol.ConnectionType, conn Conn, queue int) *Link {
	l := &Link{
		ID:   id,
		Type: t,
		conn: conn,
		send: make(chan []byte, queue),
		done: make(chan struct{}),
	}
	go l.writePump()
	return l
}

// Send queues a frame, blocking while the queue is full. Used for the
// ordered per-connection path where dropping would lose audio.
func (l *Link) Send(b []byte) error {
	select {
	case l.send <- b:
		return nil
	case <-l.done:
		return ErrLinkClosed
	}
}

// SendControl queues a frame without blocking; a full queue means the
// peer is not consuming control traffic and is reported as an error.
func (l *Link) SendControl(b []byte) error {
	select {
	case <-l.done:
		return ErrLinkClosed
	default:
	}
	select {
	case l.send <- b:
		return nil
	default:
		return ErrBackpressure
	}
}

// SendMedia queues a broadcast frame without blocking, evicting the
// oldest queued frame when the consumer is behind.
func (l *Link) SendMedia(b []byte) {
	select {
	case <-l.done:
		return
	default:
	}
	select {
	case l.send <- b:
		return
	default:
	}
	select {
	case <-l.send:
	default:
	}
	select {
	case l.send <- b:
	default:
	}
}

func (l *Link) writePump() {
	for {
		select {
		case <-l.done:
			return
		case b := <-l.send:
			_ = l.conn.SetWriteDeadline(time.Now().Add(writeDeadline))
			if err := l.conn.WriteMessage(websocket.BinaryMessage, b); err != nil {
				l.Close()
				return
			}
		}
	}
}

func (l *Link) Close() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return
	}
	l.closed = true
	close(l.done)
	_ = l.conn.Close()
}

// CloseWithReason sends a close frame carrying the one-byte reason code
// before tearing the socket down.
func (l *Link) CloseWithReason(r protocol.CloseReason) {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return
	}
	l.mu.Unlock()
	writeClose(l.conn, r)
	l.Close()
}

func writeClose(conn Conn, r protocol.CloseReason) {
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, string(protocol.ClosePayload(r)))
	_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(closeWriteDeadline))
}

// closeWithReason rejects a connection that never became a link.
func closeWithReason(conn Conn, r protocol.CloseReason) {
	writeClose(conn, r)
	_ = conn.Close()
}
