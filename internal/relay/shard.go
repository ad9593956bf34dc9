package relay

import (
	"context"
	"encoding/json"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/tapewire/relay/internal/domain"
	"github.com/tapewire/relay/internal/protocol"
)

// Shard owns the single physical connection to a recording agent and
// multiplexes every downstream link of the session onto it. All
// mutation of the link map is serialized behind the shard mutex;
// sessions are fully independent of each other.
type Shard struct {
	reg    *Registry
	desc   *domain.Descriptor
	token  string
	agent  *Link
	queue  int
	logger zerolog.Logger

	mu     sync.Mutex
	links  map[protocol.ConnID]*Link
	closed bool
}

// shortID derives an 8-char ASCII identifier for connection tokens and
// connection ids. Uniqueness within a session is checked by the caller.
func shortID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:protocol.TokenSize]
}

// HandleIdentify consumes the agent's first message. It validates the
// IDENTIFY frame and the descriptor inside it, registers the session
// and answers READY. On any failure the socket is closed carrying a
// reason byte and no READY is ever sent.
func HandleIdentify(reg *Registry, conn Conn, first []byte, queue int, logger zerolog.Logger) (*Shard, error) {
	f, err := protocol.DecodeFrame(first)
	if err != nil || f.Op != protocol.OpIdentify {
		closeWithReason(conn, protocol.ReasonInvalidMessage)
		if err == nil {
			err = protocol.ErrShortFrame
		}
		return nil, err
	}

	desc := &domain.Descriptor{}
	if err := json.Unmarshal(f.Payload, desc); err != nil {
		closeWithReason(conn, protocol.ReasonInvalidMessage)
		return nil, err
	}
	if err := desc.Validate(); err != nil {
		closeWithReason(conn, protocol.ReasonInvalidMessage)
		return nil, err
	}

	s := &Shard{
		reg:    reg,
		desc:   desc,
		token:  shortID(),
		queue:  queue,
		links:  make(map[protocol.ConnID]*Link),
		logger: logger.With().Str("module", "relay.shard").Str("session", desc.ID).Logger(),
	}
	if err := reg.register(s); err != nil {
		closeWithReason(conn, protocol.ReasonAlreadyConnected)
		return nil, err
	}

	s.agent = newLink(protocol.ConnID{}, protocol.ConnData, conn, queue)
	if err := s.agent.SendControl(protocol.EncodeFrame(protocol.Frame{Op: protocol.OpReady})); err != nil {
		s.Terminate(protocol.ReasonShardClosed)
		return nil, err
	}
	s.logger.Info().Str("token", s.token).Int("shard", desc.ShardOrdinal).Msg("recording started")
	return s, nil
}

func (s *Shard) ID() string                     { return s.desc.ID }
func (s *Shard) Token() string                  { return s.token }
func (s *Shard) Descriptor() *domain.Descriptor { return s.desc }

func (s *Shard) LinkCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.links)
}

// Run drives the agent read loop until the socket closes, the context
// is cancelled, or the agent sends EXIT. It always terminates the
// session on the way out.
func (s *Shard) Run(ctx context.Context) {
	defer s.Terminate(protocol.ReasonShardClosed)
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		_, data, err := s.agent.conn.ReadMessage()
		if err != nil {
			s.logger.Debug().Err(err).Msg("agent connection closed")
			return
		}
		if !s.dispatch(data) {
			return
		}
	}
}

// dispatch handles one agent frame; a false return stops the run loop.
func (s *Shard) dispatch(data []byte) bool {
	f, err := protocol.DecodeFrame(data)
	if err != nil {
		s.logger.Warn().Int("len", len(data)).Msg("malformed frame from agent")
		return true
	}
	switch f.Op {
	case protocol.OpData:
		s.Relay(f.ConnID, f.Payload)
	case protocol.OpClose:
		s.CloseConnection(f.ConnID, protocol.ReasonFromPayload(f.Payload, protocol.ReasonClosed))
	case protocol.OpPing:
		_ = s.agent.SendControl(protocol.EncodeFrame(protocol.Frame{Op: protocol.OpPong}))
	case protocol.OpExit:
		s.Terminate(protocol.ReasonFromPayload(f.Payload, protocol.ReasonShardClosed))
		return false
	default:
		s.logger.Warn().Stringer("op", f.Op).Msg("unknown op from agent")
	}
	return true
}

// NewConnection attaches an authenticated downstream socket, announces
// it to the agent with the raw login payload, and starts relaying. The
// returned link is used by the gateway for the ACK reply.
func (s *Shard) NewConnection(conn Conn, rawLogin []byte, t protocol.ConnectionType) (*Link, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		closeWithReason(conn, protocol.ReasonShardClosed)
		return nil, ErrLinkClosed
	}
	id := protocol.ConnIDFromString(shortID())
	for {
		if _, ok := s.links[id]; !ok {
			break
		}
		id = protocol.ConnIDFromString(shortID())
	}
	link := newLink(id, t, conn, s.queue)
	s.links[id] = link
	s.mu.Unlock()

	if err := s.agent.Send(protocol.EncodeFrame(protocol.Frame{Op: protocol.OpNew, ConnID: id, Payload: rawLogin})); err != nil {
		s.CloseConnection(id, protocol.ReasonShardClosed)
		return nil, err
	}

	s.logger.Debug().Str("conn", id.String()).Stringer("type", t).Msg("downstream connected")
	go s.readLoop(link)
	return link, nil
}

// readLoop forwards downstream traffic to the agent in receipt order,
// envelope-tagged with the link's connection id.
func (s *Shard) readLoop(l *Link) {
	for {
		_, data, err := l.conn.ReadMessage()
		if err != nil {
			s.linkClosed(l.ID)
			return
		}
		if err := s.agent.Send(protocol.EncodeFrame(protocol.Frame{Op: protocol.OpData, ConnID: l.ID, Payload: data})); err != nil {
			s.linkClosed(l.ID)
			return
		}
	}
}

// linkClosed reacts to a downstream socket closing on its own.
func (s *Shard) linkClosed(id protocol.ConnID) {
	s.mu.Lock()
	l, ok := s.links[id]
	delete(s.links, id)
	s.mu.Unlock()
	if !ok {
		return
	}
	l.Close()
	_ = s.agent.SendControl(protocol.EncodeFrame(protocol.Frame{
		Op: protocol.OpClose, ConnID: id, Payload: protocol.ClosePayload(protocol.ReasonClosed),
	}))
	s.logger.Debug().Str("conn", id.String()).Msg("downstream closed")
}

// Relay forwards an agent frame to one downstream link, rewriting
// nothing but the envelope. Frames for vanished connection ids are
// silently dropped since the peer may have raced a close. Broadcast
// notifications (USER/SPEECH) may be evicted under backpressure;
// anything else overflowing the queue kills the link.
func (s *Shard) Relay(id protocol.ConnID, payload []byte) {
	s.mu.Lock()
	l, ok := s.links[id]
	s.mu.Unlock()
	if !ok {
		return
	}
	if t, ok := protocol.PeekType(payload); ok && (t == protocol.MsgUser || t == protocol.MsgSpeech) {
		l.SendMedia(payload)
		return
	}
	if err := l.SendControl(payload); err != nil {
		s.logger.Warn().Err(err).Str("conn", id.String()).Msg("slow consumer, closing link")
		s.CloseConnection(id, protocol.ReasonClosed)
	}
}

// CloseConnection removes a downstream link and notifies both sides
// with the one-byte reason code.
func (s *Shard) CloseConnection(id protocol.ConnID, reason protocol.CloseReason) {
	s.mu.Lock()
	l, ok := s.links[id]
	delete(s.links, id)
	s.mu.Unlock()
	if !ok {
		return
	}
	l.CloseWithReason(reason)
	_ = s.agent.SendControl(protocol.EncodeFrame(protocol.Frame{
		Op: protocol.OpClose, ConnID: id, Payload: protocol.ClosePayload(reason),
	}))
	s.logger.Debug().Str("conn", id.String()).Stringer("reason", reason).Msg("connection closed")
}

// Terminate tears the whole session down: the agent socket, every
// downstream link (with the given reason), and the registry entry.
func (s *Shard) Terminate(reason protocol.CloseReason) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	links := make([]*Link, 0, len(s.links))
	for _, l := range s.links {
		links = append(links, l)
	}
	s.links = make(map[protocol.ConnID]*Link)
	s.mu.Unlock()

	s.reg.deregister(s.desc.ID)
	s.agent.Close()
	for _, l := range links {
		l.CloseWithReason(reason)
	}
	s.logger.Info().Stringer("reason", reason).Msg("session terminated")
}
