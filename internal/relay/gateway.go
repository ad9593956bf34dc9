package relay

import (
	"time"
	"unicode/utf8"

	"github.com/rs/zerolog"

	"github.com/tapewire/relay/internal/protocol"
)

// Gateway accepts inbound downstream sockets, validates their single
// LOGIN message and hands them to the owning shard.
type Gateway struct {
	reg     *Registry
	timeout time.Duration
	logger  zerolog.Logger
}

func NewGateway(reg *Registry, timeout time.Duration, logger zerolog.Logger) *Gateway {
	return &Gateway{
		reg:     reg,
		timeout: timeout,
		logger:  logger.With().Str("module", "relay.gateway").Logger(),
	}
}

// Handle runs the login handshake. Exactly one LOGIN frame is expected
// within the handshake timeout; every validation failure closes the
// socket with its reason code and processes nothing further.
func (g *Gateway) Handle(conn Conn) {
	_ = conn.SetReadDeadline(time.Now().Add(g.timeout))
	_, msg, err := conn.ReadMessage()
	if err != nil {
		_ = conn.Close()
		return
	}
	_ = conn.SetReadDeadline(time.Time{})

	if len(msg) < protocol.LoginMinLen {
		closeWithReason(conn, protocol.ReasonInvalidMessage)
		return
	}
	if t, _ := protocol.PeekType(msg); t != protocol.MsgLogin {
		closeWithReason(conn, protocol.ReasonInvalidID)
		return
	}
	login, err := protocol.ParseLogin(msg)
	if err != nil {
		closeWithReason(conn, protocol.ReasonInvalidMessage)
		return
	}

	shard, ok := g.reg.ByToken(login.Token)
	if !ok {
		closeWithReason(conn, protocol.ReasonNotFound)
		return
	}
	if !utf8.Valid(login.Nick) {
		closeWithReason(conn, protocol.ReasonInvalidUsername)
		return
	}
	desc := shard.Descriptor()
	if login.Data == protocol.DataFlac && !desc.FlacEnabled {
		closeWithReason(conn, protocol.ReasonInvalidFlags)
		return
	}
	if login.Continuous && !desc.ContinuousEnabled {
		closeWithReason(conn, protocol.ReasonInvalidFlags)
		return
	}
	switch login.Type {
	case protocol.ConnData, protocol.ConnPing, protocol.ConnMonitor:
	default:
		closeWithReason(conn, protocol.ReasonInvalidConnectionType)
		return
	}

	link, err := shard.NewConnection(conn, msg, login.Type)
	if err != nil {
		return
	}
	if err := link.SendControl(protocol.BuildAck(protocol.MsgLogin)); err != nil {
		shard.CloseConnection(link.ID, protocol.ReasonClosed)
		return
	}
	g.logger.Debug().
		Str("session", shard.ID()).
		Stringer("type", login.Type).
		Msg("downstream login accepted")
}
