package session

import (
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/tapewire/relay/internal/domain"
	"github.com/tapewire/relay/internal/protocol"
)

const (
	sampleRate = 48000
	// clockSkewWindow bounds how far a declared granule position may
	// stray from the session-elapsed estimate before being replaced.
	clockSkewWindow = 30 * sampleRate

	defaultNameProbeLimit = 16
)

// Uplink carries outer envelope frames back to the relay.
type Uplink interface {
	Send(f protocol.Frame) error
}

// User is one audio contributor. Records are never deleted: a
// disconnect only flips Connected, so the track number survives for an
// identical identity tuple reconnecting later.
type User struct {
	Track      uint32
	Name       string
	Data       protocol.DataType
	Continuous bool
	Connected  bool
	PacketSeq  uint32
	Conn       protocol.ConnID
}

// Options tunes engine behaviour.
type Options struct {
	// NameProbeLimit bounds the " (i)" suffix probing during identity
	// disambiguation; i runs from 2 up to but excluding the limit.
	NameProbeLimit int
}

// Engine interprets inner-protocol messages for one session. All state
// is serialized behind a single mutex; frames may be delivered from any
// goroutine.
type Engine struct {
	logger zerolog.Logger
	up     Uplink
	sink   Sink

	probeLimit int

	mu        sync.Mutex
	start     time.Time
	ready     bool
	clients   map[protocol.ConnID]protocol.ConnectionType
	users     map[string]*User
	byConn    map[protocol.ConnID]*User
	speaking  map[uint32]bool
	nextTrack uint32
}

func NewEngine(up Uplink, sink Sink, opts Options, logger zerolog.Logger) *Engine {
	limit := opts.NameProbeLimit
	if limit <= 0 {
		limit = defaultNameProbeLimit
	}
	return &Engine{
		logger:     logger.With().Str("module", "session.engine").Logger(),
		up:         up,
		sink:       sink,
		probeLimit: limit,
		start:      time.Now(),
		clients:    make(map[protocol.ConnID]protocol.ConnectionType),
		users:      make(map[string]*User),
		byConn:     make(map[protocol.ConnID]*User),
		speaking:   make(map[uint32]bool),
	}
}

// Ready reports whether the relay has acknowledged the identify.
func (e *Engine) Ready() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.ready
}

// HandleFrame consumes one decoded envelope frame from the relay.
func (e *Engine) HandleFrame(f protocol.Frame) {
	e.mu.Lock()
	defer e.mu.Unlock()
	switch f.Op {
	case protocol.OpReady:
		e.ready = true
		e.logger.Info().Msg("relay ready")
	case protocol.OpNew:
		e.handleNew(f.ConnID, f.Payload)
	case protocol.OpData:
		e.handleData(f.ConnID, f.Payload)
	case protocol.OpClose:
		e.dropConn(f.ConnID)
	case protocol.OpPong:
		e.logger.Debug().Msg("relay pong")
	default:
		e.logger.Warn().Stringer("op", f.Op).Msg("unknown op from relay")
	}
}

func (e *Engine) sendTo(conn protocol.ConnID, msg []byte) {
	if err := e.up.Send(protocol.Frame{Op: protocol.OpData, ConnID: conn, Payload: msg}); err != nil {
		e.logger.Warn().Err(err).Str("conn", conn.String()).Msg("uplink send failed")
	}
}

// closeConn asks the relay to close a downstream connection and runs
// the local disconnect bookkeeping immediately.
func (e *Engine) closeConn(conn protocol.ConnID, reason protocol.CloseReason) {
	e.dropConn(conn)
	err := e.up.Send(protocol.Frame{
		Op: protocol.OpClose, ConnID: conn, Payload: protocol.ClosePayload(reason),
	})
	if err != nil {
		e.logger.Warn().Err(err).Str("conn", conn.String()).Msg("uplink close failed")
	}
}

func (e *Engine) handleNew(conn protocol.ConnID, payload []byte) {
	login, err := protocol.ParseLogin(payload)
	if err != nil {
		e.closeConn(conn, protocol.ReasonInvalidMessage)
		return
	}
	nick := truncateName(string(login.Nick))
	e.clients[conn] = login.Type
	switch login.Type {
	case protocol.ConnPing:
		e.logger.Debug().Str("conn", conn.String()).Str("nick", nick).Msg("pinger connected")
	case protocol.ConnData:
		e.createUser(conn, nick, login.Data, login.Continuous)
	case protocol.ConnMonitor:
		e.catchUp(conn, nil)
	}
}

// createUser resolves a DATA connection to a stable track identity.
// A name collision with a connected or mismatched user probes suffixed
// candidates until one is unused or eligible for reuse.
func (e *Engine) createUser(conn protocol.ConnID, nick string, dt protocol.DataType, continuous bool) {
	name := nick
	u := e.users[name]
	if u != nil && (u.Connected || u.Data != dt || u.Continuous != continuous) {
		i := 2
		for ; i < e.probeLimit; i++ {
			name = fmt.Sprintf("%s (%d)", nick, i)
			u = e.users[name]
			if u == nil || (!u.Connected && u.Data == dt && u.Continuous == continuous) {
				break
			}
		}
		if i == e.probeLimit {
			e.closeConn(conn, protocol.ReasonAlreadyConnected)
			return
		}
	}

	if u == nil {
		u = &User{
			Track:      e.nextTrack,
			Name:       name,
			Data:       dt,
			Continuous: continuous,
			Connected:  true,
			Conn:       conn,
		}
		e.nextTrack++
		e.users[name] = u

		e.broadcastUser(u, true, conn)

		// FLAC headers wait for the sample-rate announcement.
		if dt == protocol.DataOpus {
			e.writeHeaders(u.Track, opusHeaders(continuous))
		}
		err := e.sink.WriteUser(domain.TrackInfo{
			Track:      u.Track,
			Name:       name,
			DataType:   dt.String(),
			Continuous: continuous,
		})
		if err != nil {
			e.logger.Warn().Err(err).Uint32("track", u.Track).Msg("sink user write failed")
		}
		e.logger.Info().Str("nick", name).Uint32("track", u.Track).Stringer("dtype", dt).Msg("user connected")
	} else {
		u.Connected = true
		u.Conn = conn
		e.logger.Info().Str("nick", name).Uint32("track", u.Track).Msg("user reconnected")
	}
	e.byConn[conn] = u

	e.sendTo(conn, protocol.BuildID(u.Track))
	e.sendTo(conn, protocol.BuildInfo(protocol.InfoStartTime, 1))
	e.catchUp(conn, u)
}

// catchUp replays the current snapshot to a newly attached consumer:
// every other connected user first, then every speaking track, so the
// joiner sees present state before any live update.
func (e *Engine) catchUp(conn protocol.ConnID, self *User) {
	for _, u := range e.users {
		if u == self || !u.Connected {
			continue
		}
		e.sendTo(conn, protocol.BuildUser(u.Track, true, u.Name))
	}
	for track, speaking := range e.speaking {
		if speaking {
			e.sendTo(conn, protocol.BuildSpeech(track, true))
		}
	}
}

// broadcastUser fans a connected-state change out to every non-PING
// link except the subject's own connection.
func (e *Engine) broadcastUser(u *User, connected bool, exclude protocol.ConnID) {
	msg := protocol.BuildUser(u.Track, connected, u.Name)
	for conn, t := range e.clients {
		if t == protocol.ConnPing || conn == exclude {
			continue
		}
		e.sendTo(conn, msg)
	}
}

// setSpeaking updates a track's speaking state, broadcasting only on
// change to every non-PING link.
func (e *Engine) setSpeaking(track uint32, speaking bool) {
	if e.speaking[track] == speaking {
		return
	}
	e.speaking[track] = speaking
	msg := protocol.BuildSpeech(track, speaking)
	for conn, t := range e.clients {
		if t == protocol.ConnPing {
			continue
		}
		e.sendTo(conn, msg)
	}
}

func (e *Engine) handleData(conn protocol.ConnID, msg []byte) {
	t, ok := e.clients[conn]
	if !ok {
		return
	}
	switch t {
	case protocol.ConnPing:
		e.handlePingMsg(conn, msg)
	case protocol.ConnData:
		e.handleDataMsg(conn, msg)
	case protocol.ConnMonitor:
		// Monitors are passive.
		e.closeConn(conn, protocol.ReasonInvalidID)
	}
}

func (e *Engine) handlePingMsg(conn protocol.ConnID, msg []byte) {
	t, ok := protocol.PeekType(msg)
	if !ok {
		e.closeConn(conn, protocol.ReasonInvalidMessage)
		return
	}
	if t != protocol.MsgPing {
		e.closeConn(conn, protocol.ReasonInvalidID)
		return
	}
	clientTime, err := protocol.ParsePing(msg)
	if err != nil {
		e.closeConn(conn, protocol.ReasonInvalidMessage)
		return
	}
	serverTime := float64(time.Since(e.start)) / float64(time.Millisecond)
	e.sendTo(conn, protocol.BuildPong(clientTime, serverTime))
}

func (e *Engine) handleDataMsg(conn protocol.ConnID, msg []byte) {
	u := e.byConn[conn]
	if u == nil {
		return
	}
	t, ok := protocol.PeekType(msg)
	if !ok {
		e.closeConn(conn, protocol.ReasonInvalidMessage)
		return
	}
	switch t {
	case protocol.MsgInfo:
		key, value, err := protocol.ParseInfo(msg)
		if err != nil {
			e.closeConn(conn, protocol.ReasonInvalidMessage)
			return
		}
		if key == protocol.InfoSampleRate && u.Data == protocol.DataFlac {
			e.writeHeaders(u.Track, flacHeaders(value, u.Continuous))
		}
	case protocol.MsgData:
		granule, payload, err := protocol.ParseData(msg)
		if err != nil {
			e.closeConn(conn, protocol.ReasonInvalidMessage)
			return
		}
		e.acceptAudio(u, granule, payload)
	case protocol.MsgError:
		e.logger.Warn().Str("nick", u.Name).Str("error", string(msg[4:])).Msg("client reported error")
	default:
		e.closeConn(conn, protocol.ReasonInvalidID)
	}
}

// acceptAudio clamps the declared granule position against the session
// clock, hands the packet to the sink and derives the speaking state.
func (e *Engine) acceptAudio(u *User, granule uint64, payload []byte) {
	estimate := e.elapsedSamples()
	if d := int64(granule) - int64(estimate); d < -clockSkewWindow || d > clockSkewWindow {
		granule = estimate
	}

	seq := u.PacketSeq
	u.PacketSeq++
	if err := e.sink.WritePacket(granule, u.Track, seq, payload); err != nil {
		e.logger.Warn().Err(err).Uint32("track", u.Track).Msg("sink packet write failed")
	}

	// Coarse silence heuristic; consumers depend on these exact
	// thresholds, so this is deliberately not a real detector.
	var silence bool
	switch {
	case u.Continuous && len(payload) > 0:
		silence = payload[0] == 0
	case u.Data == protocol.DataFlac:
		silence = len(payload) < 16
	default:
		silence = len(payload) < 8
	}
	e.setSpeaking(u.Track, !silence)
}

// dropConn runs disconnect bookkeeping for a vanished connection: the
// user record is retained, its speaking flag cleared (broadcast), and
// the departure announced to all remaining non-PING links.
func (e *Engine) dropConn(conn protocol.ConnID) {
	delete(e.clients, conn)
	u := e.byConn[conn]
	delete(e.byConn, conn)
	if u == nil || u.Conn != conn {
		return
	}
	u.Connected = false
	e.setSpeaking(u.Track, false)
	e.broadcastUser(u, false, protocol.ConnID{})
	e.logger.Info().Str("nick", u.Name).Uint32("track", u.Track).Msg("user disconnected")
}

func (e *Engine) writeHeaders(track uint32, blobs [2][]byte) {
	for i, blob := range blobs {
		if err := e.sink.WriteHeader(track, uint32(i), blob); err != nil {
			e.logger.Warn().Err(err).Uint32("track", track).Msg("sink header write failed")
		}
	}
}

func (e *Engine) elapsedSamples() uint64 {
	return uint64(time.Since(e.start).Seconds() * sampleRate)
}

// truncateName caps a display name at 32 runes.
func truncateName(s string) string {
	runes := []rune(s)
	if len(runes) > domain.MaxNameLen {
		return string(runes[:domain.MaxNameLen])
	}
	return s
}
