package session

import (
	"bytes"
	"encoding/binary"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/tapewire/relay/internal/protocol"
)

// captureUplink records every frame the engine sends, synchronously.
type captureUplink struct {
	mu     sync.Mutex
	frames []protocol.Frame
}

func (u *captureUplink) Send(f protocol.Frame) error {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.frames = append(u.frames, f)
	return nil
}

// to returns the inner payloads of every DATA frame sent to one
// connection, in order.
func (u *captureUplink) to(conn protocol.ConnID) [][]byte {
	u.mu.Lock()
	defer u.mu.Unlock()
	var out [][]byte
	for _, f := range u.frames {
		if f.Op == protocol.OpData && f.ConnID == conn {
			out = append(out, f.Payload)
		}
	}
	return out
}

// closeReason returns the reason of the CLOSE frame sent for a
// connection, if any.
func (u *captureUplink) closeReason(conn protocol.ConnID) (protocol.CloseReason, bool) {
	u.mu.Lock()
	defer u.mu.Unlock()
	for _, f := range u.frames {
		if f.Op == protocol.OpClose && f.ConnID == conn {
			return protocol.ReasonFromPayload(f.Payload, 0xFF), true
		}
	}
	return 0, false
}

func newTestEngine(opts Options) (*Engine, *captureUplink, *MemorySink) {
	up := &captureUplink{}
	sink := NewMemorySink()
	return NewEngine(up, sink, opts, zerolog.Nop()), up, sink
}

func conn(s string) protocol.ConnID { return protocol.ConnIDFromString(s) }

func join(e *Engine, c protocol.ConnID, nick string, flags uint32) {
	e.HandleFrame(protocol.Frame{
		Op:      protocol.OpNew,
		ConnID:  c,
		Payload: protocol.BuildLogin("tokentok", flags, nick),
	})
}

func sendInner(e *Engine, c protocol.ConnID, msg []byte) {
	e.HandleFrame(protocol.Frame{Op: protocol.OpData, ConnID: c, Payload: msg})
}

func drop(e *Engine, c protocol.ConnID) {
	e.HandleFrame(protocol.Frame{Op: protocol.OpClose, ConnID: c})
}

// assignedTrack digs the track number out of the ID message sent to a
// freshly joined DATA connection.
func assignedTrack(t *testing.T, up *captureUplink, c protocol.ConnID) uint32 {
	t.Helper()
	for _, msg := range up.to(c) {
		if mt, _ := protocol.PeekType(msg); mt == protocol.MsgID {
			return binary.LittleEndian.Uint32(msg[4:])
		}
	}
	t.Fatal("no ID message sent")
	return 0
}

func TestReadyFlag(t *testing.T) {
	e, _, _ := newTestEngine(Options{})
	if e.Ready() {
		t.Fatal("ready before READY")
	}
	e.HandleFrame(protocol.Frame{Op: protocol.OpReady})
	if !e.Ready() {
		t.Fatal("READY not recorded")
	}
}

func TestTrackIdentityStableAcrossReconnect(t *testing.T) {
	e, up, sink := newTestEngine(Options{})

	c1 := conn("conn0001")
	join(e, c1, "alice", uint32(protocol.ConnData))
	if got := assignedTrack(t, up, c1); got != 0 {
		t.Fatalf("first track = %d", got)
	}
	if got := len(sink.Users()); got != 1 {
		t.Fatalf("sink users = %d", got)
	}
	// Opus tracks are primed with both header blobs immediately.
	if got := len(sink.Headers(0)); got != 2 {
		t.Fatalf("headers = %d", got)
	}

	drop(e, c1)

	c2 := conn("conn0002")
	join(e, c2, "alice", uint32(protocol.ConnData))
	if got := assignedTrack(t, up, c2); got != 0 {
		t.Errorf("reconnect track = %d, want 0", got)
	}
	if got := len(sink.Users()); got != 1 {
		t.Errorf("sink users = %d after reconnect, want 1", got)
	}
	if got := len(sink.Headers(0)); got != 2 {
		t.Errorf("headers = %d after reconnect, want 2", got)
	}
}

func TestNameDisambiguation(t *testing.T) {
	e, up, sink := newTestEngine(Options{})

	join(e, conn("conn0001"), "alice", uint32(protocol.ConnData))
	c2 := conn("conn0002")
	join(e, c2, "alice", uint32(protocol.ConnData))

	if got := assignedTrack(t, up, c2); got != 1 {
		t.Errorf("second track = %d, want 1", got)
	}
	users := sink.Users()
	if len(users) != 2 || users[1].Name != "alice (2)" {
		t.Errorf("users = %+v", users)
	}
}

func TestDisambiguationExhaustsProbeLimit(t *testing.T) {
	e, up, _ := newTestEngine(Options{NameProbeLimit: 4})

	join(e, conn("conn0001"), "alice", uint32(protocol.ConnData))
	join(e, conn("conn0002"), "alice", uint32(protocol.ConnData))
	join(e, conn("conn0003"), "alice", uint32(protocol.ConnData))

	c4 := conn("conn0004")
	join(e, c4, "alice", uint32(protocol.ConnData))
	if r, ok := up.closeReason(c4); !ok || r != protocol.ReasonAlreadyConnected {
		t.Errorf("reason = %v (present=%v)", r, ok)
	}
}

func TestFlagMismatchGetsOwnTrack(t *testing.T) {
	e, up, _ := newTestEngine(Options{})

	c1 := conn("conn0001")
	join(e, c1, "alice", uint32(protocol.ConnData))
	drop(e, c1)

	// Same name but different codec: the existing record must not be
	// reused even though it is disconnected.
	c2 := conn("conn0002")
	join(e, c2, "alice", uint32(protocol.ConnData)|uint32(protocol.DataFlac))
	if got := assignedTrack(t, up, c2); got != 1 {
		t.Errorf("track = %d, want 1", got)
	}
}

func TestClockClamp(t *testing.T) {
	e, _, sink := newTestEngine(Options{})
	c := conn("conn0001")
	join(e, c, "alice", uint32(protocol.ConnData))

	e.start = time.Now().Add(-10 * time.Second)
	estimate := uint64(10 * sampleRate)

	// Within the window the declared position is kept verbatim.
	sendInner(e, c, protocol.BuildData(estimate+1000, bytes.Repeat([]byte{1}, 20)))
	// Far outside it is replaced with the session-clock estimate.
	sendInner(e, c, protocol.BuildData(estimate+40*sampleRate, bytes.Repeat([]byte{1}, 20)))

	packets := sink.Packets()
	if len(packets) != 2 {
		t.Fatalf("packets = %d", len(packets))
	}
	if packets[0].Granule != estimate+1000 {
		t.Errorf("in-window granule rewritten to %d", packets[0].Granule)
	}
	if g := packets[1].Granule; g < estimate || g > estimate+5*sampleRate {
		t.Errorf("clamped granule = %d, want near %d", g, estimate)
	}
	if packets[0].Seq != 0 || packets[1].Seq != 1 {
		t.Errorf("seq = %d,%d", packets[0].Seq, packets[1].Seq)
	}
}

func TestMonitorCatchUp(t *testing.T) {
	e, up, _ := newTestEngine(Options{})

	join(e, conn("alice000"), "alice", uint32(protocol.ConnData))
	bob := conn("bob00000")
	join(e, bob, "bob", uint32(protocol.ConnData))
	bobTrack := assignedTrack(t, up, bob)
	join(e, conn("ping0000"), "pinger", uint32(protocol.ConnPing))

	// Bob speaks, alice stays silent.
	sendInner(e, bob, protocol.BuildData(0, bytes.Repeat([]byte{1}, 20)))
	sendInner(e, conn("alice000"), protocol.BuildData(0, []byte{1}))

	mon := conn("monitor0")
	join(e, mon, "", uint32(protocol.ConnMonitor))

	var users, speech int
	for _, msg := range up.to(mon) {
		switch mt, _ := protocol.PeekType(msg); mt {
		case protocol.MsgUser:
			users++
		case protocol.MsgSpeech:
			speech++
			if got := binary.LittleEndian.Uint32(msg[4:]); got != bobTrack {
				t.Errorf("speech for track %d, want %d", got, bobTrack)
			}
		default:
			t.Errorf("unexpected message type %#x", mt)
		}
	}
	if users != 2 || speech != 1 {
		t.Errorf("catch-up = %d users, %d speech; want 2, 1", users, speech)
	}

	// Ping links never receive broadcasts, only their pongs.
	if got := up.to(conn("ping0000")); len(got) != 0 {
		t.Errorf("pinger received %d messages", len(got))
	}
}

func TestPingConnection(t *testing.T) {
	e, up, _ := newTestEngine(Options{})
	e.start = time.Now().Add(-time.Minute)

	c := conn("ping0000")
	join(e, c, "pinger", uint32(protocol.ConnPing))
	sendInner(e, c, protocol.BuildPing(777.5))

	msgs := up.to(c)
	if len(msgs) != 1 {
		t.Fatalf("messages = %d", len(msgs))
	}
	pong := msgs[0]
	if mt, _ := protocol.PeekType(pong); mt != protocol.MsgPong {
		t.Fatalf("type = %#x", mt)
	}
	if !bytes.Equal(pong[4:12], protocol.BuildPing(777.5)[4:12]) {
		t.Error("client time not echoed")
	}
	serverMillis := math.Float64frombits(binary.LittleEndian.Uint64(pong[12:]))
	if serverMillis < 59000 || serverMillis > 61500 {
		t.Errorf("server time = %f ms", serverMillis)
	}

	// Anything but PING on a ping link closes it.
	c2 := conn("ping0002")
	join(e, c2, "pinger", uint32(protocol.ConnPing))
	sendInner(e, c2, protocol.BuildData(0, []byte{1}))
	if r, ok := up.closeReason(c2); !ok || r != protocol.ReasonInvalidID {
		t.Errorf("reason = %v (present=%v)", r, ok)
	}
}

func TestMonitorIsPassive(t *testing.T) {
	e, up, _ := newTestEngine(Options{})
	c := conn("monitor0")
	join(e, c, "", uint32(protocol.ConnMonitor))
	sendInner(e, c, protocol.BuildPing(1))
	if r, ok := up.closeReason(c); !ok || r != protocol.ReasonInvalidID {
		t.Errorf("reason = %v (present=%v)", r, ok)
	}
}

func TestBadLoginClosed(t *testing.T) {
	e, up, _ := newTestEngine(Options{})
	c := conn("conn0001")
	e.HandleFrame(protocol.Frame{Op: protocol.OpNew, ConnID: c, Payload: []byte{0x10, 0}})
	if r, ok := up.closeReason(c); !ok || r != protocol.ReasonInvalidMessage {
		t.Errorf("reason = %v (present=%v)", r, ok)
	}
}

func TestDisconnectClearsSpeaking(t *testing.T) {
	e, up, _ := newTestEngine(Options{})

	alice := conn("alice000")
	join(e, alice, "alice", uint32(protocol.ConnData))
	track := assignedTrack(t, up, alice)
	sendInner(e, alice, protocol.BuildData(0, bytes.Repeat([]byte{1}, 20)))

	mon := conn("monitor0")
	join(e, mon, "", uint32(protocol.ConnMonitor))
	before := len(up.to(mon))

	drop(e, alice)

	var sawSpeechOff, sawUserOff bool
	for _, msg := range up.to(mon)[before:] {
		switch mt, _ := protocol.PeekType(msg); mt {
		case protocol.MsgSpeech:
			if binary.LittleEndian.Uint32(msg[4:]) == track && binary.LittleEndian.Uint32(msg[8:]) == 0 {
				sawSpeechOff = true
			}
		case protocol.MsgUser:
			if binary.LittleEndian.Uint32(msg[4:]) == track && binary.LittleEndian.Uint32(msg[8:]) == 0 {
				sawUserOff = true
			}
		}
	}
	if !sawSpeechOff || !sawUserOff {
		t.Errorf("speech-off=%v user-off=%v", sawSpeechOff, sawUserOff)
	}
}

func TestSilenceThresholds(t *testing.T) {
	e, _, _ := newTestEngine(Options{})

	opus := conn("opus0000")
	join(e, opus, "o", uint32(protocol.ConnData))
	flac := conn("flac0000")
	join(e, flac, "f", uint32(protocol.ConnData)|uint32(protocol.DataFlac))
	cont := conn("cont0000")
	join(e, cont, "c", uint32(protocol.ConnData)|protocol.FlagContinuous)

	cases := []struct {
		name     string
		conn     protocol.ConnID
		payload  []byte
		speaking bool
	}{
		{"opus short is silence", opus, bytes.Repeat([]byte{1}, 7), false},
		{"opus long is speech", opus, bytes.Repeat([]byte{1}, 8), true},
		{"flac mid is silence", flac, bytes.Repeat([]byte{1}, 15), false},
		{"flac long is speech", flac, bytes.Repeat([]byte{1}, 16), true},
		{"continuous vad off", cont, []byte{0, 1, 2}, false},
		{"continuous vad on", cont, []byte{1}, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			sendInner(e, tc.conn, protocol.BuildData(0, tc.payload))
			e.mu.Lock()
			got := e.speaking[e.byConn[tc.conn].Track]
			e.mu.Unlock()
			if got != tc.speaking {
				t.Errorf("speaking = %v, want %v", got, tc.speaking)
			}
		})
	}
}

func TestFlacHeadersWaitForSampleRate(t *testing.T) {
	e, up, sink := newTestEngine(Options{})

	c := conn("flac0000")
	join(e, c, "alice", uint32(protocol.ConnData)|uint32(protocol.DataFlac))
	track := assignedTrack(t, up, c)
	if got := len(sink.Headers(track)); got != 0 {
		t.Fatalf("headers before INFO = %d", got)
	}

	sendInner(e, c, protocol.BuildInfo(protocol.InfoSampleRate, 44100))
	headers := sink.Headers(track)
	if len(headers) != 2 {
		t.Fatalf("headers = %d", len(headers))
	}
	if !bytes.HasPrefix(headers[0], []byte("fLaC")) {
		t.Errorf("first header = %q...", headers[0][:4])
	}
}

func TestNameTruncatedToMaxRunes(t *testing.T) {
	e, _, sink := newTestEngine(Options{})
	long := string(bytes.Repeat([]byte("é"), 40))
	join(e, conn("conn0001"), long, uint32(protocol.ConnData))
	users := sink.Users()
	if len(users) != 1 {
		t.Fatalf("users = %d", len(users))
	}
	if got := len([]rune(users[0].Name)); got != 32 {
		t.Errorf("name runes = %d", got)
	}
}
