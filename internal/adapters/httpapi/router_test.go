package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/tapewire/relay/internal/config"
	"github.com/tapewire/relay/internal/protocol"
	"github.com/tapewire/relay/internal/relay"
)

func newTestServer(t *testing.T) (*httptest.Server, *relay.Registry) {
	t.Helper()
	cfg := &config.Config{
		Mode:             "release",
		ShardSecret:      "s3cret",
		ReadLimit:        65536,
		HandshakeTimeout: time.Second,
		SendQueueSize:    16,
	}
	reg := relay.NewRegistry()
	srv := httptest.NewServer(SetupRouter(context.Background(), cfg, reg, zerolog.Nop()))
	t.Cleanup(srv.Close)
	return srv, reg
}

func wsURL(srv *httptest.Server, path string) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http") + path
}

func dialAgent(t *testing.T, srv *httptest.Server, id string) *websocket.Conn {
	t.Helper()
	header := http.Header{}
	header.Set("Authorization", "s3cret")
	ws, _, err := websocket.DefaultDialer.Dial(wsURL(srv, "/shard"), header)
	if err != nil {
		t.Fatalf("dial agent: %v", err)
	}
	t.Cleanup(func() { ws.Close() })

	payload := []byte(`{"id":"` + id + `","key":"key"}`)
	frame := protocol.EncodeFrame(protocol.Frame{Op: protocol.OpIdentify, Payload: payload})
	if err := ws.WriteMessage(websocket.BinaryMessage, frame); err != nil {
		t.Fatalf("identify: %v", err)
	}
	_ = ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := ws.ReadMessage()
	if err != nil {
		t.Fatalf("read ready: %v", err)
	}
	f, err := protocol.DecodeFrame(data)
	if err != nil || f.Op != protocol.OpReady {
		t.Fatalf("first frame = %v (%v), want READY", f.Op, err)
	}
	return ws
}

func getJSON(t *testing.T, url string, out any) int {
	t.Helper()
	resp, err := http.Get(url)
	if err != nil {
		t.Fatalf("get %s: %v", url, err)
	}
	defer resp.Body.Close()
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			t.Fatalf("decode %s: %v", url, err)
		}
	}
	return resp.StatusCode
}

func TestAgentAuthorization(t *testing.T) {
	srv, _ := newTestServer(t)

	header := http.Header{}
	header.Set("Authorization", "wrong")
	_, resp, err := websocket.DefaultDialer.Dial(wsURL(srv, "/shard"), header)
	if err == nil {
		t.Fatal("dial with bad secret succeeded")
	}
	if resp == nil || resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("resp = %+v", resp)
	}
}

func TestSessionLifecycle(t *testing.T) {
	srv, reg := newTestServer(t)
	agent := dialAgent(t, srv, "rec1")

	var health struct {
		OK      bool `json:"ok"`
		Shards  int  `json:"shards"`
		Clients int  `json:"clients"`
	}
	getJSON(t, srv.URL+"/health", &health)
	if !health.OK || health.Shards != 1 || health.Clients != 0 {
		t.Fatalf("health = %+v", health)
	}

	if code := getJSON(t, srv.URL+"/info/rec1/wrongkey", nil); code != http.StatusUnauthorized {
		t.Errorf("wrong key status = %d", code)
	}
	if code := getJSON(t, srv.URL+"/info/nope/key", nil); code != http.StatusNotFound {
		t.Errorf("unknown id status = %d", code)
	}
	var info struct {
		OK        bool `json:"ok"`
		Recording struct {
			ConnectionToken string `json:"connectionToken"`
		} `json:"recording"`
	}
	if code := getJSON(t, srv.URL+"/info/rec1/key", &info); code != http.StatusOK {
		t.Fatalf("info status = %d", code)
	}
	if !info.OK || len(info.Recording.ConnectionToken) != protocol.TokenSize {
		t.Fatalf("info = %+v", info)
	}

	// A downstream logs in with the token from the lookup.
	down, _, err := websocket.DefaultDialer.Dial(wsURL(srv, "/"), nil)
	if err != nil {
		t.Fatalf("dial downstream: %v", err)
	}
	defer down.Close()
	login := protocol.BuildLogin(info.Recording.ConnectionToken, uint32(protocol.ConnData), "alice")
	if err := down.WriteMessage(websocket.BinaryMessage, login); err != nil {
		t.Fatalf("login: %v", err)
	}
	_ = down.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, ack, err := down.ReadMessage()
	if err != nil {
		t.Fatalf("read ack: %v", err)
	}
	if mt, _ := protocol.PeekType(ack); mt != protocol.MsgAck {
		t.Fatalf("first message type = %#x, want ACK", mt)
	}

	// The agent was told about the connection.
	_ = agent.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := agent.ReadMessage()
	if err != nil {
		t.Fatalf("read new: %v", err)
	}
	f, err := protocol.DecodeFrame(data)
	if err != nil || f.Op != protocol.OpNew {
		t.Fatalf("agent frame = %v (%v), want NEW", f.Op, err)
	}

	// Agent exit cascades: downstream closed, registry emptied.
	exit := protocol.EncodeFrame(protocol.Frame{Op: protocol.OpExit, Payload: protocol.ClosePayload(protocol.ReasonShardClosed)})
	if err := agent.WriteMessage(websocket.BinaryMessage, exit); err != nil {
		t.Fatalf("exit: %v", err)
	}
	if _, _, err := down.ReadMessage(); err == nil {
		t.Error("downstream still open after agent exit")
	}
	deadline := time.Now().Add(2 * time.Second)
	for {
		if sessions, links := reg.Counts(); sessions == 0 && links == 0 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("registry not emptied after agent exit")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestDownstreamRejectedWithoutSession(t *testing.T) {
	srv, _ := newTestServer(t)

	down, _, err := websocket.DefaultDialer.Dial(wsURL(srv, "/"), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer down.Close()
	if err := down.WriteMessage(websocket.BinaryMessage, protocol.BuildLogin("deadbeef", 0, "x")); err != nil {
		t.Fatalf("login: %v", err)
	}
	_ = down.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err = down.ReadMessage()
	if err == nil {
		t.Fatal("expected close")
	}
	var ce *websocket.CloseError
	if !errors.As(err, &ce) {
		t.Fatalf("err = %v", err)
	}
	if len(ce.Text) != 1 || protocol.CloseReason(ce.Text[0]) != protocol.ReasonNotFound {
		t.Errorf("close text = %q", ce.Text)
	}
}
