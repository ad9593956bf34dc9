// The agent is the recording side of the relay: it identifies a
// session, terminates the inner protocol for every downstream
// connection the relay tunnels to it, and hands captured audio to a
// file sink.
package main

import (
	"context"
	"encoding/json"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/pflag"

	"github.com/tapewire/relay/internal/domain"
	"github.com/tapewire/relay/internal/protocol"
	"github.com/tapewire/relay/internal/session"
)

const pingInterval = 30 * time.Second

// wsUplink serializes frame writes onto the single agent socket.
type wsUplink struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func (u *wsUplink) Send(f protocol.Frame) error {
	u.mu.Lock()
	defer u.mu.Unlock()
	_ = u.conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	return u.conn.WriteMessage(websocket.BinaryMessage, protocol.EncodeFrame(f))
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	fs := pflag.NewFlagSet("agent", pflag.ContinueOnError)
	var (
		url        = fs.StringP("url", "u", "ws://localhost:9001/shard", "relay shard endpoint")
		secret     = fs.StringP("secret", "s", "", "relay shard secret")
		id         = fs.String("id", "", "session id")
		key        = fs.String("key", "", "session key")
		out        = fs.StringP("out", "o", "./rec/session.dat", "capture output path")
		flac       = fs.Bool("flac", false, "allow FLAC uploads")
		continuous = fs.Bool("continuous", false, "allow continuous mode")
		serverName = fs.String("server-name", "", "display server name")
		channel    = fs.String("channel", "", "display channel name")
		probeLimit = fs.Int("name-probe-limit", 16, "bound on display-name disambiguation probing")
		logLevel   = fs.StringP("log-level", "l", "info", "log level")
	)
	if err := fs.Parse(os.Args[1:]); err != nil {
		log.Fatal().Err(err).Msg("failed to parse command line arguments")
	}
	lvl, err := zerolog.ParseLevel(*logLevel)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to parse log level")
	}
	zerolog.SetGlobalLevel(lvl)

	if *id == "" || *key == "" {
		log.Fatal().Msg("--id and --key are required")
	}

	sink, err := session.NewFileSink(*out)
	if err != nil {
		log.Fatal().Err(err).Str("path", *out).Msg("failed to open sink")
	}
	defer sink.Close()

	header := http.Header{}
	header.Set("Authorization", *secret)
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, *url, header)
	if err != nil {
		log.Fatal().Err(err).Str("url", *url).Msg("failed to dial relay")
	}
	defer conn.Close()

	up := &wsUplink{conn: conn}
	engine := session.NewEngine(up, sink, session.Options{NameProbeLimit: *probeLimit}, log.Logger)

	desc := domain.Descriptor{
		ID:                *id,
		Key:               *key,
		FlacEnabled:       *flac,
		ContinuousEnabled: *continuous,
		ServerName:        *serverName,
		ChannelName:       *channel,
	}
	payload, err := json.Marshal(&desc)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to marshal descriptor")
	}
	if err := up.Send(protocol.Frame{Op: protocol.OpIdentify, Payload: payload}); err != nil {
		log.Fatal().Err(err).Msg("identify failed")
	}

	go func() {
		ticker := time.NewTicker(pingInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := up.Send(protocol.Frame{Op: protocol.OpPing}); err != nil {
					return
				}
			}
		}
	}()

	go func() {
		<-ctx.Done()
		_ = up.Send(protocol.Frame{Op: protocol.OpExit, Payload: protocol.ClosePayload(protocol.ReasonShardClosed)})
		_ = conn.Close()
	}()

	log.Info().Str("session", *id).Str("url", *url).Msg("agent connected")
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() == nil {
				log.Error().Err(err).Msg("relay connection lost")
			}
			break
		}
		f, err := protocol.DecodeFrame(data)
		if err != nil {
			log.Warn().Int("len", len(data)).Msg("malformed frame from relay")
			continue
		}
		engine.HandleFrame(f)
	}
	log.Info().Msg("agent exited")
}
