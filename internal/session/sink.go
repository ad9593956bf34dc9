// Package session implements the inner-protocol state machine for one
// recording: the per-user track registry, speaking-state fan-out, clock
// correction and sink handoff. It runs wherever inner-protocol bytes
// are terminated, normally the recording agent.
package session

import (
	"bufio"
	"encoding/binary"
	"encoding/json"
	"os"
	"sync"

	"github.com/tapewire/relay/internal/domain"
)

// Sink is the write-only destination audio and track metadata are
// handed to. Payloads are opaque encoded audio; the engine never
// decodes them.
type Sink interface {
	WriteHeader(track, index uint32, blob []byte) error
	WritePacket(granule uint64, track, seq uint32, payload []byte) error
	WriteUser(info domain.TrackInfo) error
}

// Packet is one captured record, as handed to a sink.
type Packet struct {
	Granule uint64
	Track   uint32
	Seq     uint32
	Payload []byte
}

// MemorySink collects everything written to it; used in tests and as a
// scratch destination.
type MemorySink struct {
	mu      sync.Mutex
	headers map[uint32][][]byte
	packets []Packet
	users   []domain.TrackInfo
}

func NewMemorySink() *MemorySink {
	return &MemorySink{headers: make(map[uint32][][]byte)}
}

func (m *MemorySink) WriteHeader(track, index uint32, blob []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.headers[track] = append(m.headers[track], append([]byte(nil), blob...))
	return nil
}

func (m *MemorySink) WritePacket(granule uint64, track, seq uint32, payload []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.packets = append(m.packets, Packet{Granule: granule, Track: track, Seq: seq, Payload: append([]byte(nil), payload...)})
	return nil
}

func (m *MemorySink) WriteUser(info domain.TrackInfo) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.users = append(m.users, info)
	return nil
}

func (m *MemorySink) Headers(track uint32) [][]byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.headers[track]
}

func (m *MemorySink) Packets() []Packet {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Packet(nil), m.packets...)
}

func (m *MemorySink) Users() []domain.TrackInfo {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]domain.TrackInfo(nil), m.users...)
}

// FileSink appends length-prefixed capture records to one file and
// track identities as JSON lines to a sibling .users file.
type FileSink struct {
	mu    sync.Mutex
	data  *bufio.Writer
	users *bufio.Writer
	df    *os.File
	uf    *os.File
}

const (
	recHeader byte = 0
	recPacket byte = 1
)

func NewFileSink(path string) (*FileSink, error) {
	df, err := os.Create(path)
	if err != nil {
		return nil, err
	}
	uf, err := os.Create(path + ".users")
	if err != nil {
		_ = df.Close()
		return nil, err
	}
	return &FileSink{
		data:  bufio.NewWriter(df),
		users: bufio.NewWriter(uf),
		df:    df,
		uf:    uf,
	}, nil
}

func (f *FileSink) writeRecord(kind byte, granule uint64, track, seq uint32, payload []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	var hdr [21]byte
	hdr[0] = kind
	binary.LittleEndian.PutUint64(hdr[1:], granule)
	binary.LittleEndian.PutUint32(hdr[9:], track)
	binary.LittleEndian.PutUint32(hdr[13:], seq)
	binary.LittleEndian.PutUint32(hdr[17:], uint32(len(payload)))
	if _, err := f.data.Write(hdr[:]); err != nil {
		return err
	}
	_, err := f.data.Write(payload)
	return err
}

func (f *FileSink) WriteHeader(track, index uint32, blob []byte) error {
	return f.writeRecord(recHeader, 0, track, index, blob)
}

func (f *FileSink) WritePacket(granule uint64, track, seq uint32, payload []byte) error {
	return f.writeRecord(recPacket, granule, track, seq, payload)
}

func (f *FileSink) WriteUser(info domain.TrackInfo) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	b, err := json.Marshal(info)
	if err != nil {
		return err
	}
	if _, err := f.users.Write(b); err != nil {
		return err
	}
	return f.users.WriteByte('\n')
}

func (f *FileSink) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	_ = f.data.Flush()
	_ = f.users.Flush()
	err1 := f.df.Close()
	err2 := f.uf.Close()
	if err1 != nil {
		return err1
	}
	return err2
}
