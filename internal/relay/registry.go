package relay

import (
	"errors"
	"sync"

	"github.com/rs/zerolog/log"
)

var ErrSessionExists = errors.New("session id already registered")

// Registry is the process-wide table of active sessions. It is
// constructed once in main and passed by reference into the gateway and
// the HTTP surface; there is no package-level instance.
type Registry struct {
	mu     sync.RWMutex
	shards map[string]*Shard
}

func NewRegistry() *Registry {
	return &Registry{shards: make(map[string]*Shard)}
}

func (r *Registry) register(s *Shard) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.shards[s.desc.ID]; ok {
		return ErrSessionExists
	}
	r.shards[s.desc.ID] = s
	log.Info().Str("module", "relay.registry").Str("session", s.desc.ID).Msg("session registered")
	return nil
}

func (r *Registry) deregister(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.shards, id)
	log.Info().Str("module", "relay.registry").Str("session", id).Msg("session deregistered")
}

// Get looks a session up by its stable external id.
func (r *Registry) Get(id string) (*Shard, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.shards[id]
	return s, ok
}

// ByToken finds the session a downstream login token belongs to. Tokens
// are short-lived and regenerated per session, so a linear scan over
// the handful of live sessions is fine.
func (r *Registry) ByToken(token string) (*Shard, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, s := range r.shards {
		if s.token == token {
			return s, true
		}
	}
	return nil, false
}

// Counts reports the number of live sessions and the aggregate number
// of downstream links, for the liveness probe.
func (r *Registry) Counts() (sessions, links int) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, s := range r.shards {
		sessions++
		links += s.LinkCount()
	}
	return sessions, links
}
