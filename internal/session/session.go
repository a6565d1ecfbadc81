// Package session keeps per-session conversation history.
//
// Every session carries an epoch. Clearing a session bumps it, and an append
// made under an older epoch is dropped so that answers to questions asked
// before the clear never reach the new history.
package session

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/askdb/askdb/internal/query"
)

var (
	ErrStaleEpoch = errors.New("session was cleared")
	ErrInvalidID  = errors.New("session id is required")
)

type Snapshot struct {
	Turns []query.Turn
	Epoch int64
}

type Store interface {
	Load(ctx context.Context, id string) (Snapshot, error)
	// Append records turn only while the session is still at epoch. It
	// returns ErrStaleEpoch otherwise.
	Append(ctx context.Context, id string, epoch int64, turn query.Turn) error
	// Clear drops the history and returns the new epoch.
	Clear(ctx context.Context, id string) (int64, error)
	Ping(ctx context.Context) error
}

type Options struct {
	MaxTurns int
	TTL      time.Duration
	Now      func() time.Time
}

func (o Options) withDefaults() Options {
	if o.MaxTurns <= 0 {
		o.MaxTurns = 20
	}
	if o.TTL <= 0 {
		o.TTL = 24 * time.Hour
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	return o
}

// ScopedID prefixes id with the tenant so sessions never cross tenants.
func ScopedID(tenant, id string) string {
	tenant = strings.TrimSpace(tenant)
	id = strings.TrimSpace(id)
	if tenant == "" {
		return id
	}
	return tenant + "/" + id
}

func validID(id string) error {
	if strings.TrimSpace(id) == "" {
		return ErrInvalidID
	}
	return nil
}

type memorySession struct {
	turns   []query.Turn
	epoch   int64
	touched time.Time
}

// MemoryStore is a process-local Store. A session idle for longer than the
// TTL is forgotten entirely, epoch included, matching the Redis key expiry.
type MemoryStore struct {
	opts Options

	mu        sync.Mutex
	sessions  map[string]*memorySession
	lastSweep time.Time
}

func NewMemoryStore(opts Options) *MemoryStore {
	return &MemoryStore{opts: opts.withDefaults(), sessions: make(map[string]*memorySession)}
}

func (s *MemoryStore) Load(_ context.Context, id string) (Snapshot, error) {
	if err := validID(id); err != nil {
		return Snapshot{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	sess := s.lookup(id)
	if sess == nil {
		return Snapshot{Turns: []query.Turn{}}, nil
	}
	return Snapshot{Turns: append([]query.Turn{}, sess.turns...), Epoch: sess.epoch}, nil
}

func (s *MemoryStore) Append(_ context.Context, id string, epoch int64, turn query.Turn) error {
	if err := validID(id); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sweep()
	sess := s.lookup(id)
	if sess == nil {
		if epoch != 0 {
			return ErrStaleEpoch
		}
		sess = &memorySession{}
		s.sessions[id] = sess
	}
	if sess.epoch != epoch {
		return ErrStaleEpoch
	}
	sess.turns = append(sess.turns, turn)
	if over := len(sess.turns) - s.opts.MaxTurns; over > 0 {
		sess.turns = append([]query.Turn(nil), sess.turns[over:]...)
	}
	sess.touched = s.opts.Now()
	return nil
}

func (s *MemoryStore) Clear(_ context.Context, id string) (int64, error) {
	if err := validID(id); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sweep()
	sess := s.lookup(id)
	if sess == nil {
		sess = &memorySession{}
		s.sessions[id] = sess
	}
	sess.turns = nil
	sess.epoch++
	sess.touched = s.opts.Now()
	return sess.epoch, nil
}

func (s *MemoryStore) Ping(context.Context) error {
	return nil
}

// Len reports how many sessions are held, expired ones included until the
// next sweep.
func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

func (s *MemoryStore) expired(sess *memorySession, now time.Time) bool {
	return now.Sub(sess.touched) > s.opts.TTL
}

// lookup returns the live session for id, dropping it once expired.
func (s *MemoryStore) lookup(id string) *memorySession {
	sess, ok := s.sessions[id]
	if !ok {
		return nil
	}
	if s.expired(sess, s.opts.Now()) {
		delete(s.sessions, id)
		return nil
	}
	return sess
}

// sweep drops every expired session, at most once per TTL.
func (s *MemoryStore) sweep() {
	now := s.opts.Now()
	if now.Sub(s.lastSweep) < s.opts.TTL {
		return
	}
	s.lastSweep = now
	for id, sess := range s.sessions {
		if s.expired(sess, now) {
			delete(s.sessions, id)
		}
	}
}
