package session

import (
	"context"
	"encoding/json"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/davel-ai/gateway/pkg/config"
	"github.com/davel-ai/gateway/pkg/coordination"
	"github.com/davel-ai/gateway/pkg/logger"
)

// Store manages sessions. It holds no session state of its own; every
// call goes to the coordination store, so any process can serve any session.
type Store struct {
	store         *coordination.Store
	ttl           time.Duration
	sweepEvery    time.Duration
	maxPerAddress int
	extend        bool
	keyPrefix     string
	indexPrefix   string
	now           func() time.Time
	logger        *slog.Logger
}

// Option configures a Store.
type Option func(*Store)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

func WithLogger(l *slog.Logger) Option {
	return func(s *Store) { s.logger = l }
}

// NewStore creates a session store. Zero fields of cfg take their defaults.
func NewStore(store *coordination.Store, cfg config.SessionsConfig, opts ...Option) *Store {
	cfg.SetDefaults()
	s := &Store{
		store:         store,
		ttl:           cfg.TTL,
		sweepEvery:    cfg.CleanupInterval,
		maxPerAddress: cfg.MaxPerAddress,
		extend:        config.BoolValue(cfg.ExtendOnActivity, true),
		keyPrefix:     cfg.KeyPrefix,
		indexPrefix:   cfg.IndexPrefix,
		now:           time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = logger.GetLogger()
	}
	s.logger = s.logger.With("component", "session")
	return s
}

// TTL returns the idle lifetime of a session.
func (s *Store) TTL() time.Duration { return s.ttl }

func (s *Store) key(id string) string           { return s.keyPrefix + id }
func (s *Store) indexKey(address string) string { return s.indexPrefix + address }

// load reads a session without checking expiry.
func (s *Store) load(ctx context.Context, id string) (*Session, bool) {
	raw, ok := s.store.Get(ctx, s.key(id))
	if !ok {
		return nil, false
	}
	var sess Session
	if err := json.Unmarshal([]byte(raw), &sess); err != nil {
		s.logger.Warn("dropping unreadable session record", "session_id", id, "error", err)
		s.store.Delete(ctx, s.key(id))
		return nil, false
	}
	return &sess, true
}

func (s *Store) save(ctx context.Context, sess *Session, ttl time.Duration) bool {
	data, err := json.Marshal(sess)
	if err != nil {
		return false
	}
	return s.store.Set(ctx, s.key(sess.ID), string(data), ttl)
}

// remove deletes the record and its index membership.
func (s *Store) remove(ctx context.Context, sess *Session) {
	s.store.Delete(ctx, s.key(sess.ID))
	if sess.ClientAddress != "" {
		s.store.SetRemove(ctx, s.indexKey(sess.ClientAddress), sess.ID)
	}
}

// Create starts a session owned by address. When the store is unavailable
// the session is returned without being persisted.
func (s *Store) Create(ctx context.Context, id, address, agent string) (*Session, error) {
	if id == "" {
		return nil, ErrEmptyID
	}
	if n := len(s.liveMembers(ctx, address)); n >= s.maxPerAddress {
		s.logger.Debug("session cap reached", "address", address, "sessions", n)
		return nil, ErrTooManySessions
	}

	now := s.now()
	sess := &Session{
		ID:            id,
		CreatedAt:     now,
		LastActivity:  now,
		ClientAddress: address,
		ClientAgent:   agent,
		Active:        true,
	}
	if s.save(ctx, sess, s.ttl) {
		s.index(ctx, sess, s.ttl)
	}
	s.logger.Debug("session created", "session_id", id, "address", address)
	return sess, nil
}

// liveMembers returns the valid sessions indexed under address, pruning
// the stale ones.
func (s *Store) liveMembers(ctx context.Context, address string) []*Session {
	idx := s.indexKey(address)
	now := s.now()
	var live []*Session
	var stale []string
	for _, id := range s.store.SetMembers(ctx, idx) {
		sess, ok := s.load(ctx, id)
		switch {
		case !ok:
			stale = append(stale, id)
		case sess.expired(now, s.ttl):
			s.store.Delete(ctx, s.key(id))
			stale = append(stale, id)
		case sess.ClientAddress != address:
			// Recreated under another address.
			stale = append(stale, id)
		default:
			live = append(live, sess)
		}
	}
	if len(stale) > 0 {
		s.store.SetRemove(ctx, idx, stale...)
	}
	return live
}

// Get returns the session if it exists and has not expired. Expired
// sessions are deleted.
func (s *Store) Get(ctx context.Context, id string) (*Session, bool) {
	if id == "" {
		return nil, false
	}
	sess, ok := s.load(ctx, id)
	if !ok {
		return nil, false
	}
	if sess.expired(s.now(), s.ttl) {
		s.remove(ctx, sess)
		s.logger.Debug("session expired", "session_id", id)
		return nil, false
	}
	return sess, true
}

// Update applies patch and refreshes the last activity time.
func (s *Store) Update(ctx context.Context, id string, patch Patch) (*Session, error) {
	sess, ok := s.Get(ctx, id)
	if !ok {
		return nil, ErrSessionNotFound
	}
	patch.apply(sess)
	sess.LastActivity = s.now()

	ttl := s.ttl
	if !s.extend {
		remaining, ok := s.store.TTL(ctx, s.key(id))
		switch {
		case ok && remaining == coordination.NoExpiry:
			ttl = 0
		case ok && remaining > 0:
			ttl = remaining
		}
	}
	if s.save(ctx, sess, ttl) {
		s.index(ctx, sess, ttl)
	}
	return sess, nil
}

// index adds sess to its address index and keeps the index alive for at
// least ttl, so it never expires before one of its members.
func (s *Store) index(ctx context.Context, sess *Session, ttl time.Duration) {
	if sess.ClientAddress == "" {
		return
	}
	idx := s.indexKey(sess.ClientAddress)
	s.store.SetAdd(ctx, idx, sess.ID)
	if ttl <= 0 {
		return
	}
	if remaining, ok := s.store.TTL(ctx, idx); ok && remaining >= ttl {
		return
	}
	s.store.Expire(ctx, idx, ttl)
}

// Check returns the session when it exists, is active and, if address is
// non-empty, belongs to address.
func (s *Store) Check(ctx context.Context, id, address string) (*Session, error) {
	sess, ok := s.Get(ctx, id)
	if !ok {
		return nil, ErrSessionNotFound
	}
	if !sess.Active || (address != "" && sess.ClientAddress != address) {
		return nil, ErrSessionInvalid
	}
	return sess, nil
}

// Validate reports whether Check would succeed.
func (s *Store) Validate(ctx context.Context, id, address string) bool {
	_, err := s.Check(ctx, id, address)
	return err == nil
}

// Delete removes the session and reports whether it existed.
func (s *Store) Delete(ctx context.Context, id string) bool {
	sess, ok := s.load(ctx, id)
	if !ok {
		return false
	}
	s.remove(ctx, sess)
	s.logger.Debug("session deleted", "session_id", id)
	return true
}

// ListByAddress returns the live sessions owned by address, oldest first.
func (s *Store) ListByAddress(ctx context.Context, address string) []*Session {
	live := s.liveMembers(ctx, address)
	sort.Slice(live, func(i, j int) bool { return live[i].CreatedAt.Before(live[j].CreatedAt) })
	return live
}

// sessionKeys lists the record keys, leaving out index keys when the
// prefixes overlap.
func (s *Store) sessionKeys(ctx context.Context) []string {
	var keys []string
	for _, k := range s.store.KeysMatching(ctx, s.keyPrefix+"*") {
		if !strings.HasPrefix(k, s.indexPrefix) {
			keys = append(keys, k)
		}
	}
	return keys
}

// Sweep deletes expired sessions and prunes address indexes. It returns
// the number of sessions removed.
func (s *Store) Sweep(ctx context.Context) int {
	now := s.now()
	removed := 0
	for _, k := range s.sessionKeys(ctx) {
		if ctx.Err() != nil {
			return removed
		}
		sess, ok := s.load(ctx, strings.TrimPrefix(k, s.keyPrefix))
		if !ok || !sess.expired(now, s.ttl) {
			continue
		}
		s.remove(ctx, sess)
		removed++
	}

	for _, idx := range s.store.KeysMatching(ctx, s.indexPrefix+"*") {
		if ctx.Err() != nil {
			return removed
		}
		if len(s.liveMembers(ctx, strings.TrimPrefix(idx, s.indexPrefix))) == 0 {
			s.store.Delete(ctx, idx)
		}
	}

	if removed > 0 {
		s.logger.Info("swept expired sessions", "removed", removed)
	}
	return removed
}

// Start sweeps on every cleanup interval until ctx is cancelled.
func (s *Store) Start(ctx context.Context) error {
	ticker := time.NewTicker(s.sweepEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			s.Sweep(ctx)
		}
	}
}

// Stats counts session records and address indexes.
func (s *Store) Stats(ctx context.Context) Stats {
	return Stats{
		ActiveSessions:   len(s.sessionKeys(ctx)),
		TrackedAddresses: len(s.store.KeysMatching(ctx, s.indexPrefix+"*")),
	}
}
