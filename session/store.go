package session

import (
	"fmt"
	"hash/fnv"
	"sync"

	"github.com/hupe1980/tailormesh/core"
	"github.com/hupe1980/tailormesh/usage"
)

// DefaultShards is the shard count used when none is configured.
const DefaultShards = 32

type shard struct {
	mu       sync.RWMutex
	sessions map[string]*core.Session
	holders  map[string]*Guard
}

// Options configures a Store.
type Options struct {
	// Shards is the number of lock partitions. Values < 1 use DefaultShards.
	Shards int
}

// Store is a volatile, sharded in-memory session arena. It is safe for
// concurrent use.
type Store struct {
	shards []*shard
}

// NewStore constructs an empty store.
func NewStore(optFns ...func(o *Options)) *Store {
	opts := Options{Shards: DefaultShards}
	for _, fn := range optFns {
		fn(&opts)
	}
	if opts.Shards < 1 {
		opts.Shards = DefaultShards
	}
	s := &Store{shards: make([]*shard, opts.Shards)}
	for i := range s.shards {
		s.shards[i] = &shard{sessions: make(map[string]*core.Session), holders: make(map[string]*Guard)}
	}
	return s
}

func (s *Store) shardFor(id string) *shard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(id))
	return s.shards[h.Sum32()%uint32(len(s.shards))]
}

// GetOrCreate returns the session for id, creating it on first reference.
func (s *Store) GetOrCreate(id string) *core.Session {
	sh := s.shardFor(id)

	sh.mu.RLock()
	sess, ok := sh.sessions[id]
	sh.mu.RUnlock()
	if ok {
		return sess
	}

	sh.mu.Lock()
	defer sh.mu.Unlock()
	if sess, ok := sh.sessions[id]; ok {
		return sess
	}
	sess = core.NewSession(id)
	sh.sessions[id] = sess
	return sess
}

// lookup returns the session without creating it.
func (s *Store) lookup(id string) (*core.Session, bool) {
	sh := s.shardFor(id)
	sh.mu.RLock()
	defer sh.mu.RUnlock()
	sess, ok := sh.sessions[id]
	return sess, ok
}

// TryAcquire takes the single-flight guard for id. It fails with
// core.ErrSessionBusy when another stream holds it.
func (s *Store) TryAcquire(id string) (*Guard, error) {
	sess := s.GetOrCreate(id)
	if !sess.TryAcquire() {
		return nil, fmt.Errorf("session %q: %w", id, core.ErrSessionBusy)
	}
	g := &Guard{store: s, session: sess}

	sh := s.shardFor(id)
	sh.mu.Lock()
	sh.holders[id] = g
	sh.mu.Unlock()
	return g, nil
}

// Release frees the slot held by g. Only the current holder can release;
// a nil, stale or foreign guard is a no-op.
func (s *Store) Release(g *Guard) {
	if g == nil || g.store != s {
		return
	}
	g.once.Do(func() {
		id := g.session.ID
		sh := s.shardFor(id)
		sh.mu.Lock()
		defer sh.mu.Unlock()
		if sh.holders[id] != g {
			return
		}
		delete(sh.holders, id)
		g.session.Release()
	})
}

// Holds reports whether g is the current holder of its session.
func (s *Store) Holds(g *Guard) bool {
	if g == nil || g.store != s {
		return false
	}
	sh := s.shardFor(g.session.ID)
	sh.mu.RLock()
	defer sh.mu.RUnlock()
	return sh.holders[g.session.ID] == g
}

// AppendMessage adds msg to the session history. The caller must hold the
// session's guard.
func (s *Store) AppendMessage(id string, msg core.Message) {
	s.GetOrCreate(id).AppendMessage(msg)
}

// CompleteTurn appends a finished exchange and counts it. The caller must
// hold the session's guard.
func (s *Store) CompleteTurn(id string, msgs ...core.Message) {
	s.GetOrCreate(id).CompleteTurn(msgs...)
}

// MergeUsage folds u into the session total. It synchronizes on the session's
// own lock, not on the guard.
func (s *Store) MergeUsage(id string, u core.Usage, model string) {
	s.GetOrCreate(id).UpdateUsage(model, func(cur core.Usage) core.Usage {
		return usage.Merge(cur, u)
	})
}

// Reset clears the history and usage of id. It fails with core.ErrSessionBusy
// while a stream is active, leaving the session unchanged.
func (s *Store) Reset(id string) error {
	g, err := s.TryAcquire(id)
	if err != nil {
		return err
	}
	defer g.Release()
	g.session.Reset()
	return nil
}

// Stats returns a snapshot of the session's accounting state. Unknown ids
// yield a zero snapshot and are not created.
func (s *Store) Stats(id string) core.SessionStats {
	sess, ok := s.lookup(id)
	if !ok {
		return core.SessionStats{SessionID: id}
	}
	return sess.Stats()
}

// History returns a copy of the session's messages.
func (s *Store) History(id string) []core.Message {
	sess, ok := s.lookup(id)
	if !ok {
		return nil
	}
	return sess.Messages()
}

// Len returns the number of known sessions.
func (s *Store) Len() int {
	n := 0
	for _, sh := range s.shards {
		sh.mu.RLock()
		n += len(sh.sessions)
		sh.mu.RUnlock()
	}
	return n
}
