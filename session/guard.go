package session

import (
	"sync"

	"github.com/hupe1980/tailormesh/core"
)

// Guard is the proof of holding a session's single-flight slot. Release is
// safe to call any number of times; only the first call has an effect.
type Guard struct {
	store   *Store
	session *core.Session
	once    sync.Once
}

// SessionID returns the id of the guarded session.
func (g *Guard) SessionID() string { return g.session.ID }

// Session returns the guarded session.
func (g *Guard) Session() *core.Session { return g.session }

// Release frees the session for the next stream.
func (g *Guard) Release() {
	if g == nil {
		return
	}
	g.store.Release(g)
}
