package orch

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/dkeye/Verify/internal/core"
	"github.com/dkeye/Verify/internal/domain"
)

// attempt is one join of a session: the media and channel handles it owns
// and the context that scopes its setup phase.
type attempt struct {
	session domain.SessionID
	room    domain.RoomID
	begun   time.Time

	// cancel aborts the setup phase of the join.
	cancel context.CancelFunc
	// setup is closed once the join has either started the session or
	// unwound.
	setup     chan struct{}
	setupOnce sync.Once
	// supervised is closed once the supervisor has handled the end of the
	// channel.
	supervised chan struct{}

	// finishing serializes Finish calls for the attempt.
	finishing sync.Mutex

	mu       sync.Mutex
	media    core.LocalMedia
	conn     core.PeerConnection
	running  bool
	aborted  bool
	released bool
}

func newAttempt(id domain.SessionID, room domain.RoomID, cancel context.CancelFunc) *attempt {
	return &attempt{
		session:    id,
		room:       room,
		begun:      time.Now(),
		cancel:     cancel,
		setup:      make(chan struct{}),
		supervised: make(chan struct{}),
	}
}

func (a *attempt) endSetup() {
	a.setupOnce.Do(func() { close(a.setup) })
}

// holdMedia hands m to the attempt. It reports false once the attempt has
// been released, in which case the caller still owns m.
func (a *attempt) holdMedia(m core.LocalMedia) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.released {
		return false
	}
	a.media = m
	return true
}

func (a *attempt) holdConn(c core.PeerConnection) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.released {
		return false
	}
	a.conn = c
	return true
}

func (a *attempt) markRunning() {
	a.mu.Lock()
	a.running = true
	a.mu.Unlock()
}

func (a *attempt) isRunning() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.running
}

// abort flags the attempt as being finished by someone else and stops its
// setup phase.
func (a *attempt) abort() {
	a.mu.Lock()
	a.aborted = true
	a.mu.Unlock()
	a.cancel()
}

func (a *attempt) isAborted() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.aborted
}

func (a *attempt) Media() core.LocalMedia {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.media
}

func (a *attempt) Conn() core.PeerConnection {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.conn
}

// release closes the channel and then stops local capture. Only the first
// call does anything.
func (a *attempt) release(acq core.MediaAcquirer) bool {
	a.mu.Lock()
	if a.released {
		a.mu.Unlock()
		return false
	}
	a.released = true
	conn, media := a.conn, a.media
	a.mu.Unlock()

	if conn != nil {
		conn.Close()
	}
	if media != nil {
		acq.StopLocalCapture(media)
	}
	a.cancel()
	return true
}

// Registry holds at most one attempt per session.
type Registry struct {
	mu       sync.RWMutex
	attempts map[domain.SessionID]*attempt
}

func NewRegistry() *Registry {
	return &Registry{attempts: make(map[domain.SessionID]*attempt)}
}

// reserve claims the attempt slot for id.
func (r *Registry) reserve(a *attempt) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.attempts[a.session]; ok {
		return domain.ErrAttemptActive
	}
	r.attempts[a.session] = a
	log.Debug().Str("module", "orch.registry").Str("session", string(a.session)).Msg("attempt reserved")
	return nil
}

func (r *Registry) get(id domain.SessionID) (*attempt, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.attempts[id]
	return a, ok
}

// unbind removes a only if it still owns the slot.
func (r *Registry) unbind(a *attempt) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cur, ok := r.attempts[a.session]; ok && cur == a {
		delete(r.attempts, a.session)
		log.Debug().Str("module", "orch.registry").Str("session", string(a.session)).Msg("attempt unbound")
	}
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.attempts)
}
