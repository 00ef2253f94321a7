package api

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"time"

	"riverwatch-gauge-map/pkg/markers"
	"riverwatch-gauge-map/pkg/pipeline"
)

// defaultSessionIdle is how long a session may sit untouched before the
// reaper tears it down. Touch events come from every request that names
// the session, including the SSE heartbeat.
const defaultSessionIdle = 5 * time.Minute

// session bundles one browser map instance: its event sink, reconciler
// and pipeline controller. Construction and teardown are explicit so any
// number of maps can coexist in one process.
type session struct {
	id       string
	sink     *eventSink
	rec      *markers.Reconciler
	ctl      *pipeline.Controller
	done     chan struct{} // closed when the session is torn down
	lastSeen time.Time
}

func (s *session) close() {
	select {
	case <-s.done:
		return
	default:
	}
	s.ctl.Close()
	s.rec.Close()
	close(s.done)
}

// registry owns the session table in a goroutine; handlers talk to it
// through channels only. The reaper closes sessions nobody touched for
// the idle window.
type registry struct {
	factory func(id string) *session
	idle    time.Duration

	createCh chan chan *session
	lookupCh chan lookupReq
	removeCh chan string
	quit     chan struct{}
}

type lookupReq struct {
	id    string
	reply chan *session
}

func newRegistry(factory func(id string) *session, idle time.Duration) *registry {
	if idle <= 0 {
		idle = defaultSessionIdle
	}
	r := &registry{
		factory:  factory,
		idle:     idle,
		createCh: make(chan chan *session),
		lookupCh: make(chan lookupReq),
		removeCh: make(chan string),
		quit:     make(chan struct{}),
	}
	go r.loop()
	return r
}

func (r *registry) close() {
	select {
	case <-r.quit:
		return
	default:
	}
	close(r.quit)
}

// create builds a fresh session and returns it.
func (r *registry) create(ctx context.Context) (*session, error) {
	reply := make(chan *session, 1)
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-r.quit:
		return nil, context.Canceled
	case r.createCh <- reply:
	}
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case s := <-reply:
		return s, nil
	}
}

// lookup returns the session and marks it as recently used. A nil result
// means the id is unknown or already reaped.
func (r *registry) lookup(ctx context.Context, id string) *session {
	req := lookupReq{id: id, reply: make(chan *session, 1)}
	select {
	case <-ctx.Done():
		return nil
	case <-r.quit:
		return nil
	case r.lookupCh <- req:
	}
	select {
	case <-ctx.Done():
		return nil
	case s := <-req.reply:
		return s
	}
}

// remove tears down one session explicitly.
func (r *registry) remove(id string) {
	select {
	case <-r.quit:
	case r.removeCh <- id:
	}
}

func (r *registry) loop() {
	sessions := make(map[string]*session)
	reap := time.NewTicker(time.Minute)
	defer reap.Stop()

	defer func() {
		for _, s := range sessions {
			s.close()
		}
	}()

	for {
		select {
		case <-r.quit:
			return

		case reply := <-r.createCh:
			id := newSessionID()
			s := r.factory(id)
			s.lastSeen = time.Now()
			sessions[id] = s
			reply <- s

		case req := <-r.lookupCh:
			s := sessions[req.id]
			if s != nil {
				s.lastSeen = time.Now()
			}
			req.reply <- s

		case id := <-r.removeCh:
			if s, ok := sessions[id]; ok {
				s.close()
				delete(sessions, id)
			}

		case <-reap.C:
			cutoff := time.Now().Add(-r.idle)
			for id, s := range sessions {
				if s.lastSeen.Before(cutoff) {
					s.close()
					delete(sessions, id)
				}
			}
		}
	}
}

// newSessionID draws 16 random hex characters. Collisions are not a
// practical concern at this length, and the registry would just shadow
// the older session if one ever occurred.
func newSessionID() string {
	var b [8]byte
	if _, err := rand.Read(b[:]); err != nil {
		return hex.EncodeToString([]byte(time.Now().Format("150405.000")))[:16]
	}
	return hex.EncodeToString(b[:])
}
