// Package actor serializes all writes to a conversation behind a single
// goroutine. Every mutation (appends, reactions, membership, status) is
// submitted as an envelope to the conversation's mailbox and handled in
// arrival order, which is what makes sequence numbers gapless and
// monotonic without any cross-conversation coordination.
package actor

import (
	"context"
	"sync"
	"time"

	"talkd/pkg/apperr"
	"talkd/pkg/logger"
	"talkd/pkg/metrics"
)

// Config tunes actor behavior. Zero values fall back to defaults.
type Config struct {
	Mailbox          int
	SubscriberBuffer int
	IdleTTL          time.Duration
	SubmitTimeout    time.Duration
}

const (
	defaultMailbox   = 256
	defaultSubBuffer = 64
	defaultIdleTTL   = 2 * time.Minute
	defaultSubmit    = 5 * time.Second
)

// Registry owns the live actors, one per active conversation. Actors are
// spawned on first use and retired after IdleTTL with no traffic and no
// subscribers; retirement is invisible to callers because submit respawns
// on demand.
type Registry struct {
	mu     sync.RWMutex
	actors map[string]*Actor
	cfg    Config
	stop   chan struct{}
	wg     sync.WaitGroup
	closed bool
}

func NewRegistry(cfg Config) *Registry {
	if cfg.Mailbox <= 0 {
		cfg.Mailbox = defaultMailbox
	}
	if cfg.SubscriberBuffer <= 0 {
		cfg.SubscriberBuffer = defaultSubBuffer
	}
	if cfg.IdleTTL <= 0 {
		cfg.IdleTTL = defaultIdleTTL
	}
	if cfg.SubmitTimeout <= 0 {
		cfg.SubmitTimeout = defaultSubmit
	}
	return &Registry{
		actors: make(map[string]*Actor),
		cfg:    cfg,
		stop:   make(chan struct{}),
	}
}

// Close retires every actor and waits for their loops to drain. Pending
// envelopes are still handled so no caller is left without a reply.
func (r *Registry) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	close(r.stop)
	r.mu.Unlock()
	r.wg.Wait()
}

// actorFor returns the live actor for conv, spawning one if needed.
// Callers hold the read lock for the duration of their mailbox send; the
// reaper takes the write lock before retiring, so an actor can never
// vanish while a send to it is in flight.
func (r *Registry) actorFor(conv string) (*Actor, error) {
	r.mu.RLock()
	if r.closed {
		r.mu.RUnlock()
		return nil, apperr.Transient(nil, "registry is shutting down")
	}
	if a, ok := r.actors[conv]; ok {
		return a, nil // read lock retained; release in submit
	}
	r.mu.RUnlock()

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil, apperr.Transient(nil, "registry is shutting down")
	}
	a, ok := r.actors[conv]
	if !ok {
		a = newActor(conv, r)
		r.actors[conv] = a
		r.wg.Add(1)
		metrics.ActorsLive.Inc()
		go a.run()
		logger.Debug("actor_spawned", "conversation", conv)
	}
	r.mu.Unlock()

	r.mu.RLock()
	if cur, ok := r.actors[conv]; ok {
		return cur, nil
	}
	// Retired between unlock and relock; extremely tight window, retry.
	r.mu.RUnlock()
	return r.actorFor(conv)
}

// submit routes one envelope to the conversation's actor and waits for the
// reply. The context bounds both the mailbox send and the reply wait.
func (r *Registry) submit(ctx context.Context, conv string, env *envelope) (result, error) {
	if r.cfg.SubmitTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.cfg.SubmitTimeout)
		defer cancel()
	}
	a, err := r.actorFor(conv)
	if err != nil {
		return result{}, err
	}
	select {
	case a.mail <- env:
		r.mu.RUnlock()
	case <-ctx.Done():
		r.mu.RUnlock()
		return result{}, apperr.Transient(ctx.Err(), "conversation %s is busy", conv)
	}
	select {
	case res := <-env.reply:
		return res, res.err
	case <-ctx.Done():
		return result{}, apperr.Transient(ctx.Err(), "conversation %s timed out", conv)
	}
}

// tryRetire is called from the actor's own loop when it has been idle past
// the TTL. TryLock keeps the loop responsive: if anyone is mid-submit the
// write lock is contended and retirement just waits for the next tick.
func (r *Registry) tryRetire(a *Actor) bool {
	if !r.mu.TryLock() {
		return false
	}
	defer r.mu.Unlock()
	if r.closed {
		return false
	}
	if len(a.mail) > 0 || a.subscriberCount() > 0 {
		return false
	}
	delete(r.actors, a.conv)
	logger.Debug("actor_retired", "conversation", a.conv)
	return true
}

// remove drops the actor during registry shutdown.
func (r *Registry) remove(a *Actor) {
	r.mu.Lock()
	if cur, ok := r.actors[a.conv]; ok && cur == a {
		delete(r.actors, a.conv)
	}
	r.mu.Unlock()
}

// Live reports how many actors are resident. Used by readiness and tests.
func (r *Registry) Live() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.actors)
}
