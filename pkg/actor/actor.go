package actor

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"talkd/pkg/apperr"
	"talkd/pkg/logger"
	"talkd/pkg/metrics"
	"talkd/pkg/models"
	"talkd/pkg/reactions"
	"talkd/pkg/store"
	"talkd/pkg/utils"
)

type opKind int

const (
	opAppend opKind = iota
	opReact
	opAddParticipant
	opRevoke
	opStatus
	opCursor
	opSubscribe
)

// AppendRequest is a validated append. Validation happens at the API
// boundary; the actor only enforces ordering, membership, and idempotency.
type AppendRequest struct {
	Role     models.Role
	Author   string
	Content  string
	Metadata map[string]any
	ReplyTo  string
	ClientID string
}

type AppendResult struct {
	MessageID string `json:"message_id"`
	Seq       uint64 `json:"seq"`
	TS        int64  `json:"server_ts"`
}

// ReactionRequest toggles one (message, user, emoji) row.
type ReactionRequest struct {
	MessageID string
	UserID    string
	Emoji     string
	Remove    bool
}

type envelope struct {
	op      opKind
	append  *AppendRequest
	react   *ReactionRequest
	userID  string
	status  models.ConversationStatus
	seq     uint64
	subBy   string
	reply   chan result
}

type result struct {
	appendRes AppendResult
	tally     models.ReactionSummary
	conv      models.Conversation
	part      models.Participant
	sub       *Subscriber
	err       error
}

// Subscriber receives the conversation's event stream. C is buffered;
// the actor never blocks on a slow consumer, it drops and counts.
type Subscriber struct {
	ID                uint64
	UserID            string
	C                 chan models.Event
	LatestSeq         uint64
	MembershipVersion uint64
	actor             *Actor
}

// Close detaches the subscriber from its conversation.
func (s *Subscriber) Close() {
	if s.actor != nil {
		s.actor.dropSubscriber(s.ID)
	}
}

// Actor is the single writer for one conversation.
type Actor struct {
	conv string
	reg  *Registry
	mail chan *envelope

	subMu   sync.Mutex
	subs    map[uint64]*Subscriber
	nextSub uint64

	lastActive atomic.Int64

	meta   models.Conversation
	loaded bool
}

func newActor(conv string, reg *Registry) *Actor {
	a := &Actor{
		conv: conv,
		reg:  reg,
		mail: make(chan *envelope, reg.cfg.Mailbox),
		subs: make(map[uint64]*Subscriber),
	}
	a.touch()
	return a
}

func (a *Actor) touch() { a.lastActive.Store(time.Now().UnixNano()) }

func (a *Actor) idleFor() time.Duration {
	return time.Duration(time.Now().UnixNano() - a.lastActive.Load())
}

func (a *Actor) run() {
	defer a.reg.wg.Done()
	defer metrics.ActorsLive.Dec()
	tick := time.NewTicker(a.reg.cfg.IdleTTL / 2)
	defer tick.Stop()
	for {
		select {
		case env := <-a.mail:
			a.handle(env)
			a.touch()
		case <-tick.C:
			if a.idleFor() >= a.reg.cfg.IdleTTL && a.reg.tryRetire(a) {
				return
			}
		case <-a.reg.stop:
			a.drain()
			a.reg.remove(a)
			return
		}
	}
}

// drain answers everything still queued (and anything parked on the
// mailbox) before the loop exits, so shutdown never orphans a caller.
func (a *Actor) drain() {
	for {
		select {
		case env := <-a.mail:
			a.handle(env)
		case <-time.After(50 * time.Millisecond):
			return
		}
	}
}

func (a *Actor) handle(env *envelope) {
	var res result
	switch env.op {
	case opAppend:
		res.appendRes, res.err = a.handleAppend(env.append)
	case opReact:
		res.tally, res.err = a.handleReact(env.react)
	case opAddParticipant:
		res.conv, res.err = a.handleAddParticipant(env.userID)
	case opRevoke:
		res.conv, res.err = a.handleRevoke(env.userID)
	case opStatus:
		res.conv, res.err = a.handleStatus(env.status)
	case opCursor:
		res.part, res.err = a.handleCursor(env.userID, env.seq)
	case opSubscribe:
		res.sub, res.err = a.handleSubscribe(env.subBy)
	}
	env.reply <- res
}

// loadMeta reads the conversation row once and keeps it cached. The actor
// is the only writer, so the cache cannot go stale while it is live.
// Retention updates live outside the meta row for the same reason.
func (a *Actor) loadMeta() (models.Conversation, error) {
	if a.loaded {
		return a.meta, nil
	}
	c, err := store.GetConversation(a.conv)
	if err != nil {
		return models.Conversation{}, err
	}
	a.meta = c
	a.loaded = true
	return c, nil
}

func (a *Actor) requireMember(userID string) error {
	if _, err := store.GetParticipant(a.conv, userID); err != nil {
		if apperr.IsKind(err, apperr.KindNotFound) {
			return apperr.Forbidden("user %s is not a participant of %s", userID, a.conv)
		}
		return err
	}
	return nil
}

func (a *Actor) handleAppend(req *AppendRequest) (AppendResult, error) {
	meta, err := a.loadMeta()
	if err != nil {
		return AppendResult{}, err
	}
	// Idempotency wins over everything else: a retry of an append that
	// already persisted replays the original assignment even if the
	// conversation has since closed.
	if rec, ok, err := store.LookupClient(a.conv, req.ClientID); err != nil {
		return AppendResult{}, err
	} else if ok {
		metrics.IdempotentHits.Inc()
		return AppendResult{MessageID: rec.MessageID, Seq: rec.Seq, TS: rec.TS}, nil
	}
	if meta.Status == models.StatusClosed {
		return AppendResult{}, apperr.Conflict("conversation %s is closed", a.conv)
	}
	if req.Role == models.RoleUser {
		if err := a.requireMember(req.Author); err != nil {
			return AppendResult{}, err
		}
	}
	if req.ReplyTo != "" {
		if _, err := store.GetMessage(a.conv, req.ReplyTo); err != nil {
			if apperr.IsKind(err, apperr.KindNotFound) {
				return AppendResult{}, apperr.Validation("reply_to %s does not exist in conversation %s", req.ReplyTo, a.conv)
			}
			return AppendResult{}, err
		}
	}

	now := time.Now().UnixMilli()
	m := models.Message{
		ID:           utils.GenID(),
		Conversation: a.conv,
		Seq:          meta.LatestSeq + 1,
		Role:         req.Role,
		Author:       req.Author,
		Content:      req.Content,
		Metadata:     req.Metadata,
		ReplyTo:      req.ReplyTo,
		ClientID:     req.ClientID,
		TS:           now,
	}
	next := meta
	next.LatestSeq = m.Seq
	next.Sequenced = true
	next.LastMessageTS = now
	next.UpdatedTS = now
	if err := store.ApplyAppend(next, m); err != nil {
		// Nothing advanced: the failed write consumed no sequence number.
		metrics.AppendFailures.Inc()
		logger.Error("append_failed", "conversation", a.conv, "seq", m.Seq, "error", err)
		return AppendResult{}, err
	}
	a.meta = next
	metrics.MessagesAppended.WithLabelValues(string(m.Role)).Inc()
	a.fanout(models.Event{
		Type:              models.EventMessageNew,
		Conversation:      a.conv,
		MembershipVersion: next.MembershipVersion,
		Message:           &m,
	})
	return AppendResult{MessageID: m.ID, Seq: m.Seq, TS: now}, nil
}

func (a *Actor) handleReact(req *ReactionRequest) (models.ReactionSummary, error) {
	meta, err := a.loadMeta()
	if err != nil {
		return models.ReactionSummary{}, err
	}
	if err := a.requireMember(req.UserID); err != nil {
		return models.ReactionSummary{}, err
	}
	msg, err := store.GetMessage(a.conv, req.MessageID)
	if err != nil {
		return models.ReactionSummary{}, err
	}

	var changed bool
	if req.Remove {
		changed, err = store.DeleteReaction(a.conv, req.MessageID, req.UserID, req.Emoji)
	} else {
		changed, err = store.SetReaction(models.Reaction{
			Conversation: a.conv,
			MessageID:    req.MessageID,
			UserID:       req.UserID,
			Emoji:        req.Emoji,
			TS:           time.Now().UnixMilli(),
		})
	}
	if err != nil {
		return models.ReactionSummary{}, err
	}

	rows, err := store.ListReactions(a.conv, req.MessageID)
	if err != nil {
		return models.ReactionSummary{}, err
	}
	tally := reactions.Tally(rows, req.Emoji, req.UserID)
	if changed {
		action := "add"
		if req.Remove {
			action = "remove"
		}
		metrics.ReactionsChanged.WithLabelValues(action).Inc()
		a.fanout(models.Event{
			Type:              models.EventReaction,
			Conversation:      a.conv,
			MembershipVersion: meta.MembershipVersion,
			Reaction: &models.ReactionDelta{
				MessageID: req.MessageID,
				Seq:       msg.Seq,
				Emoji:     req.Emoji,
				UserID:    req.UserID,
				Action:    action,
				Count:     tally.Count,
			},
		})
	}
	return tally, nil
}

func (a *Actor) handleAddParticipant(userID string) (models.Conversation, error) {
	meta, err := a.loadMeta()
	if err != nil {
		return models.Conversation{}, err
	}
	if meta.Status == models.StatusClosed {
		return models.Conversation{}, apperr.Conflict("conversation %s is closed", a.conv)
	}
	if _, err := store.GetParticipant(a.conv, userID); err == nil {
		return models.Conversation{}, apperr.Conflict("user %s is already a participant of %s", userID, a.conv)
	} else if !apperr.IsKind(err, apperr.KindNotFound) {
		return models.Conversation{}, err
	}

	now := time.Now().UnixMilli()
	next := meta
	next.MembershipVersion++
	next.UpdatedTS = now
	p := models.Participant{
		Conversation: a.conv,
		UserID:       userID,
		JoinedTS:     now,
	}
	if err := store.ApplyMembership(next, &p, ""); err != nil {
		return models.Conversation{}, err
	}
	a.meta = next
	logger.Info("participant_added", "conversation", a.conv, "user", userID, "membership_version", next.MembershipVersion)
	return next, nil
}

func (a *Actor) handleRevoke(userID string) (models.Conversation, error) {
	meta, err := a.loadMeta()
	if err != nil {
		return models.Conversation{}, err
	}
	if _, err := store.GetParticipant(a.conv, userID); err != nil {
		if apperr.IsKind(err, apperr.KindNotFound) {
			return meta, apperr.Conflict("user %s is not a participant of %s", userID, a.conv)
		}
		return models.Conversation{}, err
	}

	next := meta
	next.MembershipVersion++
	next.UpdatedTS = time.Now().UnixMilli()
	if err := store.ApplyMembership(next, nil, userID); err != nil {
		return models.Conversation{}, err
	}
	a.meta = next
	logger.Info("participant_revoked", "conversation", a.conv, "user", userID, "membership_version", next.MembershipVersion)
	a.fanoutRevoke(models.Event{
		Type:              models.EventMembership,
		Conversation:      a.conv,
		MembershipVersion: next.MembershipVersion,
		RemovedUser:       userID,
	})
	return next, nil
}

func (a *Actor) handleStatus(status models.ConversationStatus) (models.Conversation, error) {
	meta, err := a.loadMeta()
	if err != nil {
		return models.Conversation{}, err
	}
	if meta.Status == status {
		return meta, nil
	}
	now := time.Now().UnixMilli()
	next := meta
	next.Status = status
	next.UpdatedTS = now
	if status == models.StatusClosed {
		next.ClosedTS = now
	} else if meta.Status == models.StatusClosed {
		next.ClosedTS = 0
	}
	if err := store.SaveConversation(next); err != nil {
		return models.Conversation{}, err
	}
	a.meta = next
	logger.Info("conversation_status", "conversation", a.conv, "status", string(status))
	return next, nil
}

// handleCursor advances a participant's read cursor. Regressions are
// ignored so late or reordered client updates cannot move unread counts
// backwards.
func (a *Actor) handleCursor(userID string, seq uint64) (models.Participant, error) {
	meta, err := a.loadMeta()
	if err != nil {
		return models.Participant{}, err
	}
	p, err := store.GetParticipant(a.conv, userID)
	if err != nil {
		if apperr.IsKind(err, apperr.KindNotFound) {
			return models.Participant{}, apperr.Forbidden("user %s is not a participant of %s", userID, a.conv)
		}
		return models.Participant{}, err
	}
	if seq > meta.LatestSeq {
		return models.Participant{}, apperr.Validation("read cursor %d is beyond latest seq %d", seq, meta.LatestSeq)
	}
	if seq <= p.LastReadSeq {
		return p, nil
	}
	p.LastReadSeq = seq
	if err := store.SaveParticipant(p); err != nil {
		return models.Participant{}, err
	}
	return p, nil
}

func (a *Actor) handleSubscribe(userID string) (*Subscriber, error) {
	meta, err := a.loadMeta()
	if err != nil {
		return nil, err
	}
	if err := a.requireMember(userID); err != nil {
		return nil, err
	}
	a.subMu.Lock()
	a.nextSub++
	sub := &Subscriber{
		ID:                a.nextSub,
		UserID:            userID,
		C:                 make(chan models.Event, a.reg.cfg.SubscriberBuffer),
		LatestSeq:         meta.LatestSeq,
		MembershipVersion: meta.MembershipVersion,
		actor:             a,
	}
	a.subs[sub.ID] = sub
	a.subMu.Unlock()
	return sub, nil
}

func (a *Actor) dropSubscriber(id uint64) {
	a.subMu.Lock()
	delete(a.subs, id)
	a.subMu.Unlock()
}

func (a *Actor) subscriberCount() int {
	a.subMu.Lock()
	defer a.subMu.Unlock()
	return len(a.subs)
}

// fanout is best effort: a full subscriber buffer drops the event rather
// than stalling the write path. Dropped subscribers recover via catch-up.
func (a *Actor) fanout(ev models.Event) {
	a.subMu.Lock()
	for _, sub := range a.subs {
		select {
		case sub.C <- ev:
			metrics.FanoutDelivered.Inc()
		default:
			metrics.FanoutDropped.Inc()
		}
	}
	a.subMu.Unlock()
}

// fanoutRevoke delivers a revocation event and then detaches every
// subscriber belonging to the removed user, closing their channels. The
// close is what guarantees the transport tears the connection down: the
// event itself is still best effort and may be dropped on a full buffer.
func (a *Actor) fanoutRevoke(ev models.Event) {
	a.subMu.Lock()
	for id, sub := range a.subs {
		select {
		case sub.C <- ev:
			metrics.FanoutDelivered.Inc()
		default:
			metrics.FanoutDropped.Inc()
		}
		if sub.UserID == ev.RemovedUser {
			close(sub.C)
			delete(a.subs, id)
		}
	}
	a.subMu.Unlock()
}

// --- public ops ---

// Append serializes one message append through the conversation's actor.
func (r *Registry) Append(ctx context.Context, conv string, req AppendRequest) (AppendResult, error) {
	res, err := r.submit(ctx, conv, &envelope{op: opAppend, append: &req, reply: make(chan result, 1)})
	return res.appendRes, err
}

// React adds or removes one reaction row and returns the fresh tally.
func (r *Registry) React(ctx context.Context, conv string, req ReactionRequest) (models.ReactionSummary, error) {
	res, err := r.submit(ctx, conv, &envelope{op: opReact, react: &req, reply: make(chan result, 1)})
	return res.tally, err
}

// AddParticipant admits a user and bumps the membership version.
func (r *Registry) AddParticipant(ctx context.Context, conv, userID string) (models.Conversation, error) {
	res, err := r.submit(ctx, conv, &envelope{op: opAddParticipant, userID: userID, reply: make(chan result, 1)})
	return res.conv, err
}

// RevokeParticipant removes a user, bumps the membership version, and
// pushes a revocation event to every subscriber.
func (r *Registry) RevokeParticipant(ctx context.Context, conv, userID string) (models.Conversation, error) {
	res, err := r.submit(ctx, conv, &envelope{op: opRevoke, userID: userID, reply: make(chan result, 1)})
	return res.conv, err
}

// SetStatus transitions the conversation lifecycle state.
func (r *Registry) SetStatus(ctx context.Context, conv string, status models.ConversationStatus) (models.Conversation, error) {
	res, err := r.submit(ctx, conv, &envelope{op: opStatus, status: status, reply: make(chan result, 1)})
	return res.conv, err
}

// SetReadCursor advances a participant's read cursor through the actor so
// cursor writes never race membership mutations.
func (r *Registry) SetReadCursor(ctx context.Context, conv, userID string, seq uint64) (models.Participant, error) {
	res, err := r.submit(ctx, conv, &envelope{op: opCursor, userID: userID, seq: seq, reply: make(chan result, 1)})
	return res.part, err
}

// Subscribe attaches a participant to the live event stream. The returned
// subscriber carries the latest seq and membership version observed at the
// moment of registration, so the caller can catch up without a gap.
func (r *Registry) Subscribe(ctx context.Context, conv, userID string) (*Subscriber, error) {
	res, err := r.submit(ctx, conv, &envelope{op: opSubscribe, subBy: userID, reply: make(chan result, 1)})
	return res.sub, err
}
