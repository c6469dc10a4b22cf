// Package store is the durable conversation store. All writes that affect a
// conversation's latest_seq or membership_version must arrive through that
// conversation's actor; the read paths here are safe for any caller.
package store

import (
	"bytes"
	"encoding/json"
	"errors"
	"strconv"

	"github.com/cockroachdb/pebble"

	"talkd/pkg/apperr"
	"talkd/pkg/logger"
	"talkd/pkg/models"
)

var (
	db     *pebble.DB
	dbPath string
)

// Open opens (or creates) a pebble database at the given path and keeps a
// package-level handle.
func Open(path string) error {
	var err error
	logger.Info("opening_store", "path", path)
	db, err = pebble.Open(path, &pebble.Options{})
	if err != nil {
		logger.Error("store_open_failed", "path", path, "error", err)
		return err
	}
	dbPath = path
	return nil
}

// Close closes the opened database if present.
func Close() error {
	if db == nil {
		return nil
	}
	if err := db.Close(); err != nil {
		return err
	}
	db = nil
	logger.Info("store_closed")
	return nil
}

// Ready reports whether the store is opened and ready.
func Ready() bool {
	return db != nil
}

func notOpened() error {
	return apperr.Transient(errors.New("store not opened"), "store unavailable")
}

func get(key []byte, v any) error {
	if db == nil {
		return notOpened()
	}
	raw, closer, err := db.Get(key)
	if err != nil {
		if errors.Is(err, pebble.ErrNotFound) {
			return apperr.NotFound("key not found")
		}
		return apperr.Transient(err, "store read failed")
	}
	defer closer.Close()
	if err := json.Unmarshal(raw, v); err != nil {
		return apperr.Transient(err, "corrupt row")
	}
	return nil
}

func set(key []byte, v any) error {
	if db == nil {
		return notOpened()
	}
	b, err := json.Marshal(v)
	if err != nil {
		return apperr.Transient(err, "marshal failed")
	}
	if err := db.Set(key, b, pebble.Sync); err != nil {
		return apperr.Transient(err, "store write failed")
	}
	return nil
}

// --- conversations ---

// SaveConversation writes the conversation meta row and its tenant index
// entry. Callers other than the owning actor must not mutate latest_seq or
// membership_version through this path.
func SaveConversation(c models.Conversation) error {
	if db == nil {
		return notOpened()
	}
	b, err := json.Marshal(c)
	if err != nil {
		return apperr.Transient(err, "marshal conversation")
	}
	wb := new(pebble.Batch)
	_ = wb.Set(convMetaKey(c.ID), b, nil)
	if c.TenantID != "" {
		_ = wb.Set(tenantKey(c.TenantID, c.ID), []byte(c.ID), nil)
	}
	if err := db.Apply(wb, pebble.Sync); err != nil {
		logger.Error("save_conversation_failed", "conversation", c.ID, "error", err)
		return apperr.Transient(err, "store write failed")
	}
	return nil
}

// CreateConversation atomically writes a new conversation meta row, its
// tenant index entry and the initial participant set. Conflicts if the
// conversation already exists.
func CreateConversation(c models.Conversation, parts []models.Participant) error {
	if db == nil {
		return notOpened()
	}
	if _, err := GetConversation(c.ID); err == nil {
		return apperr.Conflict("conversation %s already exists", c.ID)
	} else if !apperr.IsKind(err, apperr.KindNotFound) {
		return err
	}
	cb, err := json.Marshal(c)
	if err != nil {
		return apperr.Transient(err, "marshal conversation")
	}
	wb := new(pebble.Batch)
	_ = wb.Set(convMetaKey(c.ID), cb, nil)
	if c.TenantID != "" {
		_ = wb.Set(tenantKey(c.TenantID, c.ID), []byte(c.ID), nil)
	}
	for _, p := range parts {
		pb, err := json.Marshal(p)
		if err != nil {
			return apperr.Transient(err, "marshal participant")
		}
		_ = wb.Set(memberKey(c.ID, p.UserID), pb, nil)
	}
	if err := db.Apply(wb, pebble.Sync); err != nil {
		logger.Error("create_conversation_failed", "conversation", c.ID, "error", err)
		return apperr.Transient(err, "store write failed")
	}
	return nil
}

// GetConversation returns the conversation meta row.
func GetConversation(id string) (models.Conversation, error) {
	var c models.Conversation
	if err := get(convMetaKey(id), &c); err != nil {
		if apperr.IsKind(err, apperr.KindNotFound) {
			return c, apperr.NotFound("conversation %s not found", id)
		}
		return c, err
	}
	return c, nil
}

// ListTenantConversations returns all conversations indexed under a tenant.
func ListTenantConversations(tenantID string) ([]models.Conversation, error) {
	if db == nil {
		return nil, notOpened()
	}
	prefix := tenantPrefix(tenantID)
	iter, err := db.NewIter(&pebble.IterOptions{})
	if err != nil {
		return nil, apperr.Transient(err, "iterator failed")
	}
	defer iter.Close()
	var out []models.Conversation
	for iter.SeekGE(prefix); iter.Valid(); iter.Next() {
		if !bytes.HasPrefix(iter.Key(), prefix) {
			break
		}
		convID := string(iter.Value())
		c, err := GetConversation(convID)
		if err != nil {
			if apperr.IsKind(err, apperr.KindNotFound) {
				continue
			}
			return nil, err
		}
		out = append(out, c)
	}
	if err := iter.Error(); err != nil {
		return nil, apperr.Transient(err, "iterator failed")
	}
	return out, nil
}

// ListConversationIDs returns every conversation id in the store. Used by
// the retention runner.
func ListConversationIDs() ([]string, error) {
	if db == nil {
		return nil, notOpened()
	}
	prefix := []byte("conv:")
	suffix := []byte(":meta")
	iter, err := db.NewIter(&pebble.IterOptions{})
	if err != nil {
		return nil, apperr.Transient(err, "iterator failed")
	}
	defer iter.Close()
	var out []string
	for iter.SeekGE(prefix); iter.Valid(); iter.Next() {
		k := iter.Key()
		if !bytes.HasPrefix(k, prefix) {
			break
		}
		if bytes.HasSuffix(k, suffix) {
			out = append(out, string(k[len(prefix):len(k)-len(suffix)]))
		}
	}
	if err := iter.Error(); err != nil {
		return nil, apperr.Transient(err, "iterator failed")
	}
	return out, nil
}

// --- participants ---

// SaveParticipant writes a membership row directly. Membership mutations
// that must bump membership_version go through ApplyMembership instead.
func SaveParticipant(p models.Participant) error {
	return set(memberKey(p.Conversation, p.UserID), p)
}

// GetParticipant returns the membership row for a user, or a not-found
// error if the user is not a participant.
func GetParticipant(convID, userID string) (models.Participant, error) {
	var p models.Participant
	if err := get(memberKey(convID, userID), &p); err != nil {
		if apperr.IsKind(err, apperr.KindNotFound) {
			return p, apperr.NotFound("user %s is not a participant", userID)
		}
		return p, err
	}
	return p, nil
}

// ListParticipants returns all membership rows for a conversation.
func ListParticipants(convID string) ([]models.Participant, error) {
	if db == nil {
		return nil, notOpened()
	}
	prefix := memberPrefix(convID)
	iter, err := db.NewIter(&pebble.IterOptions{})
	if err != nil {
		return nil, apperr.Transient(err, "iterator failed")
	}
	defer iter.Close()
	var out []models.Participant
	for iter.SeekGE(prefix); iter.Valid(); iter.Next() {
		if !bytes.HasPrefix(iter.Key(), prefix) {
			break
		}
		var p models.Participant
		if err := json.Unmarshal(iter.Value(), &p); err != nil {
			return nil, apperr.Transient(err, "corrupt participant row")
		}
		out = append(out, p)
	}
	if err := iter.Error(); err != nil {
		return nil, apperr.Transient(err, "iterator failed")
	}
	return out, nil
}

// ApplyMembership atomically writes the bumped conversation meta together
// with one participant add or remove. Called only by the actor.
func ApplyMembership(c models.Conversation, add *models.Participant, removeUserID string) error {
	if db == nil {
		return notOpened()
	}
	cb, err := json.Marshal(c)
	if err != nil {
		return apperr.Transient(err, "marshal conversation")
	}
	wb := new(pebble.Batch)
	_ = wb.Set(convMetaKey(c.ID), cb, nil)
	if add != nil {
		pb, err := json.Marshal(add)
		if err != nil {
			return apperr.Transient(err, "marshal participant")
		}
		_ = wb.Set(memberKey(c.ID, add.UserID), pb, nil)
	}
	if removeUserID != "" {
		_ = wb.Delete(memberKey(c.ID, removeUserID), nil)
	}
	if err := db.Apply(wb, pebble.Sync); err != nil {
		logger.Error("apply_membership_failed", "conversation", c.ID, "error", err)
		return apperr.Transient(err, "store write failed")
	}
	return nil
}

// --- messages ---

// seqPointer is the msgid index row.
type seqPointer struct {
	Seq uint64 `json:"seq"`
}

// ClientRecord is the idempotency index row for a (conversation, client_id)
// pair.
type ClientRecord struct {
	MessageID string `json:"message_id"`
	Seq       uint64 `json:"seq"`
	TS        int64  `json:"ts"`
}

// ApplyAppend atomically persists one message row, its id pointer, its
// idempotency record and the advanced conversation meta. If this returns an
// error nothing was written, so the sequence number it would have consumed
// remains free.
func ApplyAppend(c models.Conversation, m models.Message) error {
	if db == nil {
		return notOpened()
	}
	cb, err := json.Marshal(c)
	if err != nil {
		return apperr.Transient(err, "marshal conversation")
	}
	mb, err := json.Marshal(m)
	if err != nil {
		return apperr.Transient(err, "marshal message")
	}
	pb, _ := json.Marshal(seqPointer{Seq: m.Seq})
	rb, _ := json.Marshal(ClientRecord{MessageID: m.ID, Seq: m.Seq, TS: m.TS})

	wb := new(pebble.Batch)
	_ = wb.Set(msgKey(c.ID, m.Seq), mb, nil)
	_ = wb.Set(msgIDKey(c.ID, m.ID), pb, nil)
	if m.ClientID != "" {
		_ = wb.Set(clientKey(c.ID, m.ClientID), rb, nil)
	}
	_ = wb.Set(convMetaKey(c.ID), cb, nil)
	if err := db.Apply(wb, pebble.Sync); err != nil {
		logger.Error("apply_append_failed", "conversation", c.ID, "seq", m.Seq, "error", err)
		return apperr.Transient(err, "store write failed")
	}
	logger.Debug("message_persisted", "conversation", c.ID, "seq", m.Seq, "id", m.ID)
	return nil
}

// LookupClient returns the idempotency record for a client_id, if any.
func LookupClient(convID, clientID string) (ClientRecord, bool, error) {
	var rec ClientRecord
	err := get(clientKey(convID, clientID), &rec)
	if err != nil {
		if apperr.IsKind(err, apperr.KindNotFound) {
			return rec, false, nil
		}
		return rec, false, err
	}
	return rec, true, nil
}

// GetMessage resolves a message id to its row.
func GetMessage(convID, msgID string) (models.Message, error) {
	var m models.Message
	var ptr seqPointer
	if err := get(msgIDKey(convID, msgID), &ptr); err != nil {
		if apperr.IsKind(err, apperr.KindNotFound) {
			return m, apperr.NotFound("message %s not found", msgID)
		}
		return m, err
	}
	if err := get(msgKey(convID, ptr.Seq), &m); err != nil {
		if apperr.IsKind(err, apperr.KindNotFound) {
			return m, apperr.NotFound("message %s not found", msgID)
		}
		return m, err
	}
	return m, nil
}

// ListFromSeq returns up to limit messages with seq >= fromSeq, ascending.
func ListFromSeq(convID string, fromSeq uint64, limit int) ([]models.Message, error) {
	if db == nil {
		return nil, notOpened()
	}
	prefix := msgPrefix(convID)
	iter, err := db.NewIter(&pebble.IterOptions{})
	if err != nil {
		return nil, apperr.Transient(err, "iterator failed")
	}
	defer iter.Close()
	out := make([]models.Message, 0, limit)
	for iter.SeekGE(msgKey(convID, fromSeq)); iter.Valid(); iter.Next() {
		if !bytes.HasPrefix(iter.Key(), prefix) {
			break
		}
		var m models.Message
		if err := json.Unmarshal(iter.Value(), &m); err != nil {
			return nil, apperr.Transient(err, "corrupt message row")
		}
		out = append(out, m)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	if err := iter.Error(); err != nil {
		return nil, apperr.Transient(err, "iterator failed")
	}
	return out, nil
}

// ListBefore returns the most recent limit messages with TS strictly before
// beforeTS, in ascending order, plus whether older qualifying messages
// remain.
func ListBefore(convID string, beforeTS int64, limit int) ([]models.Message, bool, error) {
	if db == nil {
		return nil, false, notOpened()
	}
	prefix := msgPrefix(convID)
	iter, err := db.NewIter(&pebble.IterOptions{})
	if err != nil {
		return nil, false, apperr.Transient(err, "iterator failed")
	}
	defer iter.Close()

	// Walk backward from the end of the message range.
	upper := append(append([]byte(nil), prefix...), 0xff)
	var collected []models.Message
	hasMore := false
	for valid := iter.SeekLT(upper); valid; valid = iter.Prev() {
		if !bytes.HasPrefix(iter.Key(), prefix) {
			break
		}
		var m models.Message
		if err := json.Unmarshal(iter.Value(), &m); err != nil {
			return nil, false, apperr.Transient(err, "corrupt message row")
		}
		if m.TS >= beforeTS {
			continue
		}
		if limit > 0 && len(collected) >= limit {
			hasMore = true
			break
		}
		collected = append(collected, m)
	}
	if err := iter.Error(); err != nil {
		return nil, false, apperr.Transient(err, "iterator failed")
	}
	// reverse into ascending order for display
	for i, j := 0, len(collected)-1; i < j; i, j = i+1, j-1 {
		collected[i], collected[j] = collected[j], collected[i]
	}
	return collected, hasMore, nil
}

// --- reactions ---

// SetReaction inserts a reaction row. Returns false if the identical row
// already existed (idempotent re-add).
func SetReaction(r models.Reaction) (bool, error) {
	if db == nil {
		return false, notOpened()
	}
	key := reactKey(r.Conversation, r.MessageID, r.UserID, r.Emoji)
	if _, closer, err := db.Get(key); err == nil {
		closer.Close()
		return false, nil
	} else if !errors.Is(err, pebble.ErrNotFound) {
		return false, apperr.Transient(err, "store read failed")
	}
	if err := set(key, r); err != nil {
		return false, err
	}
	return true, nil
}

// DeleteReaction removes a reaction row. Returns false if it did not exist
// (removing a non-existent reaction is a no-op, not an error).
func DeleteReaction(convID, msgID, userID, emoji string) (bool, error) {
	if db == nil {
		return false, notOpened()
	}
	key := reactKey(convID, msgID, userID, emoji)
	if _, closer, err := db.Get(key); err != nil {
		if errors.Is(err, pebble.ErrNotFound) {
			return false, nil
		}
		return false, apperr.Transient(err, "store read failed")
	} else {
		closer.Close()
	}
	if err := db.Delete(key, pebble.Sync); err != nil {
		return false, apperr.Transient(err, "store write failed")
	}
	return true, nil
}

// ListReactions returns all raw reaction rows for a message.
func ListReactions(convID, msgID string) ([]models.Reaction, error) {
	if db == nil {
		return nil, notOpened()
	}
	prefix := reactPrefix(convID, msgID)
	iter, err := db.NewIter(&pebble.IterOptions{})
	if err != nil {
		return nil, apperr.Transient(err, "iterator failed")
	}
	defer iter.Close()
	var out []models.Reaction
	for iter.SeekGE(prefix); iter.Valid(); iter.Next() {
		if !bytes.HasPrefix(iter.Key(), prefix) {
			break
		}
		var r models.Reaction
		if err := json.Unmarshal(iter.Value(), &r); err != nil {
			return nil, apperr.Transient(err, "corrupt reaction row")
		}
		out = append(out, r)
	}
	if err := iter.Error(); err != nil {
		return nil, apperr.Transient(err, "iterator failed")
	}
	return out, nil
}

// --- retention floor ---

// GetFloor returns the lowest retained seq for a conversation. 1 means
// nothing has been pruned.
func GetFloor(convID string) (uint64, error) {
	if db == nil {
		return 0, notOpened()
	}
	raw, closer, err := db.Get(floorKey(convID))
	if err != nil {
		if errors.Is(err, pebble.ErrNotFound) {
			return 1, nil
		}
		return 0, apperr.Transient(err, "store read failed")
	}
	defer closer.Close()
	v, perr := strconv.ParseUint(string(raw), 10, 64)
	if perr != nil {
		return 0, apperr.Transient(perr, "corrupt floor row")
	}
	return v, nil
}

// PurgeMessages deletes up to batchSize message rows with seq < uptoSeq,
// together with their id pointers, idempotency records and reactions, and
// advances the retention floor. It never touches the conversation meta row,
// so latest_seq stays actor-owned. Returns the number of messages purged.
func PurgeMessages(convID string, uptoSeq uint64, batchSize int, dryRun bool) (int, error) {
	if db == nil {
		return 0, notOpened()
	}
	floor, err := GetFloor(convID)
	if err != nil {
		return 0, err
	}
	if floor >= uptoSeq {
		return 0, nil
	}
	prefix := msgPrefix(convID)
	iter, err := db.NewIter(&pebble.IterOptions{})
	if err != nil {
		return 0, apperr.Transient(err, "iterator failed")
	}
	defer iter.Close()

	wb := new(pebble.Batch)
	purged := 0
	lastSeq := floor - 1
	for iter.SeekGE(msgKey(convID, floor)); iter.Valid(); iter.Next() {
		if !bytes.HasPrefix(iter.Key(), prefix) {
			break
		}
		var m models.Message
		if err := json.Unmarshal(iter.Value(), &m); err != nil {
			return purged, apperr.Transient(err, "corrupt message row")
		}
		if m.Seq >= uptoSeq {
			break
		}
		_ = wb.Delete(append([]byte(nil), iter.Key()...), nil)
		_ = wb.Delete(msgIDKey(convID, m.ID), nil)
		if m.ClientID != "" {
			_ = wb.Delete(clientKey(convID, m.ClientID), nil)
		}
		rp := reactPrefix(convID, m.ID)
		_ = wb.DeleteRange(rp, append(append([]byte(nil), rp...), 0xff), nil)
		lastSeq = m.Seq
		purged++
		if batchSize > 0 && purged >= batchSize {
			break
		}
	}
	if err := iter.Error(); err != nil {
		return 0, apperr.Transient(err, "iterator failed")
	}
	if purged == 0 || dryRun {
		return purged, nil
	}
	_ = wb.Set(floorKey(convID), []byte(strconv.FormatUint(lastSeq+1, 10)), nil)
	if err := db.Apply(wb, pebble.Sync); err != nil {
		return 0, apperr.Transient(err, "store write failed")
	}
	logger.Info("messages_purged", "conversation", convID, "count", purged, "floor", lastSeq+1)
	return purged, nil
}

// OldestRetained returns the first retained message, if any.
func OldestRetained(convID string) (models.Message, bool, error) {
	msgs, err := ListFromSeq(convID, 0, 1)
	if err != nil {
		return models.Message{}, false, err
	}
	if len(msgs) == 0 {
		return models.Message{}, false, nil
	}
	return msgs[0], true, nil
}

// CutoffSeqForAge returns the first seq whose message timestamp is at or
// after cutoff, scanning from the retention floor. Messages below the
// returned seq are older than the cutoff.
func CutoffSeqForAge(convID string, cutoffTS int64) (uint64, error) {
	if db == nil {
		return 0, notOpened()
	}
	floor, err := GetFloor(convID)
	if err != nil {
		return 0, err
	}
	prefix := msgPrefix(convID)
	iter, ierr := db.NewIter(&pebble.IterOptions{})
	if ierr != nil {
		return 0, apperr.Transient(ierr, "iterator failed")
	}
	defer iter.Close()
	cut := floor
	for iter.SeekGE(msgKey(convID, floor)); iter.Valid(); iter.Next() {
		if !bytes.HasPrefix(iter.Key(), prefix) {
			break
		}
		var m models.Message
		if err := json.Unmarshal(iter.Value(), &m); err != nil {
			return 0, apperr.Transient(err, "corrupt message row")
		}
		if m.TS >= cutoffTS {
			break
		}
		cut = m.Seq + 1
	}
	if err := iter.Error(); err != nil {
		return 0, apperr.Transient(err, "iterator failed")
	}
	return cut, nil
}
