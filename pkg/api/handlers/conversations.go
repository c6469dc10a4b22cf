package handlers

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"talkd/pkg/apperr"
	"talkd/pkg/auth"
	"talkd/pkg/catchup"
	"talkd/pkg/logger"
	"talkd/pkg/metrics"
	"talkd/pkg/models"
	"talkd/pkg/store"
	"talkd/pkg/telemetry"
	"talkd/pkg/utils"
)

// RegisterConversations registers the conversation lifecycle, membership
// and read-cursor endpoints.
func RegisterConversations(r *mux.Router) {
	r.HandleFunc("/conversations", createConversation).Methods(http.MethodPost)
	r.HandleFunc("/conversations", listConversations).Methods(http.MethodGet)
	r.HandleFunc("/conversations/{id}", getConversation).Methods(http.MethodGet)
	r.HandleFunc("/conversations/{id}/status", setConversationStatus).Methods(http.MethodPost)
	r.HandleFunc("/conversations/{id}/participants", addParticipant).Methods(http.MethodPost)
	r.HandleFunc("/conversations/{id}/participants", listConversationParticipants).Methods(http.MethodGet)
	r.HandleFunc("/conversations/{id}/membership-revoked", revokeMembership).Methods(http.MethodPost)
	r.HandleFunc("/conversations/{id}/read-cursor", setReadCursor).Methods(http.MethodPut)
	r.HandleFunc("/conversations/{id}/unread", getUnread).Methods(http.MethodGet)
}

func createConversation(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	var req struct {
		ConversationID string   `json:"conversation_id"`
		TenantID       string   `json:"tenant_id"`
		Participants   []string `json:"participants"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		utils.JSONError(w, http.StatusBadRequest, "invalid json")
		return
	}
	if req.TenantID == "" {
		utils.JSONError(w, http.StatusBadRequest, "tenant_id required")
		return
	}
	id := req.ConversationID
	if id == "" {
		id = utils.GenConversationID()
	}
	now := time.Now().UnixMilli()
	c := models.Conversation{
		ID:                id,
		TenantID:          req.TenantID,
		Status:            models.StatusActive,
		MembershipVersion: 1,
		Sequenced:         true,
		CreatedTS:         now,
		UpdatedTS:         now,
	}
	seen := map[string]bool{}
	var parts []models.Participant
	for _, u := range req.Participants {
		if u == "" || seen[u] {
			continue
		}
		seen[u] = true
		parts = append(parts, models.Participant{Conversation: id, UserID: u, JoinedTS: now})
	}
	if err := store.CreateConversation(c, parts); err != nil {
		writeError(w, err)
		return
	}
	logger.Info("conversation_created", "conversation", id, "tenant", req.TenantID, "participants", len(parts))
	utils.JSONWrite(w, http.StatusCreated, struct {
		Conversation models.Conversation  `json:"conversation"`
		Participants []models.Participant `json:"participants"`
	}{Conversation: c, Participants: parts})
}

func listConversations(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if !backendCaller(r) {
		utils.JSONError(w, http.StatusForbidden, "tenant listing requires a backend key")
		return
	}
	tenant := r.URL.Query().Get("tenant")
	if tenant == "" {
		utils.JSONError(w, http.StatusBadRequest, "tenant query param required")
		return
	}
	convs, err := store.ListTenantConversations(tenant)
	if err != nil {
		writeError(w, err)
		return
	}
	utils.JSONWrite(w, http.StatusOK, struct {
		Tenant        string                `json:"tenant"`
		Conversations []models.Conversation `json:"conversations"`
	}{Tenant: tenant, Conversations: convs})
}

// getConversation serves both the meta view and catch-up pagination.
// ?from_seq= selects forward sequence paging, ?before= selects the
// timestamp cursor fallback; with neither it returns meta plus members.
func getConversation(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	id := mux.Vars(r)["id"]
	if err := requireReadAccess(r, id); err != nil {
		writeError(w, err)
		return
	}
	q := r.URL.Query()

	limit := 0
	if ls := q.Get("limit"); ls != "" {
		n, err := strconv.Atoi(ls)
		if err != nil || n < 0 {
			utils.JSONError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		limit = n
	}

	if fs := q.Get("from_seq"); fs != "" {
		from, err := strconv.ParseUint(fs, 10, 64)
		if err != nil {
			utils.JSONError(w, http.StatusBadRequest, "invalid from_seq")
			return
		}
		span := telemetry.StartSpan(r.Context(), "catchup.from_seq")
		page, err := catchup.FromSeq(id, from, limit)
		span()
		if err != nil {
			writeError(w, err)
			return
		}
		metrics.CatchupPages.WithLabelValues("seq").Inc()
		utils.JSONWrite(w, http.StatusOK, page)
		return
	}

	if bs := q.Get("before"); bs != "" {
		before, err := strconv.ParseInt(bs, 10, 64)
		if err != nil {
			utils.JSONError(w, http.StatusBadRequest, "invalid before")
			return
		}
		span := telemetry.StartSpan(r.Context(), "catchup.before")
		page, err := catchup.Before(id, before, limit)
		span()
		if err != nil {
			writeError(w, err)
			return
		}
		metrics.CatchupPages.WithLabelValues("cursor").Inc()
		utils.JSONWrite(w, http.StatusOK, page)
		return
	}

	c, err := store.GetConversation(id)
	if err != nil {
		writeError(w, err)
		return
	}
	parts, err := store.ListParticipants(id)
	if err != nil {
		writeError(w, err)
		return
	}
	utils.JSONWrite(w, http.StatusOK, struct {
		Conversation models.Conversation  `json:"conversation"`
		Participants []models.Participant `json:"participants"`
	}{Conversation: c, Participants: parts})
}

func setConversationStatus(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	id := mux.Vars(r)["id"]
	var req struct {
		Status models.ConversationStatus `json:"status"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		utils.JSONError(w, http.StatusBadRequest, "invalid json")
		return
	}
	if !models.ValidStatus(req.Status) {
		utils.JSONError(w, http.StatusBadRequest, "unknown status")
		return
	}
	c, err := registry.SetStatus(r.Context(), id, req.Status)
	if err != nil {
		writeError(w, err)
		return
	}
	logger.Info("conversation_status_set", "conversation", id, "status", string(req.Status))
	utils.JSONWrite(w, http.StatusOK, c)
}

func addParticipant(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	id := mux.Vars(r)["id"]
	var req struct {
		UserID string `json:"user_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.UserID == "" {
		utils.JSONError(w, http.StatusBadRequest, "user_id required")
		return
	}
	c, err := registry.AddParticipant(r.Context(), id, req.UserID)
	if err != nil {
		writeError(w, err)
		return
	}
	utils.JSONWrite(w, http.StatusOK, struct {
		Conversation      string `json:"conversation_id"`
		UserID            string `json:"user_id"`
		MembershipVersion uint64 `json:"membership_version"`
	}{Conversation: id, UserID: req.UserID, MembershipVersion: c.MembershipVersion})
}

func listConversationParticipants(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	id := mux.Vars(r)["id"]
	if err := requireReadAccess(r, id); err != nil {
		writeError(w, err)
		return
	}
	if _, err := store.GetConversation(id); err != nil {
		writeError(w, err)
		return
	}
	parts, err := store.ListParticipants(id)
	if err != nil {
		writeError(w, err)
		return
	}
	utils.JSONWrite(w, http.StatusOK, struct {
		Conversation string               `json:"conversation_id"`
		Participants []models.Participant `json:"participants"`
	}{Conversation: id, Participants: parts})
}

// revokeMembership is idempotent: revoking a user who is already gone
// acknowledges with the current membership version instead of erroring,
// so upstream retries and races resolve cleanly.
func revokeMembership(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	id := mux.Vars(r)["id"]
	var req struct {
		UserID string `json:"user_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.UserID == "" {
		utils.JSONError(w, http.StatusBadRequest, "user_id required")
		return
	}
	removed := true
	c, err := registry.RevokeParticipant(r.Context(), id, req.UserID)
	if err != nil {
		if !apperr.IsKind(err, apperr.KindConflict) {
			writeError(w, err)
			return
		}
		removed = false
	}
	utils.JSONWrite(w, http.StatusOK, struct {
		Conversation      string `json:"conversation_id"`
		UserID            string `json:"user_id"`
		MembershipVersion uint64 `json:"membership_version"`
		Removed           bool   `json:"removed"`
	}{Conversation: id, UserID: req.UserID, MembershipVersion: c.MembershipVersion, Removed: removed})
}

func setReadCursor(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	id := mux.Vars(r)["id"]
	userID := auth.UserIDFromContext(r.Context())
	if userID == "" {
		utils.JSONError(w, http.StatusUnauthorized, "user identity required")
		return
	}
	var req struct {
		Seq uint64 `json:"seq"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		utils.JSONError(w, http.StatusBadRequest, "invalid json")
		return
	}
	p, err := registry.SetReadCursor(r.Context(), id, userID, req.Seq)
	if err != nil {
		writeError(w, err)
		return
	}
	utils.JSONWrite(w, http.StatusOK, p)
}

func getUnread(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	id := mux.Vars(r)["id"]
	userID := auth.UserIDFromContext(r.Context())
	if userID == "" {
		utils.JSONError(w, http.StatusUnauthorized, "user identity required")
		return
	}
	c, err := store.GetConversation(id)
	if err != nil {
		writeError(w, err)
		return
	}
	p, err := store.GetParticipant(id, userID)
	if err != nil {
		if apperr.IsKind(err, apperr.KindNotFound) {
			writeError(w, apperr.Forbidden("user %s is not a participant of %s", userID, id))
			return
		}
		writeError(w, err)
		return
	}
	var unread uint64
	if c.LatestSeq > p.LastReadSeq {
		unread = c.LatestSeq - p.LastReadSeq
	}
	utils.JSONWrite(w, http.StatusOK, struct {
		Conversation string `json:"conversation_id"`
		UserID       string `json:"user_id"`
		LatestSeq    uint64 `json:"latest_seq"`
		LastReadSeq  uint64 `json:"last_read_seq"`
		Unread       uint64 `json:"unread"`
	}{Conversation: id, UserID: userID, LatestSeq: c.LatestSeq, LastReadSeq: p.LastReadSeq, Unread: unread})
}
