package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/gorilla/mux"

	"talkd/pkg/actor"
	"talkd/pkg/auth"
	"talkd/pkg/logger"
	"talkd/pkg/models"
	"talkd/pkg/reactions"
	"talkd/pkg/store"
	"talkd/pkg/telemetry"
	"talkd/pkg/utils"
	"talkd/pkg/validation"
)

// RegisterMessages registers append, message reads and reaction endpoints.
func RegisterMessages(r *mux.Router) {
	r.HandleFunc("/conversations/{id}/messages", appendMessage).Methods(http.MethodPost)
	r.HandleFunc("/conversations/{id}/messages/{msgID}", getMessage).Methods(http.MethodGet)
	r.HandleFunc("/conversations/{id}/messages/{msgID}/reactions", listMessageReactions).Methods(http.MethodGet)
	r.HandleFunc("/conversations/{id}/messages/{msgID}/reactions", reactToMessage).Methods(http.MethodPost)
}

type appendBody struct {
	Role     string         `json:"role"`
	Author   string         `json:"author"`
	Content  string         `json:"content"`
	Metadata map[string]any `json:"metadata"`
	ReplyTo  string         `json:"reply_to_message_id"`
	ClientID string         `json:"client_id"`
}

// resolveAuthor reconciles the signature-verified identity with the body
// author. A signature is authoritative: a conflicting body author is
// rejected. Without one, backend and admin callers may assert an author.
func resolveAuthor(r *http.Request, bodyAuthor string) (string, int, string) {
	if id := auth.UserIDFromContext(r.Context()); id != "" {
		if bodyAuthor != "" && bodyAuthor != id {
			logger.Warn("author_mismatch", "signature", id, "body", bodyAuthor, "path", r.URL.Path)
			return "", http.StatusForbidden, "author mismatch between signature and body"
		}
		return id, 0, ""
	}
	role := r.Header.Get("X-Role-Name")
	if role == "backend" || role == "admin" {
		if bodyAuthor == "" {
			return "", http.StatusBadRequest, "author required for backend requests"
		}
		return bodyAuthor, 0, ""
	}
	return "", http.StatusUnauthorized, "missing or invalid author signature"
}

func appendMessage(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	convID := mux.Vars(r)["id"]
	var body appendBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		utils.JSONError(w, http.StatusBadRequest, "invalid json")
		return
	}

	role := models.Role(body.Role)
	if body.Role == "" {
		role = models.RoleUser
	}
	author := body.Author
	if role == models.RoleUser {
		resolved, status, msg := resolveAuthor(r, body.Author)
		if status != 0 {
			utils.JSONError(w, status, msg)
			return
		}
		author = resolved
	} else {
		// system messages are a backend surface
		roleName := r.Header.Get("X-Role-Name")
		if roleName != "backend" && roleName != "admin" {
			utils.JSONError(w, http.StatusForbidden, "system messages require a backend key")
			return
		}
	}

	if err := validation.ValidateAppend(role, author, body.Content, body.Metadata, body.ClientID); err != nil {
		writeError(w, err)
		return
	}

	span := telemetry.StartSpan(r.Context(), "actor.append")
	res, err := registry.Append(r.Context(), convID, actor.AppendRequest{
		Role:     role,
		Author:   author,
		Content:  body.Content,
		Metadata: body.Metadata,
		ReplyTo:  body.ReplyTo,
		ClientID: body.ClientID,
	})
	span()
	if err != nil {
		writeError(w, err)
		return
	}
	logger.Info("message_appended", "conversation", convID, "id", res.MessageID, "seq", res.Seq)
	utils.JSONWrite(w, http.StatusOK, res)
}

func getMessage(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	vars := mux.Vars(r)
	convID, msgID := vars["id"], vars["msgID"]
	if err := requireReadAccess(r, convID); err != nil {
		writeError(w, err)
		return
	}
	m, err := store.GetMessage(convID, msgID)
	if err != nil {
		writeError(w, err)
		return
	}
	rows, err := store.ListReactions(convID, msgID)
	if err != nil {
		writeError(w, err)
		return
	}
	viewer := auth.UserIDFromContext(r.Context())
	utils.JSONWrite(w, http.StatusOK, struct {
		Message   models.Message           `json:"message"`
		Reactions []models.ReactionSummary `json:"reactions"`
	}{Message: m, Reactions: reactions.Summarize(rows, viewer)})
}

func listMessageReactions(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	vars := mux.Vars(r)
	convID, msgID := vars["id"], vars["msgID"]
	if err := requireReadAccess(r, convID); err != nil {
		writeError(w, err)
		return
	}
	if _, err := store.GetMessage(convID, msgID); err != nil {
		writeError(w, err)
		return
	}
	rows, err := store.ListReactions(convID, msgID)
	if err != nil {
		writeError(w, err)
		return
	}
	viewer := auth.UserIDFromContext(r.Context())
	utils.JSONWrite(w, http.StatusOK, struct {
		MessageID string                   `json:"message_id"`
		Reactions []models.ReactionSummary `json:"reactions"`
	}{MessageID: msgID, Reactions: reactions.Summarize(rows, viewer)})
}

func reactToMessage(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	vars := mux.Vars(r)
	convID, msgID := vars["id"], vars["msgID"]
	userID := auth.UserIDFromContext(r.Context())
	if userID == "" {
		utils.JSONError(w, http.StatusUnauthorized, "user identity required")
		return
	}
	var req struct {
		Emoji  string `json:"emoji"`
		Action string `json:"action"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		utils.JSONError(w, http.StatusBadRequest, "invalid json")
		return
	}
	if req.Action == "" {
		req.Action = "add"
	}
	if req.Action != "add" && req.Action != "remove" {
		utils.JSONError(w, http.StatusBadRequest, "action must be add or remove")
		return
	}
	if err := validation.ValidateEmoji(req.Emoji); err != nil {
		writeError(w, err)
		return
	}
	tally, err := registry.React(r.Context(), convID, actor.ReactionRequest{
		MessageID: msgID,
		UserID:    userID,
		Emoji:     req.Emoji,
		Remove:    req.Action == "remove",
	})
	if err != nil {
		writeError(w, err)
		return
	}
	utils.JSONWrite(w, http.StatusOK, tally)
}
