// Package handlers implements the /v1 HTTP surface. Handlers validate and
// shape requests, then hand every mutation to the conversation's actor;
// reads go straight to the store and catch-up packages.
package handlers

import (
	"net/http"

	"talkd/pkg/actor"
	"talkd/pkg/apperr"
	"talkd/pkg/auth"
	"talkd/pkg/store"
	"talkd/pkg/utils"
)

var registry *actor.Registry

// Use wires the actor registry the handlers dispatch mutations through.
func Use(reg *actor.Registry) { registry = reg }

func writeError(w http.ResponseWriter, err error) {
	utils.JSONError(w, apperr.HTTPStatus(err), err.Error())
}

func backendCaller(r *http.Request) bool {
	role := r.Header.Get("X-Role-Name")
	return role == "backend" || role == "admin"
}

// requireReadAccess gates conversation reads: backend and admin callers see
// everything, signed users only conversations they participate in. Unknown
// conversations look the same as forbidden ones to user callers.
func requireReadAccess(r *http.Request, convID string) error {
	if backendCaller(r) {
		return nil
	}
	userID := auth.UserIDFromContext(r.Context())
	if userID == "" {
		return apperr.Forbidden("caller identity required")
	}
	if _, err := store.GetParticipant(convID, userID); err != nil {
		if apperr.IsKind(err, apperr.KindNotFound) {
			return apperr.Forbidden("user %s is not a participant of %s", userID, convID)
		}
		return err
	}
	return nil
}
