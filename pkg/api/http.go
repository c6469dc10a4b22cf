package api

import (
	"net/http"

	"github.com/gorilla/mux"

	"talkd/pkg/api/handlers"
	"talkd/pkg/auth"
	"talkd/pkg/transport"
)

// Handler builds the /v1 API surface. The websocket endpoint authenticates
// through its own first frame, so it sits outside the signature middleware;
// everything else under /v1 requires a verified user or a backend key.
func Handler(hub *transport.Hub) http.Handler {
	r := mux.NewRouter()
	r.HandleFunc("/v1/ws", hub.ServeWS).Methods(http.MethodGet)

	v1 := r.PathPrefix("/v1").Subrouter()
	v1.Use(auth.RequireSignedUser)
	handlers.RegisterConversations(v1)
	handlers.RegisterMessages(v1)
	return r
}
