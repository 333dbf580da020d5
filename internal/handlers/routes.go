package handlers

import "github.com/gorilla/mux"

// Routes builds the operator API router.
func Routes(h *Handler) *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/health", h.Health).Methods("GET")
	r.HandleFunc("/api/sources", h.ListSources).Methods("GET")
	r.HandleFunc("/api/sources/{id}/trigger", h.TriggerSource).Methods("POST")
	r.HandleFunc("/api/sources/{id}/disable", h.DisableSource).Methods("POST")
	r.HandleFunc("/api/sources/{id}/enable", h.EnableSource).Methods("POST")
	r.HandleFunc("/api/activity", h.RecentActivity).Methods("GET")
	r.HandleFunc("/api/events/ws", h.EventsWebSocket)
	return r
}
