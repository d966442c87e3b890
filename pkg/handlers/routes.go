package handlers

import "github.com/gorilla/mux"

// Register mounts every route on r.
func (h *Handlers) Register(r *mux.Router) {
	// WebSocket routes
	r.HandleFunc("/ws/code", h.HandleWebSocket)
	r.HandleFunc("/ws/{roomId}", h.HandleWebSocket)

	// REST API routes
	api := r.PathPrefix("/api").Subrouter()
	api.HandleFunc("/rooms", h.CreateRoom).Methods("POST")
	api.HandleFunc("/rooms/{roomId}", h.GetRoom).Methods("GET")
	api.HandleFunc("/rooms/{roomId}", h.DeleteRoom).Methods("DELETE")
	api.HandleFunc("/rooms/{roomId}/users", h.GetRoomUsers).Methods("GET")
	api.HandleFunc("/rooms/{roomId}/files", h.CreateFile).Methods("POST")
	api.HandleFunc("/rooms/{roomId}/files/{fileId}", h.GetFile).Methods("GET")
	api.HandleFunc("/rooms/{roomId}/files/{fileId}/operations", h.GetOperations).Methods("GET")
	api.HandleFunc("/rooms/{roomId}/files/{fileId}/debug", h.DebugFile).Methods("GET")
	api.HandleFunc("/execute", h.Execute).Methods("POST")

	r.HandleFunc("/healthz", h.Healthz).Methods("GET")
}
