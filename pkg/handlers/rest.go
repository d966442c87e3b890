package handlers

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"codecollab/pkg/db"
	"codecollab/pkg/executor"
	"codecollab/pkg/oplog"
	"codecollab/pkg/room"
)

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func (h *Handlers) writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, db.ErrRoomNotFound), errors.Is(err, db.ErrFileNotFound), errors.Is(err, room.ErrFileNotFound):
		status = http.StatusNotFound
	case errors.Is(err, oplog.ErrHistoryTruncated):
		status = http.StatusGone
	}
	if status == http.StatusInternalServerError {
		h.log.Error("request failed", zap.Error(err))
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

// CreateRoom creates a new room
func (h *Handlers) CreateRoom(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name string `json:"name"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid JSON", http.StatusBadRequest)
		return
	}

	created, err := h.hub.CreateRoom(r.Context(), req.Name)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, created)
}

// GetRoom returns a room with its files
func (h *Handlers) GetRoom(w http.ResponseWriter, r *http.Request) {
	found, err := h.hub.GetRoom(r.Context(), mux.Vars(r)["roomId"])
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, found)
}

// DeleteRoom deletes a room and disconnects its sessions
func (h *Handlers) DeleteRoom(w http.ResponseWriter, r *http.Request) {
	if err := h.hub.DeleteRoom(r.Context(), mux.Vars(r)["roomId"]); err != nil {
		h.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// GetRoomUsers returns the users currently connected to a room
func (h *Handlers) GetRoomUsers(w http.ResponseWriter, r *http.Request) {
	roomID := mux.Vars(r)["roomId"]
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"roomId": roomID,
		"users":  h.hub.ActiveUsers(roomID),
	})
}

// CreateFile adds a file to a room
func (h *Handlers) CreateFile(w http.ResponseWriter, r *http.Request) {
	var req struct {
		FileID   string `json:"fileId"`
		FileName string `json:"fileName"`
		Language string `json:"language"`
		Content  string `json:"content"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid JSON", http.StatusBadRequest)
		return
	}
	if req.FileName == "" && req.FileID == "" {
		http.Error(w, "fileName is required", http.StatusBadRequest)
		return
	}

	file, err := h.hub.CreateFile(r.Context(), mux.Vars(r)["roomId"], db.CodeFile{
		FileID:   req.FileID,
		FileName: req.FileName,
		Language: req.Language,
		Content:  req.Content,
	})
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, file)
}

// GetFile returns the current content of a file
func (h *Handlers) GetFile(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	file, err := h.hub.File(r.Context(), vars["roomId"], vars["fileId"])
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, file)
}

// GetOperations returns the operations of a file after ?since=
func (h *Handlers) GetOperations(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	var since int64
	if raw := r.URL.Query().Get("since"); raw != "" {
		var err error
		if since, err = strconv.ParseInt(raw, 10, 64); err != nil {
			http.Error(w, "since must be an integer", http.StatusBadRequest)
			return
		}
	}

	ops, err := h.hub.Operations(r.Context(), vars["roomId"], vars["fileId"], since)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"fileId":     vars["fileId"],
		"operations": ops,
	})
}

// DebugFile dumps the replica of a file as text
func (h *Handlers) DebugFile(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	dump, err := h.hub.Dump(r.Context(), vars["roomId"], vars["fileId"])
	if err != nil {
		h.writeError(w, err)
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Write([]byte(dump))
}

// Execute runs a snippet of code and reports its output
func (h *Handlers) Execute(w http.ResponseWriter, r *http.Request) {
	var req executor.Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid JSON", http.StatusBadRequest)
		return
	}
	writeJSON(w, http.StatusOK, h.runner.Execute(r.Context(), req))
}

// Healthz reports liveness
func (h *Handlers) Healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":   "ok",
		"sessions": h.hub.SessionCount(),
	})
}
