package relay

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"

	"github.com/google/uuid"

	"codepair/internal/protocol"
	"codepair/internal/sandbox"
	"codepair/internal/store"
)

// runResponse is the run outcome together with the history entry it
// produced.
type runResponse struct {
	sandbox.Response
	Entry protocol.HistoryEntry `json:"entry"`
}

type appendEventsRequest struct {
	Events []store.Event `json:"events"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, protocol.ErrorPayload{Error: msg})
}

func (s *Server) handleRun(w http.ResponseWriter, r *http.Request) {
	room, ok := s.rooms.Get(r.PathValue("room"))
	if !ok {
		writeError(w, http.StatusNotFound, "room not active")
		return
	}

	var req protocol.RunRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := protocol.ValidateRunRequest(&req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	kind := protocol.KindCodeRun
	code := req.Command
	if req.Terminal {
		kind = protocol.KindTerminalCommand
	} else {
		code = room.doc.Text(req.Surface)
	}
	if code == "" {
		writeError(w, http.StatusBadRequest, "nothing to run")
		return
	}

	sreq := sandbox.Request{
		Code:     code,
		Language: sandbox.Language(req.Language),
		Cell:     req.Cell,
	}
	if req.Cell || req.Persistent || req.Terminal {
		sreq.RoomID = room.ID
	}
	resp := s.exec.Execute(r.Context(), sreq)

	entry := protocol.NewHistoryEntry(uuid.NewString(), kind, code, req.Author)
	entry.Stdout = resp.Stdout
	entry.Stderr = resp.Stderr
	entry.ExitCode = resp.Code
	entry.DurationMs = resp.DurationMs
	s.publish(room.ID, room.appendHistory(entry))

	s.recordRun(room.ID, req, resp)

	writeJSON(w, http.StatusOK, runResponse{Response: resp, Entry: entry})
}

// recordRun logs the run in the interview's event log. Rooms without an
// interview record are skipped.
func (s *Server) recordRun(roomID string, req protocol.RunRequest, resp sandbox.Response) {
	if s.store == nil {
		return
	}
	content, _ := json.Marshal(map[string]any{
		"language": req.Language,
		"surface":  req.Surface,
		"terminal": req.Terminal,
		"code":     resp.Code,
		"engine":   resp.Engine,
	})

	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()
	_, err := s.store.AppendEvents(ctx, roomID, []store.Event{{
		UserName: req.Author,
		Type:     store.EventRun,
		Content:  string(content),
	}})
	if err != nil {
		log.Printf("relay: room %s: record run: %v", roomID, err)
	}
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	entries := []protocol.HistoryEntry{}
	if room, ok := s.rooms.Get(r.PathValue("room")); ok {
		entries = room.History()
	}
	writeJSON(w, http.StatusOK, entries)
}

func (s *Server) handleCode(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("room")
	room, ok := s.rooms.Get(id)
	if !ok {
		writeError(w, http.StatusNotFound, "room not active")
		return
	}
	surface := r.URL.Query().Get("surface")
	if surface == "" {
		surface = protocol.SurfaceCode
	}
	writeJSON(w, http.StatusOK, protocol.CodePayload{
		RoomID:  id,
		Surface: surface,
		Content: room.doc.Text(surface),
	})
}

func (s *Server) handleEnd(w http.ResponseWriter, r *http.Request) {
	if s.store == nil {
		writeError(w, http.StatusServiceUnavailable, "no metadata store configured")
		return
	}
	id := r.PathValue("room")

	var req protocol.EndRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}
	}
	if req.FinalCode == "" {
		if room, ok := s.rooms.Get(id); ok {
			req.FinalCode = room.doc.Text(protocol.SurfaceCode)
		}
	}

	iv, err := s.store.EndInterview(r.Context(), id, req.FinalCode)
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "interview not found")
		return
	}
	if err != nil {
		log.Printf("relay: room %s: end interview: %v", id, err)
		writeError(w, http.StatusInternalServerError, "failed to end interview")
		return
	}
	writeJSON(w, http.StatusOK, iv)
}

func (s *Server) handleNotes(w http.ResponseWriter, r *http.Request) {
	if s.store == nil {
		writeError(w, http.StatusServiceUnavailable, "no metadata store configured")
		return
	}
	var req protocol.NotesRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	err := s.store.SaveNotes(r.Context(), r.PathValue("room"), req.Notes)
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "interview not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to save notes")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "saved"})
}

func (s *Server) handleListEvents(w http.ResponseWriter, r *http.Request) {
	if s.store == nil {
		writeError(w, http.StatusServiceUnavailable, "no metadata store configured")
		return
	}
	events, err := s.store.Events(r.Context(), r.PathValue("room"))
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to load events")
		return
	}
	if events == nil {
		events = []store.Event{}
	}
	writeJSON(w, http.StatusOK, events)
}

func (s *Server) handleAppendEvents(w http.ResponseWriter, r *http.Request) {
	if s.store == nil {
		writeError(w, http.StatusServiceUnavailable, "no metadata store configured")
		return
	}
	var req appendEventsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || len(req.Events) == 0 {
		writeError(w, http.StatusBadRequest, "no events")
		return
	}
	n, err := s.store.AppendEvents(r.Context(), r.PathValue("room"), req.Events)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to save events")
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"saved": n})
}

func (s *Server) handleExecute(w http.ResponseWriter, r *http.Request) {
	var req protocol.ExecuteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := protocol.ValidateExecuteRequest(&req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	resp := s.exec.Execute(r.Context(), sandbox.Request{
		Code:     req.Code,
		Language: sandbox.Language(req.Language),
		RoomID:   req.RoomID,
		Cell:     req.Cell,
	})
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	health := map[string]any{
		"status": "ok",
		"rooms":  s.rooms.Len(),
	}
	if c, ok := s.exec.(interface{ Chain() []sandbox.Kind }); ok {
		health["chain"] = c.Chain()
	}
	writeJSON(w, http.StatusOK, health)
}
