package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/vango-dev/relay/pkg/auth"
	"github.com/vango-dev/relay/pkg/crdt"
	"github.com/vango-dev/relay/pkg/room"
)

// REST error bodies.
const (
	msgUnauthorized    = "Unauthorized"
	msgRoomNotFound    = "Room not found"
	msgEmptyBody       = "Empty update body"
	msgInvalidUpdate   = "Invalid update"
	msgBodyTooLarge    = "Update body too large"
	msgInternalError   = "Internal error"
	contentTypeJSON    = "application/json"
	contentTypeBinary  = "application/octet-stream"
	headerContentType  = "Content-Type"
	headerCacheControl = "Cache-Control"
)

type errorResponse struct {
	Error string `json:"error"`
}

type okResponse struct {
	OK bool `json:"ok"`
}

type roomsResponse struct {
	Rooms []room.Info `json:"rooms"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set(headerContentType, contentTypeJSON)
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg})
}

// requireBearer gates REST routes on the Authorization header. There is
// no query-string fallback.
func (s *Server) requireBearer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !auth.Validate(r.Context(), s.config.Auth, auth.TokenFromBearer(r)) {
			s.metrics.AuthFailure("rest")
			writeError(w, http.StatusUnauthorized, msgUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, okResponse{OK: true})
}

func (s *Server) handleListRooms(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, roomsResponse{Rooms: s.rooms.RoomInfo()})
}

// handleGetDoc returns the room's full state as one update.
func (s *Server) handleGetDoc(w http.ResponseWriter, r *http.Request) {
	roomID := chi.URLParam(r, "roomID")
	doc, ok := s.resolveDoc(w, r, roomID)
	if !ok {
		return
	}
	state, err := doc.EncodeStateAsUpdate(nil)
	if err != nil {
		s.logger.Error().Err(err).Str("room", roomID).Msg("encode state failed")
		writeError(w, http.StatusInternalServerError, msgInternalError)
		return
	}
	w.Header().Set(headerContentType, contentTypeBinary)
	w.Header().Set(headerCacheControl, "no-store")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(state)
}

// handlePostDoc applies the request body as an update. Connected peers
// receive it through the document's update listeners.
func (s *Server) handlePostDoc(w http.ResponseWriter, r *http.Request) {
	roomID := chi.URLParam(r, "roomID")

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, s.config.MaxBodySize))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, msgBodyTooLarge)
			return
		}
		writeError(w, http.StatusBadRequest, msgInvalidUpdate)
		return
	}
	if len(body) == 0 {
		writeError(w, http.StatusBadRequest, msgEmptyBody)
		return
	}

	doc, ok := s.resolveDoc(w, r, roomID)
	if !ok {
		return
	}
	if err := applyUpdate(doc, body); err != nil {
		s.logger.Debug().Err(err).Str("room", roomID).Int("bytes", len(body)).Msg("rejected REST update")
		writeError(w, http.StatusBadRequest, msgInvalidUpdate)
		return
	}
	writeJSON(w, http.StatusOK, okResponse{OK: true})
}

func (s *Server) resolveDoc(w http.ResponseWriter, r *http.Request, roomID string) (crdt.Document, bool) {
	doc, err := s.rooms.GetOrCreateDoc(r.Context(), roomID)
	switch {
	case err == nil:
		return doc, true
	case errors.Is(err, room.ErrRoomNotFound):
		writeError(w, http.StatusNotFound, msgRoomNotFound)
	default:
		s.logger.Error().Err(err).Str("room", roomID).Msg("resolve room failed")
		writeError(w, http.StatusInternalServerError, msgInternalError)
	}
	return nil, false
}

// applyUpdate applies update with a nil origin, turning a panic in the
// document into an error.
func applyUpdate(doc crdt.Document, update []byte) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: panic: %v", crdt.ErrInvalidUpdate, r)
		}
	}()
	return doc.ApplyUpdate(update, nil)
}
