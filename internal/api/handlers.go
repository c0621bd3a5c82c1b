// SPDX-License-Identifier: MIT

package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"

	"github.com/fitsync/liveworkout/internal/live/model"
	"github.com/fitsync/liveworkout/internal/live/store"
	"github.com/fitsync/liveworkout/internal/telemetry"
)

// annotateSession enriches the request span with the session scope.
func annotateSession(r *http.Request, sessionID string) {
	trace.SpanFromContext(r.Context()).SetAttributes(
		telemetry.SessionAttributes(sessionID, callerID(r))...)
}

type createSessionRequest struct {
	RoutineData []model.RoutineExercise `json:"routineData,omitempty"`
	SyncMode    model.SyncMode          `json:"syncMode,omitempty"`
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var req createSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "invalid_body")
		return
	}
	if req.SyncMode != "" && req.SyncMode != model.SyncStrict && req.SyncMode != model.SyncSoft {
		writeBadRequest(w, "invalid_sync_mode")
		return
	}

	sess, err := s.cfg.Sessions.CreateSession(r.Context(), store.CreateParams{
		HostID:      callerID(r),
		RoutineData: req.RoutineData,
		SyncMode:    req.SyncMode,
	})
	if err != nil {
		writeStoreError(r.Context(), w, err)
		return
	}
	writeJSON(w, http.StatusCreated, sess)
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	annotateSession(r, chi.URLParam(r, "sessionID"))
	sess, err := s.cfg.Sessions.GetSession(r.Context(), callerID(r), chi.URLParam(r, "sessionID"))
	if err != nil {
		writeStoreError(r.Context(), w, err)
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

type updateStatusRequest struct {
	Status model.SessionStatus `json:"status"`
}

func (s *Server) handleUpdateStatus(w http.ResponseWriter, r *http.Request) {
	annotateSession(r, chi.URLParam(r, "sessionID"))
	var req updateStatusRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "invalid_body")
		return
	}
	sess, err := s.cfg.Sessions.UpdateStatus(r.Context(), callerID(r), chi.URLParam(r, "sessionID"), req.Status)
	if err != nil {
		writeStoreError(r.Context(), w, err)
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

type participantRequest struct {
	UserID string `json:"userId"`
}

func (s *Server) handleAddParticipant(w http.ResponseWriter, r *http.Request) {
	annotateSession(r, chi.URLParam(r, "sessionID"))
	var req participantRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "invalid_body")
		return
	}
	if req.UserID == "" {
		req.UserID = callerID(r)
	}
	sess, err := s.cfg.Sessions.AddParticipant(r.Context(), callerID(r), chi.URLParam(r, "sessionID"), req.UserID)
	if err != nil {
		writeStoreError(r.Context(), w, err)
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

func (s *Server) handleRemoveParticipant(w http.ResponseWriter, r *http.Request) {
	annotateSession(r, chi.URLParam(r, "sessionID"))
	sess, err := s.cfg.Sessions.RemoveParticipant(r.Context(), callerID(r),
		chi.URLParam(r, "sessionID"), chi.URLParam(r, "userID"))
	if err != nil {
		writeStoreError(r.Context(), w, err)
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

func (s *Server) handleSetLeader(w http.ResponseWriter, r *http.Request) {
	annotateSession(r, chi.URLParam(r, "sessionID"))
	var req participantRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.UserID == "" {
		writeBadRequest(w, "invalid_body")
		return
	}
	sess, err := s.cfg.Sessions.SetLeader(r.Context(), callerID(r), chi.URLParam(r, "sessionID"), req.UserID)
	if err != nil {
		writeStoreError(r.Context(), w, err)
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

func (s *Server) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	annotateSession(r, chi.URLParam(r, "sessionID"))
	err := s.cfg.Sessions.WriteHeartbeat(r.Context(), chi.URLParam(r, "sessionID"), callerID(r), time.Now().UTC())
	if err != nil {
		writeStoreError(r.Context(), w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleRedeemInvite is the privileged code lookup: the caller is not yet a
// member, so row-level read rules do not apply. Only non-terminal sessions
// resolve.
func (s *Server) handleRedeemInvite(w http.ResponseWriter, r *http.Request) {
	code := model.NormalizeInviteCode(chi.URLParam(r, "code"))
	if !model.ValidInviteCode(code) {
		writeBadRequest(w, "invalid_code")
		return
	}
	sess, err := s.cfg.Sessions.FindByInviteCode(r.Context(), code)
	if err != nil {
		writeStoreError(r.Context(), w, err)
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

func (s *Server) handleListNotifications(w http.ResponseWriter, r *http.Request) {
	list, err := s.cfg.Notifications.ListUnread(r.Context(), callerID(r))
	if err != nil {
		writeStoreError(r.Context(), w, err)
		return
	}
	if list == nil {
		list = []*model.Notification{}
	}
	writeJSON(w, http.StatusOK, list)
}

type createNotificationRequest struct {
	UserID string                 `json:"userId"`
	Type   model.NotificationType `json:"type"`
	Title  string                 `json:"title"`
	Body   string                 `json:"body"`
	Data   map[string]string      `json:"data,omitempty"`
}

func (s *Server) handleCreateNotification(w http.ResponseWriter, r *http.Request) {
	var req createNotificationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.UserID == "" || req.Type == "" {
		writeBadRequest(w, "invalid_body")
		return
	}
	n := &model.Notification{
		ID:        uuid.NewString(),
		UserID:    req.UserID,
		Type:      req.Type,
		Title:     req.Title,
		Body:      req.Body,
		Data:      req.Data,
		CreatedAt: time.Now().UTC(),
	}
	if err := s.cfg.Notifications.CreateNotification(r.Context(), n); err != nil {
		writeStoreError(r.Context(), w, err)
		return
	}
	writeJSON(w, http.StatusCreated, n)
}

func (s *Server) handleMarkRead(w http.ResponseWriter, r *http.Request) {
	if err := s.cfg.Notifications.MarkRead(r.Context(), chi.URLParam(r, "notificationID")); err != nil {
		writeStoreError(r.Context(), w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
