// Package api exposes the management surface: listing and editing posts,
// driving their lifecycle, and managing repository monitors.
package api

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strings"

	"autopost/pkg/lifecycle"
	"autopost/pkg/storage"
)

// PostsHandler lists a user's posts.
type PostsHandler struct {
	Manager *lifecycle.Manager
	Logger  *log.Logger
}

func (h *PostsHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	userID := strings.TrimSpace(r.URL.Query().Get("user_id"))
	if userID == "" {
		http.Error(w, "missing user_id", http.StatusBadRequest)
		return
	}
	records, err := h.Manager.ListPosts(r.Context(), userID)
	if err != nil {
		http.Error(w, "list posts failed", http.StatusInternalServerError)
		if h.Logger != nil {
			h.Logger.Printf("list posts failed: %v", err)
		}
		return
	}
	writeJSON(w, records)
}

// CustomizeHandler replaces a draft's content with the user's edit.
type CustomizeHandler struct {
	Manager *lifecycle.Manager
	Logger  *log.Logger
}

type customizeRequest struct {
	PostID  string `json:"post_id"`
	UserID  string `json:"user_id"`
	Content string `json:"content"`
}

func (h *CustomizeHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req customizeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.PostID == "" || req.UserID == "" || strings.TrimSpace(req.Content) == "" {
		http.Error(w, "post_id, user_id and content are required", http.StatusBadRequest)
		return
	}
	if err := h.Manager.Customize(r.Context(), req.PostID, req.UserID, req.Content); err != nil {
		writeLifecycleError(w, h.Logger, "customize", err)
		return
	}
	writeJSON(w, map[string]string{"status": "ok"})
}

// PublishHandler queues a post for publishing.
type PublishHandler struct {
	Manager *lifecycle.Manager
	Logger  *log.Logger
}

type postActionRequest struct {
	PostID string `json:"post_id"`
	UserID string `json:"user_id"`
}

func (h *PublishHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req postActionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.PostID == "" || req.UserID == "" {
		http.Error(w, "post_id and user_id are required", http.StatusBadRequest)
		return
	}
	if err := h.Manager.RequestPublish(r.Context(), req.PostID, req.UserID); err != nil {
		writeLifecycleError(w, h.Logger, "publish", err)
		return
	}
	writeJSON(w, map[string]string{"status": "queued"})
}

// DeleteHandler removes a post. A post mid-publish is marked and removed
// once its in-flight attempt settles.
type DeleteHandler struct {
	Manager *lifecycle.Manager
	Logger  *log.Logger
}

func (h *DeleteHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost && r.Method != http.MethodDelete {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req postActionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.PostID == "" || req.UserID == "" {
		http.Error(w, "post_id and user_id are required", http.StatusBadRequest)
		return
	}
	if err := h.Manager.Delete(r.Context(), req.PostID, req.UserID); err != nil {
		writeLifecycleError(w, h.Logger, "delete", err)
		return
	}
	writeJSON(w, map[string]string{"status": "deleted"})
}

// MonitorsHandler lists a user's repository monitors.
type MonitorsHandler struct {
	Store  storage.MonitorStore
	Logger *log.Logger
}

func (h *MonitorsHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	userID := strings.TrimSpace(r.URL.Query().Get("user_id"))
	if userID == "" {
		http.Error(w, "missing user_id", http.StatusBadRequest)
		return
	}
	records, err := h.Store.ListByUser(r.Context(), userID)
	if err != nil {
		http.Error(w, "list monitors failed", http.StatusInternalServerError)
		if h.Logger != nil {
			h.Logger.Printf("list monitors failed: %v", err)
		}
		return
	}
	writeJSON(w, records)
}

// UpsertMonitorHandler creates or updates a repository monitor.
type UpsertMonitorHandler struct {
	Store  storage.MonitorStore
	Logger *log.Logger
}

type upsertMonitorRequest struct {
	RepositoryID     string   `json:"repository_id"`
	RepositoryName   string   `json:"repository_name"`
	UserID           string   `json:"user_id"`
	Active           *bool    `json:"active"`
	EventTypeFilters []string `json:"event_type_filters"`
	Rules            []string `json:"rules"`
	Tone             string   `json:"tone"`
}

func (h *UpsertMonitorHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req upsertMonitorRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.RepositoryID == "" || req.UserID == "" {
		http.Error(w, "repository_id and user_id are required", http.StatusBadRequest)
		return
	}
	active := true
	if req.Active != nil {
		active = *req.Active
	}
	record := storage.MonitorRecord{
		RepositoryID:     req.RepositoryID,
		RepositoryName:   req.RepositoryName,
		UserID:           req.UserID,
		Active:           active,
		EventTypeFilters: req.EventTypeFilters,
		Rules:            req.Rules,
		Tone:             req.Tone,
	}
	if err := h.Store.Upsert(r.Context(), record); err != nil {
		http.Error(w, "upsert monitor failed", http.StatusInternalServerError)
		if h.Logger != nil {
			h.Logger.Printf("upsert monitor failed: %v", err)
		}
		return
	}
	writeJSON(w, map[string]string{"status": "ok"})
}

// ToggleMonitorHandler flips monitoring on or off without losing the
// monitor's history or high-water mark.
type ToggleMonitorHandler struct {
	Store  storage.MonitorStore
	Logger *log.Logger
}

type toggleMonitorRequest struct {
	RepositoryID string `json:"repository_id"`
	Active       bool   `json:"active"`
}

func (h *ToggleMonitorHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req toggleMonitorRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.RepositoryID == "" {
		http.Error(w, "repository_id is required", http.StatusBadRequest)
		return
	}
	if err := h.Store.SetActive(r.Context(), req.RepositoryID, req.Active); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			http.Error(w, "monitor not found", http.StatusNotFound)
			return
		}
		http.Error(w, "toggle monitor failed", http.StatusInternalServerError)
		if h.Logger != nil {
			h.Logger.Printf("toggle monitor failed: %v", err)
		}
		return
	}
	writeJSON(w, map[string]string{"status": "ok"})
}

// EventLogHandler returns the audit trail for one delivery ID.
type EventLogHandler struct {
	Store  storage.EventStore
	Logger *log.Logger
}

func (h *EventLogHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	eventID := strings.TrimSpace(r.URL.Query().Get("event_id"))
	if eventID == "" {
		http.Error(w, "missing event_id", http.StatusBadRequest)
		return
	}
	records, err := h.Store.GetLog(r.Context(), eventID)
	if err != nil {
		http.Error(w, "event log lookup failed", http.StatusInternalServerError)
		if h.Logger != nil {
			h.Logger.Printf("event log lookup failed: %v", err)
		}
		return
	}
	writeJSON(w, records)
}

func writeJSON(w http.ResponseWriter, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(payload)
}

// writeLifecycleError maps lifecycle failures to HTTP statuses: a state
// conflict is 409, a missing or foreign post is 404.
func writeLifecycleError(w http.ResponseWriter, logger *log.Logger, action string, err error) {
	var invalid *lifecycle.InvalidTransitionError
	switch {
	case errors.As(err, &invalid):
		http.Error(w, invalid.Error(), http.StatusConflict)
	case errors.Is(err, storage.ErrNotFound), errors.Is(err, lifecycle.ErrNotOwner):
		http.Error(w, "post not found", http.StatusNotFound)
	default:
		http.Error(w, action+" failed", http.StatusInternalServerError)
		if logger != nil {
			logger.Printf("%s failed: %v", action, err)
		}
	}
}
