package handler

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"xthreadcraft/internal/models"
	"xthreadcraft/internal/service"
)

// maxBodyBytes bounds request bodies.
const maxBodyBytes = 64 << 10

// DeletionHandler serves the scheduled-deletion API.
type DeletionHandler struct {
	svc *service.DeletionService
}

// NewDeletionHandler creates a handler backed by svc.
func NewDeletionHandler(svc *service.DeletionService) *DeletionHandler {
	return &DeletionHandler{svc: svc}
}

type scheduleRequest struct {
	PostID        string `json:"post_id"`
	ScheduledTime string `json:"scheduled_time"`
	PostText      string `json:"post_text"`
}

type bulkDeleteRequest struct {
	PostIDs []string `json:"post_ids"`
}

type scheduledDeletionView struct {
	ID            string     `json:"id"`
	PostID        string     `json:"post_id"`
	PostText      string     `json:"post_text"`
	ScheduledTime time.Time  `json:"scheduled_time"`
	CreatedAt     time.Time  `json:"created_at"`
	Status        string     `json:"status"`
	Attempts      int        `json:"attempts"`
	NextAttemptAt *time.Time `json:"next_attempt_at,omitempty"`
	LastError     string     `json:"last_error,omitempty"`
	ExecutedAt    *time.Time `json:"executed_at,omitempty"`
}

type metricsView struct {
	Impressions *int `json:"impressions"`
	Likes       *int `json:"likes"`
	Retweets    *int `json:"retweets"`
	Replies     *int `json:"replies"`
}

type deletedPostView struct {
	ID                  string       `json:"id"`
	PostID              string       `json:"post_id"`
	PostText            string       `json:"post_text"`
	DeletedAt           time.Time    `json:"deleted_at"`
	ScheduledDeletionID *string      `json:"scheduled_deletion_id,omitempty"`
	Metrics             *metricsView `json:"metrics"`
}

type historyPage struct {
	Items  []deletedPostView `json:"items"`
	Total  int64             `json:"total"`
	Limit  int               `json:"limit"`
	Offset int               `json:"offset"`
}

func toScheduledDeletionView(d *models.ScheduledDeletion) scheduledDeletionView {
	return scheduledDeletionView{
		ID:            d.ID,
		PostID:        d.PostID,
		PostText:      d.PostText,
		ScheduledTime: d.ScheduledTime.UTC(),
		CreatedAt:     d.CreatedAt.UTC(),
		Status:        string(d.Status),
		Attempts:      d.Attempts,
		NextAttemptAt: d.NextAttemptAt,
		LastError:     d.LastError,
		ExecutedAt:    d.ExecutedAt,
	}
}

func toDeletedPostView(p *models.DeletedPost) deletedPostView {
	v := deletedPostView{
		ID:                  p.ID,
		PostID:              p.PostID,
		PostText:            p.PostText,
		DeletedAt:           p.DeletedAt.UTC(),
		ScheduledDeletionID: p.ScheduledDeletionID,
	}
	// null renders as "N/A" in the dashboard
	if p.Metrics.Known() {
		v.Metrics = &metricsView{
			Impressions: p.Metrics.Impressions,
			Likes:       p.Metrics.Likes,
			Retweets:    p.Metrics.Retweets,
			Replies:     p.Metrics.Replies,
		}
	}
	return v
}

// Schedule handles POST /scheduled-deletions.
func (h *DeletionHandler) Schedule(w http.ResponseWriter, r *http.Request) {
	owner, ok := OwnerFrom(r.Context())
	if !ok {
		writeError(w, r, http.StatusUnauthorized, "UNAUTHORIZED", "invalid user")
		return
	}
	var req scheduleRequest
	if !decodeBody(w, r, &req) {
		return
	}

	d, err := h.svc.ScheduleDeletion(r.Context(), owner, req.PostID, req.ScheduledTime, req.PostText)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusCreated, toScheduledDeletionView(d))
}

// List handles GET /scheduled-deletions?status=pending,failed.
func (h *DeletionHandler) List(w http.ResponseWriter, r *http.Request) {
	owner, ok := OwnerFrom(r.Context())
	if !ok {
		writeError(w, r, http.StatusUnauthorized, "UNAUTHORIZED", "invalid user")
		return
	}

	var statuses []models.DeletionStatus
	if raw := r.URL.Query().Get("status"); raw != "" {
		for _, part := range strings.Split(raw, ",") {
			s, err := models.ParseDeletionStatus(part)
			if err != nil {
				writeServiceError(w, r, err)
				return
			}
			statuses = append(statuses, s)
		}
	}

	list, err := h.svc.ListScheduledDeletions(r.Context(), owner, statuses...)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	views := make([]scheduledDeletionView, 0, len(list))
	for i := range list {
		views = append(views, toScheduledDeletionView(&list[i]))
	}
	writeJSON(w, r, http.StatusOK, views)
}

// Cancel handles DELETE /scheduled-deletions/{id}.
func (h *DeletionHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	owner, ok := OwnerFrom(r.Context())
	if !ok {
		writeError(w, r, http.StatusUnauthorized, "UNAUTHORIZED", "invalid user")
		return
	}

	cancelled, err := h.svc.CancelScheduledDeletion(r.Context(), owner, chi.URLParam(r, "id"))
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, map[string]bool{"success": cancelled})
}

// DeleteNow handles DELETE /posts/{postID}.
func (h *DeletionHandler) DeleteNow(w http.ResponseWriter, r *http.Request) {
	owner, ok := OwnerFrom(r.Context())
	if !ok {
		writeError(w, r, http.StatusUnauthorized, "UNAUTHORIZED", "invalid user")
		return
	}

	deleted, err := h.svc.DeleteNow(r.Context(), owner, chi.URLParam(r, "postID"))
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, map[string]bool{"success": deleted})
}

// DeleteMany handles POST /posts/delete.
func (h *DeletionHandler) DeleteMany(w http.ResponseWriter, r *http.Request) {
	owner, ok := OwnerFrom(r.Context())
	if !ok {
		writeError(w, r, http.StatusUnauthorized, "UNAUTHORIZED", "invalid user")
		return
	}
	var req bulkDeleteRequest
	if !decodeBody(w, r, &req) {
		return
	}

	result, err := h.svc.DeleteMany(r.Context(), owner, req.PostIDs)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, result)
}

// History handles GET /deleted-posts?limit=&offset=.
func (h *DeletionHandler) History(w http.ResponseWriter, r *http.Request) {
	owner, ok := OwnerFrom(r.Context())
	if !ok {
		writeError(w, r, http.StatusUnauthorized, "UNAUTHORIZED", "invalid user")
		return
	}

	limit, okLimit := queryInt(r, "limit", 50)
	offset, okOffset := queryInt(r, "offset", 0)
	if !okLimit || !okOffset {
		writeError(w, r, http.StatusBadRequest, "BAD_REQUEST", "limit and offset must be integers")
		return
	}

	posts, total, err := h.svc.ListDeletedHistory(r.Context(), owner, limit, offset)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	page := historyPage{Items: make([]deletedPostView, 0, len(posts)), Total: total, Limit: limit, Offset: offset}
	for i := range posts {
		page.Items = append(page.Items, toDeletedPostView(&posts[i]))
	}
	writeJSON(w, r, http.StatusOK, page)
}

func decodeBody(w http.ResponseWriter, r *http.Request, dst interface{}) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		writeError(w, r, http.StatusBadRequest, "BAD_REQUEST", "invalid request body")
		return false
	}
	return true
}

func queryInt(r *http.Request, key string, fallback int) (int, bool) {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return fallback, true
	}
	v, err := strconv.Atoi(raw)
	return v, err == nil
}
