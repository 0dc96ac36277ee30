package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/JakeFAU/labelscan/internal/dispatcher"
	"github.com/JakeFAU/labelscan/internal/verify"
)

const (
	defaultResultsLimit = 24
	maxResultsLimit     = 24
	ownerHeader         = "X-Owner-ID"
)

type enqueueRequest struct {
	ProductID string   `json:"product_id"`
	ImageURLs []string `json:"images_urls"`
}

type resultDTO struct {
	ProductID string `json:"product_id"`
	ImageURL  string `json:"image_url"`
	ImageText string `json:"image_text"`
}

// taskCounts handles GET /api/v1/tasks.
func (s *Server) taskCounts(w http.ResponseWriter, _ *http.Request) {
	running, pending := 0, 0
	if s.deps.Tasks != nil {
		running = s.deps.Tasks.ActiveCount()
		pending = s.deps.Tasks.PendingCount()
	}
	writeJSON(w, http.StatusOK, map[string]int{
		"running_tasks": running,
		"pending_tasks": pending,
	})
}

// liveTasks handles GET /api/v1/tasks/live.
func (s *Server) liveTasks(w http.ResponseWriter, _ *http.Request) {
	tasks := []dispatcher.Task{}
	if s.deps.Tasks != nil {
		tasks = s.deps.Tasks.Snapshot()
	}
	writeJSON(w, http.StatusOK, map[string]any{"tasks": tasks})
}

// startProcessing handles GET|POST /api/v1/urls/start_processing. It returns
// once every unit is scheduled, not when units finish.
func (s *Server) startProcessing(w http.ResponseWriter, r *http.Request) {
	owner, err := s.ownerID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	report, err := s.deps.Drainer.Drain(r.Context(), owner)
	if err != nil {
		var queueErr *verify.QueueError
		switch {
		case errors.Is(err, dispatcher.ErrShuttingDown):
			writeError(w, http.StatusServiceUnavailable, "shutting down")
		case errors.As(err, &queueErr):
			s.logger.Error("drain failed", zap.Error(err))
			writeError(w, http.StatusServiceUnavailable, "queue unavailable")
		default:
			s.logger.Error("drain failed", zap.Error(err))
			writeError(w, http.StatusInternalServerError, "drain failed")
		}
		return
	}
	writeJSON(w, http.StatusOK, report)
}

// enqueue handles POST /api/v1/urls.
func (s *Server) enqueue(w http.ResponseWriter, r *http.Request) {
	var req enqueueRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	productID := strings.TrimSpace(req.ProductID)
	if productID == "" {
		writeError(w, http.StatusBadRequest, "product_id required")
		return
	}
	urls := verify.NormalizeURLs(req.ImageURLs)
	if len(urls) == 0 {
		writeError(w, http.StatusBadRequest, "images_urls required")
		return
	}
	for _, u := range urls {
		if !verify.ValidImageURL(u) {
			writeError(w, http.StatusBadRequest, "invalid image url: "+u)
			return
		}
	}
	key := verify.JobKey(productID)
	if err := s.deps.Queue.AddMembers(r.Context(), key, urls...); err != nil {
		s.logger.Error("enqueue failed", zap.String("key", key), zap.Error(err))
		writeError(w, http.StatusServiceUnavailable, "queue unavailable")
		return
	}
	writeJSON(w, http.StatusCreated, verify.Job{Key: key, ProductID: productID, URLs: urls})
}

// listPending handles GET /api/v1/urls.
func (s *Server) listPending(w http.ResponseWriter, r *http.Request) {
	keys, err := s.deps.Queue.ListKeys(r.Context(), verify.JobKeyPattern)
	if err != nil {
		s.logger.Error("list pending failed", zap.Error(err))
		writeError(w, http.StatusServiceUnavailable, "queue unavailable")
		return
	}
	ids := make([]string, 0, len(keys))
	for _, k := range keys {
		if verify.IsJobKey(k) {
			ids = append(ids, k)
		}
	}
	writeJSON(w, http.StatusOK, map[string][]string{"ids": ids})
}

// deletePending handles DELETE /api/v1/urls/{product_id}.
func (s *Server) deletePending(w http.ResponseWriter, r *http.Request) {
	productID := strings.TrimSpace(chi.URLParam(r, "product_id"))
	if productID == "" {
		writeError(w, http.StatusBadRequest, "product_id required")
		return
	}
	key := verify.JobKey(productID)
	if err := s.deps.Queue.Delete(r.Context(), key); err != nil {
		s.logger.Error("delete pending failed", zap.String("key", key), zap.Error(err))
		writeError(w, http.StatusServiceUnavailable, "queue unavailable")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// listResults handles GET /api/v1/results?limit=&offset=.
func (s *Server) listResults(w http.ResponseWriter, r *http.Request) {
	owner, err := s.ownerID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	limit, offset, err := parseLimitOffset(r, defaultResultsLimit, maxResultsLimit)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	records, total, err := s.deps.Records.ListByOwner(r.Context(), owner, limit, offset)
	if err != nil {
		s.logger.Error("list results failed", zap.Int64("owner_id", owner), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to list results")
		return
	}
	results := make([]resultDTO, 0, len(records))
	for _, rec := range records {
		results = append(results, resultDTO{ProductID: rec.ProductID, ImageURL: rec.ImageURL, ImageText: rec.ImageText})
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"count":   total,
		"results": results,
	})
}

func (s *Server) ownerID(r *http.Request) (int64, error) {
	raw := strings.TrimSpace(r.Header.Get(ownerHeader))
	if raw == "" {
		return s.cfg.Auth.DefaultOwnerID, nil
	}
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		return 0, errors.New("invalid owner id")
	}
	return id, nil
}

func parseLimitOffset(r *http.Request, def, maxLimit int) (int, int, error) {
	q := r.URL.Query()
	limit := def
	if limStr := q.Get("limit"); limStr != "" {
		val, err := strconv.Atoi(limStr)
		if err != nil || val <= 0 {
			return 0, 0, errors.New("invalid limit")
		}
		if val > maxLimit {
			val = maxLimit
		}
		limit = val
	}
	offset := 0
	if offStr := q.Get("offset"); offStr != "" {
		val, err := strconv.Atoi(offStr)
		if err != nil || val < 0 {
			return 0, 0, errors.New("invalid offset")
		}
		offset = val
	}
	return limit, offset, nil
}
