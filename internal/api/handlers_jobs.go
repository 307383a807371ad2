package api

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	apperrors "github.com/auction-finalizer/internal/errors"
	"github.com/auction-finalizer/internal/job"
	"github.com/auction-finalizer/internal/models"
	"github.com/auction-finalizer/internal/service"
)

// FailedJobsResponse lists terminal jobs
type FailedJobsResponse struct {
	Jobs  []*models.JobRecord `json:"jobs"`
	Count int                 `json:"count"`
}

// QueueStatsResponse reports queue counts
type QueueStatsResponse struct {
	models.QueueStats
	Depth int64 `json:"depth"`
}

// RetryResponse confirms an operator requeue
type RetryResponse struct {
	JobID  string `json:"jobId"`
	Status string `json:"status"`
}

// handleScan runs one scan cycle synchronously
func (s *Server) handleScan(w http.ResponseWriter, r *http.Request) {
	if s.scanner == nil {
		respondError(w, http.StatusServiceUnavailable, ErrCodeServiceUnavailable, "scanner is not configured on this instance", nil)
		return
	}

	result, err := s.scanner.ScanAndEnqueue(r.Context())
	if errors.Is(err, service.ErrScanInProgress) {
		respondAppError(w, apperrors.NewScanInProgressError(err))
		return
	}
	if err != nil {
		s.logger.WithError(err).Warn("Manual scan failed")
		respondAppError(w, err)
		return
	}

	respondJSON(w, http.StatusOK, result)
}

// handleListFailed lists terminal-failed jobs, most recent first
func (s *Server) handleListFailed(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			respondError(w, http.StatusBadRequest, ErrCodeInvalidInput, "limit must be a positive integer", map[string]interface{}{
				"limit": raw,
			})
			return
		}
		limit = n
	}

	jobs, err := s.jobs.ListFailed(r.Context(), job.ClampLimit(limit))
	if err != nil {
		s.logger.WithError(err).Error("Failed to list failed jobs")
		respondAppError(w, err)
		return
	}
	if jobs == nil {
		jobs = []*models.JobRecord{}
	}

	respondJSON(w, http.StatusOK, FailedJobsResponse{Jobs: jobs, Count: len(jobs)})
}

// handleRetryJob moves a terminal job back to pending
func (s *Server) handleRetryJob(w http.ResponseWriter, r *http.Request) {
	jobID := mux.Vars(r)["id"]
	if _, _, err := job.ParseKey(jobID); err != nil {
		respondAppError(w, apperrors.NewInvalidParameterError("id", err.Error()))
		return
	}

	err := s.jobs.Requeue(r.Context(), jobID)
	switch {
	case errors.Is(err, job.ErrJobNotFound):
		respondAppError(w, apperrors.NewNotFoundError("job", jobID))
		return
	case errors.Is(err, job.ErrNotFailed), errors.Is(err, job.ErrAuctionHasLiveJob):
		respondAppError(w, apperrors.NewConflictError(err.Error(), err))
		return
	case err != nil:
		s.logger.WithError(err).WithField("jobId", jobID).Error("Failed to requeue job")
		respondAppError(w, err)
		return
	}

	s.logger.WithField("jobId", jobID).Info("Job requeued by operator")
	respondJSON(w, http.StatusAccepted, RetryResponse{JobID: jobID, Status: "pending"})
}

// handleQueueStats reports pending, leased and failed counts
func (s *Server) handleQueueStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.jobs.Stats(r.Context())
	if err != nil {
		s.logger.WithError(err).Error("Failed to read queue stats")
		respondAppError(w, err)
		return
	}

	respondJSON(w, http.StatusOK, QueueStatsResponse{QueueStats: *stats, Depth: stats.Depth()})
}

// handleStatus reports worker pool, reaper and scanner status
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if s.status == nil {
		respondError(w, http.StatusServiceUnavailable, ErrCodeServiceUnavailable, "status is not available on this instance", nil)
		return
	}
	respondJSON(w, http.StatusOK, s.status())
}
