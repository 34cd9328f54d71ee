package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/foxzi/mailsage/internal/jobs"
	"github.com/foxzi/mailsage/internal/models"
	"github.com/foxzi/mailsage/internal/quota"
	"github.com/foxzi/mailsage/internal/template"
)

// SendRequest is the request body for POST /emails/send
type SendRequest struct {
	To           string            `json:"to"`
	Subject      string            `json:"subject"`
	Body         string            `json:"body"`
	TemplateID   string            `json:"template_id"`
	Variables    map[string]string `json:"variables"`
	SMTPConfigID string            `json:"smtp_config_id"`
	CampaignID   string            `json:"campaign_id"`
	Tracking     bool              `json:"tracking"`
	Priority     int               `json:"priority"`
}

// BatchSendRequest is the request body for POST /emails/send/batch
type BatchSendRequest struct {
	Recipients   []models.Recipient `json:"recipients"`
	Subject      string             `json:"subject"`
	Body         string             `json:"body"`
	TemplateID   string             `json:"template_id"`
	SMTPConfigID string             `json:"smtp_config_id"`
	CampaignID   string             `json:"campaign_id"`
	Tracking     bool               `json:"tracking"`
	Priority     int                `json:"priority"`
}

// SendResponse is the response for accepted send requests
type SendResponse struct {
	JobID          string           `json:"job_id"`
	TrackingID     string           `json:"tracking_id"`
	Status         models.JobStatus `json:"status"`
	RecipientCount int              `json:"recipient_count"`
}

// ControlRequest is the request body for POST /emails/jobs/{id}/control
type ControlRequest struct {
	Action string `json:"action"`
	Reason string `json:"reason"`
}

// ControlResponse reports the job after a control action
type ControlResponse struct {
	JobID  string           `json:"job_id"`
	Action string           `json:"action"`
	Status models.JobStatus `json:"status"`
}

// DeliveriesResponse is one page of a job's deliveries
type DeliveriesResponse struct {
	Deliveries []models.Delivery `json:"deliveries"`
	Page       int               `json:"page"`
	PerPage    int               `json:"per_page"`
}

// HealthResponse is the response for GET /health
type HealthResponse struct {
	Status string `json:"status"`
	Uptime string `json:"uptime"`
}

// ErrorResponse is the error response
type ErrorResponse struct {
	Error     string   `json:"error"`
	Field     string   `json:"field,omitempty"`
	Missing   []string `json:"missing_variables,omitempty"`
	Limit     int      `json:"limit,omitempty"`
	Remaining *int     `json:"remaining,omitempty"`
}

const maxPerPage = 500

// handleSend handles POST /api/v1/emails/send
func (s *Server) handleSend(w http.ResponseWriter, r *http.Request) {
	var req SendRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.sendError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	s.createJob(w, r, jobs.CreateRequest{
		Recipients:      []models.Recipient{{Email: req.To, Variables: req.Variables}},
		Subject:         req.Subject,
		Body:            req.Body,
		TemplateID:      req.TemplateID,
		SMTPAccountID:   req.SMTPConfigID,
		CampaignID:      req.CampaignID,
		TrackingEnabled: req.Tracking,
		Priority:        req.Priority,
	})
}

// handleSendBatch handles POST /api/v1/emails/send/batch
func (s *Server) handleSendBatch(w http.ResponseWriter, r *http.Request) {
	var req BatchSendRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.sendError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	s.createJob(w, r, jobs.CreateRequest{
		Recipients:      req.Recipients,
		Subject:         req.Subject,
		Body:            req.Body,
		TemplateID:      req.TemplateID,
		SMTPAccountID:   req.SMTPConfigID,
		CampaignID:      req.CampaignID,
		TrackingEnabled: req.Tracking,
		Priority:        req.Priority,
	})
}

func (s *Server) createJob(w http.ResponseWriter, r *http.Request, req jobs.CreateRequest) {
	req.OwnerID = ownerFrom(r.Context())

	job, err := s.deps.Creator.CreateJob(r.Context(), req)
	if err != nil {
		s.writeJobError(w, err, "Failed to create job")
		return
	}

	s.logger.Info("job accepted via API",
		"job_id", job.ID,
		"owner", job.OwnerID,
		"recipients", job.RecipientCount,
	)

	s.sendJSON(w, http.StatusAccepted, SendResponse{
		JobID:          job.ID,
		TrackingID:     job.TrackingID,
		Status:         job.Status,
		RecipientCount: job.RecipientCount,
	})
}

// handleActiveJobs handles GET /api/v1/emails/jobs/active
func (s *Server) handleActiveJobs(w http.ResponseWriter, r *http.Request) {
	docs, err := s.deps.Controller.ActiveJobs(r.Context(), ownerFrom(r.Context()))
	if err != nil {
		s.writeJobError(w, err, "Failed to list active jobs")
		return
	}
	s.sendJSON(w, http.StatusOK, map[string]any{"jobs": docs})
}

// handleJobStatus handles GET /api/v1/emails/jobs/{id}/status
func (s *Server) handleJobStatus(w http.ResponseWriter, r *http.Request) {
	doc, err := s.deps.Controller.Progress(r.Context(), chi.URLParam(r, "id"), ownerFrom(r.Context()))
	if err != nil {
		s.writeJobError(w, err, "Failed to get job status")
		return
	}
	s.sendJSON(w, http.StatusOK, doc)
}

// handleJobControl handles POST /api/v1/emails/jobs/{id}/control
func (s *Server) handleJobControl(w http.ResponseWriter, r *http.Request) {
	var req ControlRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.sendError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	ctx := r.Context()
	id := chi.URLParam(r, "id")
	owner := ownerFrom(ctx)

	var err error
	switch req.Action {
	case "pause":
		err = s.deps.Controller.Pause(ctx, id, owner, req.Reason)
	case "resume":
		err = s.deps.Controller.Resume(ctx, id, owner)
	case "stop":
		err = s.deps.Controller.Stop(ctx, id, owner, req.Reason)
	default:
		s.sendError(w, http.StatusBadRequest, "action must be pause, resume or stop")
		return
	}
	if err != nil {
		s.writeJobError(w, err, "Failed to "+req.Action+" job")
		return
	}

	doc, err := s.deps.Controller.Progress(ctx, id, owner)
	if err != nil {
		s.writeJobError(w, err, "Failed to get job status")
		return
	}

	s.logger.Info("job control action", "job_id", id, "action", req.Action, "reason", req.Reason)
	s.sendJSON(w, http.StatusOK, ControlResponse{JobID: id, Action: req.Action, Status: doc.Status})
}

// handleDeliveries handles GET /api/v1/emails/jobs/{id}/deliveries
func (s *Server) handleDeliveries(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := chi.URLParam(r, "id")

	if _, err := s.deps.Controller.Progress(ctx, id, ownerFrom(ctx)); err != nil {
		s.writeJobError(w, err, "Failed to get job")
		return
	}

	q := r.URL.Query()
	page := queryInt(q.Get("page"), 1)
	perPage := min(queryInt(q.Get("per_page"), 50), maxPerPage)

	status := models.DeliveryStatus(q.Get("status"))
	if status != "" && !status.Valid() {
		s.sendError(w, http.StatusBadRequest, "unknown delivery status")
		return
	}

	list, err := s.deps.Deliveries.List(ctx, models.DeliveryFilter{
		JobID:  id,
		Status: status,
		Limit:  perPage,
		Offset: (page - 1) * perPage,
	})
	if err != nil {
		s.logger.Error("failed to list deliveries", "job_id", id, "error", err)
		s.sendError(w, http.StatusInternalServerError, "Failed to list deliveries")
		return
	}

	s.sendJSON(w, http.StatusOK, DeliveriesResponse{Deliveries: list, Page: page, PerPage: perPage})
}

// handleHealth handles GET /health
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.sendJSON(w, http.StatusOK, HealthResponse{
		Status: "ok",
		Uptime: time.Since(s.startTime).Round(time.Second).String(),
	})
}

// writeJobError maps pipeline errors to HTTP responses
func (s *Server) writeJobError(w http.ResponseWriter, err error, fallback string) {
	var (
		verr    *jobs.ValidationError
		missing *template.MissingVariablesError
		qerr    *quota.ExceededError
	)

	switch {
	case errors.As(err, &verr):
		s.sendJSON(w, http.StatusBadRequest, ErrorResponse{Error: verr.Error(), Field: verr.Field})
	case errors.As(err, &missing):
		s.sendJSON(w, http.StatusBadRequest, ErrorResponse{Error: err.Error(), Missing: missing.Names})
	case errors.As(err, &qerr):
		remaining := qerr.Remaining
		s.sendJSON(w, http.StatusForbidden, ErrorResponse{Error: qerr.Error(), Limit: qerr.Limit, Remaining: &remaining})
	case errors.Is(err, jobs.ErrNotFound):
		s.sendError(w, http.StatusNotFound, "Job not found")
	case errors.Is(err, jobs.ErrInvalidState):
		s.sendError(w, http.StatusConflict, err.Error())
	default:
		s.logger.Error(fallback, "error", err)
		s.sendError(w, http.StatusInternalServerError, fallback)
	}
}

// sendJSON sends a JSON response
func (s *Server) sendJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// sendError sends an error response
func (s *Server) sendError(w http.ResponseWriter, status int, message string) {
	s.sendJSON(w, status, ErrorResponse{Error: message})
}

func queryInt(v string, def int) int {
	n, err := strconv.Atoi(v)
	if err != nil || n < 1 {
		return def
	}
	return n
}
