package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/mail"
	"net/url"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/foxzi/mailsage/internal/models"
	"github.com/foxzi/mailsage/internal/quota"
	"github.com/foxzi/mailsage/internal/webhook"
)

// registerManagementRoutes registers SMTP account, template and webhook routes
func (s *Server) registerManagementRoutes(r chi.Router) {
	r.Route("/smtp-configs", func(r chi.Router) {
		r.Get("/", s.handleAccountList)
		r.Post("/", s.handleAccountCreate)
	})

	r.Route("/templates", func(r chi.Router) {
		r.Get("/", s.handleTemplateList)
		r.Post("/", s.handleTemplateCreate)
		r.Get("/{id}", s.handleTemplateGet)
		r.Post("/{id}/preview", s.handleTemplatePreview)
	})

	r.Route("/webhooks", func(r chi.Router) {
		r.Get("/", s.handleWebhookList)
		r.Post("/", s.handleWebhookCreate)
	})
}

// AccountCreateRequest is the request for creating an SMTP account
type AccountCreateRequest struct {
	Name       string `json:"name"`
	Host       string `json:"host"`
	Port       int    `json:"port"`
	Username   string `json:"username"`
	Password   string `json:"password"`
	UseTLS     bool   `json:"use_tls"`
	UseSSL     bool   `json:"use_ssl"`
	FromEmail  string `json:"from_email"`
	FromName   string `json:"from_name"`
	IsDefault  bool   `json:"is_default"`
	DailyLimit int    `json:"daily_limit"`
}

// WebhookCreateRequest is the request for creating a webhook subscription
type WebhookCreateRequest struct {
	URL         string   `json:"url"`
	Events      []string `json:"events"`
	Secret      string   `json:"secret"`
	Description string   `json:"description"`
}

// handleAccountList handles GET /api/v1/smtp-configs
func (s *Server) handleAccountList(w http.ResponseWriter, r *http.Request) {
	list, err := s.deps.Accounts.ListByOwner(r.Context(), ownerFrom(r.Context()))
	if err != nil {
		s.logger.Error("failed to list smtp accounts", "error", err)
		s.sendError(w, http.StatusInternalServerError, "Failed to list SMTP configurations")
		return
	}
	s.sendJSON(w, http.StatusOK, map[string]any{"smtp_configs": list})
}

// handleAccountCreate handles POST /api/v1/smtp-configs
func (s *Server) handleAccountCreate(w http.ResponseWriter, r *http.Request) {
	var req AccountCreateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.sendError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	if req.Host == "" {
		s.sendError(w, http.StatusBadRequest, "host is required")
		return
	}
	if req.Port <= 0 || req.Port > 65535 {
		s.sendError(w, http.StatusBadRequest, "port must be between 1 and 65535")
		return
	}
	if _, err := mail.ParseAddress(req.FromEmail); err != nil {
		s.sendError(w, http.StatusBadRequest, "from_email is not a valid address")
		return
	}
	if req.DailyLimit < 0 {
		s.sendError(w, http.StatusBadRequest, "daily_limit cannot be negative")
		return
	}

	account := &models.SMTPAccount{
		OwnerID:    ownerFrom(r.Context()),
		Name:       req.Name,
		Host:       req.Host,
		Port:       req.Port,
		Username:   req.Username,
		Password:   req.Password,
		UseTLS:     req.UseTLS,
		UseSSL:     req.UseSSL,
		FromEmail:  req.FromEmail,
		FromName:   req.FromName,
		IsDefault:  req.IsDefault,
		IsActive:   true,
		DailyLimit: req.DailyLimit,
	}
	if err := s.deps.Accounts.Create(r.Context(), account); err != nil {
		s.logger.Error("failed to create smtp account", "error", err)
		s.sendError(w, http.StatusInternalServerError, "Failed to create SMTP configuration")
		return
	}

	s.logger.Info("smtp account created", "account_id", account.ID, "owner", account.OwnerID, "host", account.Host)
	s.sendJSON(w, http.StatusCreated, account)
}

// handleWebhookList handles GET /api/v1/webhooks
func (s *Server) handleWebhookList(w http.ResponseWriter, r *http.Request) {
	list, err := s.deps.Webhooks.ListByOwner(r.Context(), ownerFrom(r.Context()))
	if err != nil {
		s.logger.Error("failed to list webhooks", "error", err)
		s.sendError(w, http.StatusInternalServerError, "Failed to list webhooks")
		return
	}
	s.sendJSON(w, http.StatusOK, map[string]any{"webhooks": list})
}

// handleWebhookCreate handles POST /api/v1/webhooks
func (s *Server) handleWebhookCreate(w http.ResponseWriter, r *http.Request) {
	var req WebhookCreateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.sendError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	u, err := url.Parse(req.URL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		s.sendError(w, http.StatusBadRequest, "url must be an absolute http(s) URL")
		return
	}
	if len(req.Events) == 0 {
		s.sendError(w, http.StatusBadRequest, "at least one event is required")
		return
	}
	for _, e := range req.Events {
		if !webhook.ValidEvent(e) {
			s.sendError(w, http.StatusBadRequest, "unknown event "+e+"; valid events: "+strings.Join(webhook.Events, ", "))
			return
		}
	}
	if len(req.Secret) < 16 {
		s.sendError(w, http.StatusBadRequest, "secret must be at least 16 characters")
		return
	}

	owner := ownerFrom(r.Context())
	if err := s.deps.Quota.CheckWebhooks(r.Context(), owner, s.deps.Webhooks); err != nil {
		var qerr *quota.ExceededError
		if errors.As(err, &qerr) {
			s.writeJobError(w, err, "")
			return
		}
		s.logger.Error("failed to check webhook quota", "error", err)
		s.sendError(w, http.StatusInternalServerError, "Failed to create webhook")
		return
	}

	hook := &models.Webhook{
		OwnerID:     owner,
		URL:         req.URL,
		Events:      req.Events,
		Secret:      req.Secret,
		Description: req.Description,
	}
	if err := s.deps.Webhooks.Create(r.Context(), hook); err != nil {
		s.logger.Error("failed to create webhook", "error", err)
		s.sendError(w, http.StatusInternalServerError, "Failed to create webhook")
		return
	}

	s.logger.Info("webhook created", "webhook_id", hook.ID, "owner", owner)
	s.sendJSON(w, http.StatusCreated, hook)
}
