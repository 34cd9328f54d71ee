package api

import (
	"net/http"
	"net/url"

	"github.com/go-chi/chi/v5"
)

// transparent 1x1 GIF
var pixel = []byte{
	0x47, 0x49, 0x46, 0x38, 0x39, 0x61, 0x01, 0x00, 0x01, 0x00, 0x80, 0x00, 0x00, 0x00, 0x00, 0x00,
	0xff, 0xff, 0xff, 0x21, 0xf9, 0x04, 0x01, 0x00, 0x00, 0x00, 0x00, 0x2c, 0x00, 0x00, 0x00, 0x00,
	0x01, 0x00, 0x01, 0x00, 0x00, 0x02, 0x02, 0x44, 0x01, 0x00, 0x3b,
}

// handleTrackOpen handles GET /t/o/{trackingID}. The pixel is served even
// for unknown ids so mail clients never show a broken image.
func (s *Server) handleTrackOpen(w http.ResponseWriter, r *http.Request) {
	trackingID := chi.URLParam(r, "trackingID")

	if first, err := s.deps.Deliveries.RecordOpen(r.Context(), trackingID); err != nil {
		s.logger.Error("failed to record open", "tracking_id", trackingID, "error", err)
	} else if first {
		s.logger.Debug("delivery opened", "tracking_id", trackingID)
	}

	w.Header().Set("Content-Type", "image/gif")
	w.Header().Set("Cache-Control", "no-store, no-cache, must-revalidate")
	w.WriteHeader(http.StatusOK)
	w.Write(pixel)
}

// handleTrackClick handles GET /t/c/{trackingID}?url=... and redirects to url
func (s *Server) handleTrackClick(w http.ResponseWriter, r *http.Request) {
	trackingID := chi.URLParam(r, "trackingID")

	target, err := url.Parse(r.URL.Query().Get("url"))
	if err != nil || (target.Scheme != "http" && target.Scheme != "https") || target.Host == "" {
		s.sendError(w, http.StatusBadRequest, "invalid url")
		return
	}

	if first, err := s.deps.Deliveries.RecordClick(r.Context(), trackingID); err != nil {
		s.logger.Error("failed to record click", "tracking_id", trackingID, "error", err)
	} else if first {
		s.logger.Debug("delivery clicked", "tracking_id", trackingID)
	}

	http.Redirect(w, r, target.String(), http.StatusFound)
}
