package httpapi

import (
	"encoding/json"
	"errors"
	"net"
	"net/http"

	"go.uber.org/zap"

	"github.com/aims-io/aims/internal/apperr"
	"github.com/aims-io/aims/internal/authz"
	"github.com/aims-io/aims/pkg/types"
)

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	Detail string `json:"detail"`
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if body != nil {
		json.NewEncoder(w).Encode(body)
	}
}

func writeError(w http.ResponseWriter, status int, detail string) {
	writeJSON(w, status, ErrorResponse{Detail: detail})
}

// writeServiceError maps a service failure onto its HTTP shape. Anything
// without an explicit status is a 500.
func (s *Server) writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	var appErr *apperr.Error
	if errors.As(err, &appErr) {
		writeError(w, appErr.Status, appErr.Detail)
		return
	}

	var verrs types.ValidationErrors
	if errors.As(err, &verrs) {
		writeError(w, http.StatusUnprocessableEntity, verrs.Error())
		return
	}

	var capErr *authz.CapabilityError
	if errors.As(err, &capErr) {
		writeError(w, http.StatusForbidden, capErr.Error())
		return
	}

	switch {
	case errors.Is(err, authz.ErrMissingToken):
		writeError(w, http.StatusUnauthorized, "Not authenticated")
	case errors.Is(err, authz.ErrInvalidToken):
		writeError(w, http.StatusUnauthorized, "Invalid or expired token")
	default:
		s.logger.Error("request failed",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Error(err),
		)
		writeError(w, http.StatusInternalServerError, "Internal server error")
	}
}

func decodeJSON(r *http.Request, dst interface{}) error {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		return apperr.New(http.StatusUnprocessableEntity, "Invalid request body")
	}
	return nil
}

// clientIP extracts the remote address without the port, "unknown" when the
// transport did not provide one.
func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	if host == "" {
		return "unknown"
	}
	return host
}
