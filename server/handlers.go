package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strings"

	"github.com/obsdeck/backoffice/state"
	"github.com/rs/zerolog/log"
)

// writeJSONResponse writes {"data": data}
func writeJSONResponse(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(map[string]interface{}{"data": data}); err != nil {
		log.Error().Err(err).Msg("Failed to encode JSON response")
	}
}

// writeErrorResponse writes {"error": message}
func writeErrorResponse(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(map[string]interface{}{"error": message}); err != nil {
		log.Error().Err(err).Msg("Failed to encode error response")
	}
}

// statusFor maps state errors onto HTTP statuses.
func statusFor(err error) int {
	switch {
	case errors.Is(err, state.ErrNotFound), errors.Is(err, state.ErrDetached):
		return http.StatusNotFound
	case errors.Is(err, state.ErrNotContainer):
		return http.StatusConflict
	case errors.Is(err, state.ErrInvalidValue), errors.Is(err, state.ErrInvalidIndex):
		return http.StatusBadRequest
	}
	return http.StatusInternalServerError
}

// parseURLPath splits the wildcard part of /state/* into keys. Segments are
// separated by "/" and may be percent-encoded, so keys can contain slashes.
func parseURLPath(raw string) (state.Path, error) {
	raw = strings.Trim(raw, "/")
	if raw == "" {
		return nil, nil
	}
	parts := strings.Split(raw, "/")
	path := make(state.Path, 0, len(parts))
	for _, p := range parts {
		if p == "" {
			continue
		}
		key, err := url.PathUnescape(p)
		if err != nil {
			return nil, err
		}
		path = append(path, key)
	}
	return path, nil
}
