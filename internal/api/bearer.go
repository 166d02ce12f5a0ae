package api

import (
	"errors"
	"net/http"
	"strings"
)

var ErrNoBearerToken = errors.New("missing or malformed Authorization header")

// BearerToken pulls the compact token out of "Authorization: Bearer <token>".
func BearerToken(r *http.Request) (string, error) {
	header := r.Header.Get("Authorization")
	if header == "" {
		return "", ErrNoBearerToken
	}

	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") || parts[1] == "" {
		return "", ErrNoBearerToken
	}

	return parts[1], nil
}
