// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package api

import (
	"crypto/subtle"
	"net/http"
	"strings"
)

// write wraps a handler with operator authentication. With no tokens
// configured the API is read-only and every write is rejected.
func (s *Server) write(h http.HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if len(s.cfg.OperatorTokens) == 0 {
			WriteError(w, http.StatusForbidden, "api is read-only: no operator tokens configured")
			return
		}
		if !s.authorized(r) {
			WriteError(w, http.StatusUnauthorized, "operator token required")
			return
		}
		h(w, r)
	})
}

// read wraps a read handler; deployments choose between open reads and
// operator-only reads.
func (s *Server) read(h http.HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.cfg.OpenReads && !s.authorized(r) {
			WriteError(w, http.StatusUnauthorized, "operator token required")
			return
		}
		h(w, r)
	})
}

func (s *Server) authorized(r *http.Request) bool {
	header := r.Header.Get("Authorization")
	token, ok := strings.CutPrefix(header, "Bearer ")
	if !ok || token == "" {
		return false
	}
	for _, want := range s.cfg.OperatorTokens {
		if subtle.ConstantTimeCompare([]byte(token), []byte(want)) == 1 {
			return true
		}
	}
	return false
}
