// Copyright 2025 Brian Wang <wangbuke@gmail.com>
// SPDX-License-Identifier: Apache-2.0

package httpapi

import (
	"net/http"

	jssandbox "github.com/buke/js-sandbox"
)

type healthResponse struct {
	Status string `json:"status"`
	jssandbox.Stats
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	stats := s.dispatcher.Stats()
	if !stats.Running {
		s.writeJSON(w, http.StatusServiceUnavailable, healthResponse{Status: "stopped", Stats: stats})
		return
	}
	s.writeJSON(w, http.StatusOK, healthResponse{Status: "ok", Stats: stats})
}
