package server

import (
	"encoding/json"
	"net/http"

	"github.com/MrWong99/voiceshield/internal/analyze"
	"github.com/MrWong99/voiceshield/internal/observe"
)

const maxAnalyzeBody = 64 << 10

func (s *Server) handleAnalyze(w http.ResponseWriter, r *http.Request) {
	var req analyze.Request
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxAnalyzeBody)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if req.Language == "" {
		req.Language = "en"
	}

	res, err := s.cfg.Analyzer.Analyze(r.Context(), req)
	if err != nil {
		observe.Logger(r.Context()).Error("server: analyze failed", "err", err)
		writeError(w, http.StatusInternalServerError, "analysis failed")
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
