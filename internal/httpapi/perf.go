package httpapi

import "net/http"

func (s *Server) handlePerfLatency(w http.ResponseWriter, _ *http.Request) {
	if s.stages == nil {
		respondError(w, http.StatusServiceUnavailable, "unavailable", "latency window disabled")
		return
	}
	respondJSON(w, http.StatusOK, s.stages.Snapshot())
}

func (s *Server) handlePerfLatencyReset(w http.ResponseWriter, _ *http.Request) {
	if s.stages == nil {
		respondError(w, http.StatusServiceUnavailable, "unavailable", "latency window disabled")
		return
	}
	s.stages.Reset()
	w.WriteHeader(http.StatusNoContent)
}
