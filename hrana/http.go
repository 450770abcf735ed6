package hrana

import (
	"encoding/json"
	"net/http"

	"github.com/teranos/buntime/logger"
)

// Headers selecting the database behind a pipeline request.
const (
	HeaderAdapter   = "x-database-adapter"
	HeaderNamespace = "x-database-namespace"
)

// maxPipelineBytes bounds a pipeline body. Matches the worker protocol's
// message cap so a worker can always relay what it received.
const maxPipelineBytes = 32 << 20

// HandlePipeline is the HTTP face of Pipeline: POST in, one JSON document
// out. Transport-level problems (wrong method, unreadable body) are the
// only things that produce non-200 answers; everything past decoding is
// expressed inside the pipeline response.
func (s *Server) HandlePipeline(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxPipelineBytes)
	var req PipelineRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid pipeline body: "+err.Error())
		return
	}

	resp := s.Pipeline(r.Context(), r.Header.Get(HeaderAdapter), r.Header.Get(HeaderNamespace), &req)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		s.log.Errorw("Failed to encode pipeline response", logger.FieldError, err)
	}
}

func writeJSONError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}
