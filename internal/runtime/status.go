package runtime

import (
	"errors"
	"net/http"
	"strings"

	errspkg "github.com/sipcic/outbound-processor/internal/runtime/errors"
	jsoncodec "github.com/sipcic/outbound-processor/internal/runtime/jsoncodec"
	loggingpkg "github.com/sipcic/outbound-processor/internal/runtime/logging"
)

// DeadLetterStatus is the body of GET /api/deadletter.
type DeadLetterStatus struct {
	Queue   string             `json:"queue"`
	Metrics DeadLetterSnapshot `json:"metrics"`
	// Stored is the transport-native dead-letter count; nil when the
	// transport only has the dead-letter topic.
	Stored *int64 `json:"stored,omitempty"`
}

// StartStatusServer registers the JSON status API when it is enabled.
func (s *Service) StartStatusServer() {
	if !s.Conf.StatusEnabled {
		return
	}

	port := s.Conf.StatusPort
	if port == 0 {
		port = 8081
	}

	s.RegisterHTTPHandler(port, "/api/batch", s.statusEndpoint(s.handleGetBatch))
	s.RegisterHTTPHandler(port, "/api/handlers", s.statusEndpoint(s.handleGetHandlers))
	s.RegisterHTTPHandler(port, "/api/deadletter", s.statusEndpoint(s.handleGetDeadLetter))
}

// statusEndpoint applies CORS and answers preflight requests before next runs.
func (s *Service) statusEndpoint(next func(http.ResponseWriter, *http.Request)) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")

		if s.Conf != nil && len(s.Conf.StatusCORSAllowedOrigins) > 0 {
			allowedOrigin := s.getAllowedCORSOrigin(r.Header.Get("Origin"))
			if allowedOrigin != "" {
				w.Header().Set("Access-Control-Allow-Origin", allowedOrigin)
				w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
				w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
			}
		}

		switch r.Method {
		case http.MethodOptions:
			w.WriteHeader(http.StatusNoContent)
		case http.MethodGet:
			next(w, r)
		default:
			http.Error(w, "Method Not Allowed", http.StatusMethodNotAllowed)
		}
	})
}

func (s *Service) handleGetBatch(w http.ResponseWriter, _ *http.Request) {
	if s.pipeline == nil {
		http.Error(w, errspkg.ErrPipelineRequired.Error(), http.StatusServiceUnavailable)
		return
	}
	s.writeJSON(w, s.pipeline.Snapshot())
}

func (s *Service) handleGetHandlers(w http.ResponseWriter, _ *http.Request) {
	s.handlersMu.RLock()
	defer s.handlersMu.RUnlock()
	s.writeJSON(w, s.handlers)
}

func (s *Service) handleGetDeadLetter(w http.ResponseWriter, _ *http.Request) {
	status := DeadLetterStatus{Queue: s.Conf.DeadLetterQueue}

	// Counting first syncs the gauge with the transport before the snapshot.
	count, err := s.DeadLetterCount()
	switch {
	case err == nil:
		status.Stored = &count
	case errors.Is(err, errspkg.ErrDeadLetterUnsupported):
	default:
		s.Logger.Error("Failed to count dead letters", err, loggingpkg.LogFields{"queue": s.Conf.InputQueue})
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}
	if s.deadLetterMetrics != nil {
		status.Metrics = s.deadLetterMetrics.Snapshot()
	}
	s.writeJSON(w, status)
}

func (s *Service) writeJSON(w http.ResponseWriter, v any) {
	if err := jsoncodec.Encode(w, v); err != nil {
		s.Logger.Error("Failed to encode status response", err, nil)
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
	}
}

// getAllowedCORSOrigin checks if the request origin is allowed and returns the appropriate
// Access-Control-Allow-Origin value.
func (s *Service) getAllowedCORSOrigin(requestOrigin string) string {
	if s.Conf == nil {
		return ""
	}
	for _, allowed := range s.Conf.StatusCORSAllowedOrigins {
		if allowed == "*" {
			return "*"
		}
		if strings.EqualFold(allowed, requestOrigin) {
			return requestOrigin
		}
	}
	return ""
}
