package health

import (
	"net/http"

	log "github.com/sirupsen/logrus"
)

// HealthPath is where the health handler is mounted by SetupHttpMux.
const HealthPath = "/health"

// HealthCheckHttpHandler answers 204 while checker passes and 503 with the failure text otherwise.
type HealthCheckHttpHandler struct {
	checker Checker
}

func NewHealthCheckHttpHandler(checker Checker) *HealthCheckHttpHandler {
	return &HealthCheckHttpHandler{
		checker: checker,
	}
}

func (h *HealthCheckHttpHandler) ServeHTTP(w http.ResponseWriter, _ *http.Request) {
	err := h.checker.Check()
	if err == nil {
		log.Debug("Health check passed")
		w.WriteHeader(http.StatusNoContent)
		return
	}
	log.Warnf("Health check failed: %v", err)
	w.WriteHeader(http.StatusServiceUnavailable)
	if _, err := w.Write([]byte(err.Error())); err != nil {
		log.Errorf("Failed to write health check response: %v", err)
	}
}

func SetupHttpMux(mux *http.ServeMux, checker Checker) {
	mux.Handle(HealthPath, NewHealthCheckHttpHandler(checker))
}
