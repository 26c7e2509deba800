package health

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"
)

// Status represents the health status
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusDegraded  Status = "degraded"
	StatusUnhealthy Status = "unhealthy"
)

// CheckResult is what a single checker reports
type CheckResult struct {
	Status   Status         `json:"status"`
	Message  string         `json:"message,omitempty"`
	Details  map[string]any `json:"details,omitempty"`
	Duration time.Duration  `json:"duration"`
}

// Report is the body served by the health endpoint
type Report struct {
	Status    Status                 `json:"status"`
	Version   string                 `json:"version,omitempty"`
	CheckedAt time.Time              `json:"checkedAt"`
	Checks    map[string]CheckResult `json:"checks"`
}

// Checker defines the interface for health checks
type Checker interface {
	Check(ctx context.Context) CheckResult
	Name() string
}

// Registry holds the checks behind the health endpoint
type Registry struct {
	version  string
	checkers map[string]Checker
	mu       sync.RWMutex
}

// NewRegistry creates a registry whose reports carry version
func NewRegistry(version string) *Registry {
	return &Registry{
		version:  version,
		checkers: make(map[string]Checker),
	}
}

// Register adds a checker, replacing any checker with the same name
func (r *Registry) Register(checker Checker) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.checkers[checker.Name()] = checker
}

// Check runs every registered check concurrently. Checks that have not
// reported when ctx is done are marked unhealthy.
func (r *Registry) Check(ctx context.Context) Report {
	r.mu.RLock()
	checkers := make(map[string]Checker, len(r.checkers))
	for name, checker := range r.checkers {
		checkers[name] = checker
	}
	r.mu.RUnlock()

	type namedResult struct {
		name   string
		result CheckResult
	}

	start := time.Now()
	results := make(chan namedResult, len(checkers))
	for name, checker := range checkers {
		go func(name string, checker Checker) {
			results <- namedResult{name: name, result: checker.Check(ctx)}
		}(name, checker)
	}

	report := Report{
		Status:  StatusHealthy,
		Version: r.version,
		Checks:  make(map[string]CheckResult, len(checkers)),
	}

collect:
	for range checkers {
		select {
		case res := <-results:
			report.Checks[res.name] = res.result
			report.Status = worst(report.Status, res.result.Status)
		case <-ctx.Done():
			for name := range checkers {
				if _, ok := report.Checks[name]; ok {
					continue
				}
				report.Checks[name] = CheckResult{
					Status:   StatusUnhealthy,
					Message:  "timed out: " + ctx.Err().Error(),
					Duration: time.Since(start),
				}
			}
			report.Status = StatusUnhealthy
			break collect
		}
	}

	report.CheckedAt = time.Now()
	return report
}

func worst(a, b Status) Status {
	switch {
	case a == StatusUnhealthy || b == StatusUnhealthy:
		return StatusUnhealthy
	case a == StatusDegraded || b == StatusDegraded:
		return StatusDegraded
	default:
		return StatusHealthy
	}
}

// Handler serves the registry report as JSON. Degraded still answers 200
// since the publisher keeps accepting messages while the broker is away;
// only unhealthy answers 503.
func Handler(registry *Registry, timeout time.Duration) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), timeout)
		defer cancel()

		report := registry.Check(ctx)

		statusCode := http.StatusOK
		if report.Status == StatusUnhealthy {
			statusCode = http.StatusServiceUnavailable
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(statusCode)

		encoder := json.NewEncoder(w)
		encoder.SetIndent("", "  ")
		_ = encoder.Encode(report)
	}
}

// LivenessHandler answers 200 as long as the process is serving HTTP
func LivenessHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("alive"))
	}
}
