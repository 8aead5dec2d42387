// Package health serves liveness and readiness endpoints. Liveness only says
// the process answers; readiness runs the registered checks.
package health

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"
)

// Check reports whether one dependency is usable.
type Check func(ctx context.Context) error

// Response is the JSON body of both endpoints.
type Response struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks,omitempty"`
}

// Checker holds the readiness checks of one process.
type Checker struct {
	timeout time.Duration
	logger  *zap.Logger

	mu     sync.RWMutex
	checks map[string]Check
}

// NewChecker creates a checker whose checks each get timeout to answer.
func NewChecker(timeout time.Duration, logger *zap.Logger) *Checker {
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	return &Checker{
		timeout: timeout,
		logger:  logger,
		checks:  make(map[string]Check),
	}
}

// Add registers a readiness check under name.
func (c *Checker) Add(name string, check Check) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.checks[name] = check
}

// Run executes every check and returns the failures by name.
func (c *Checker) Run(ctx context.Context) map[string]error {
	c.mu.RLock()
	names := make([]string, 0, len(c.checks))
	for name := range c.checks {
		names = append(names, name)
	}
	checks := make(map[string]Check, len(c.checks))
	for k, v := range c.checks {
		checks[k] = v
	}
	c.mu.RUnlock()
	sort.Strings(names)

	failed := make(map[string]error)
	for _, name := range names {
		checkCtx, cancel := context.WithTimeout(ctx, c.timeout)
		err := checks[name](checkCtx)
		cancel()
		if err != nil {
			failed[name] = err
		}
	}
	return failed
}

// LivenessHandler always answers 200.
func (c *Checker) LivenessHandler(w http.ResponseWriter, r *http.Request) {
	write(w, http.StatusOK, Response{Status: "healthy"})
}

// ReadinessHandler answers 200 when every check passes and 503 otherwise.
func (c *Checker) ReadinessHandler(w http.ResponseWriter, r *http.Request) {
	failed := c.Run(r.Context())

	c.mu.RLock()
	results := make(map[string]string, len(c.checks))
	for name := range c.checks {
		results[name] = "ok"
	}
	c.mu.RUnlock()

	if len(failed) == 0 {
		write(w, http.StatusOK, Response{Status: "ready", Checks: results})
		return
	}
	for name, err := range failed {
		results[name] = err.Error()
		c.logger.Warn("Readiness check failed", zap.String("check", name), zap.Error(err))
	}
	write(w, http.StatusServiceUnavailable, Response{Status: "not_ready", Checks: results})
}

func write(w http.ResponseWriter, status int, resp Response) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(resp)
}

// DataDirCheck fails when dir is not writable or its filesystem is fuller
// than maxUsage (a fraction in (0, 1]).
func DataDirCheck(dir string, maxUsage float64) Check {
	return func(ctx context.Context) error {
		probe := filepath.Join(dir, ".health")
		if err := os.WriteFile(probe, []byte("ok"), 0o644); err != nil {
			return fmt.Errorf("data dir not writable: %w", err)
		}
		_ = os.Remove(probe)

		var stat syscall.Statfs_t
		if err := syscall.Statfs(dir, &stat); err != nil {
			return fmt.Errorf("statfs: %w", err)
		}
		total := float64(stat.Blocks) * float64(stat.Bsize)
		if total == 0 || maxUsage <= 0 {
			return nil
		}
		used := 1 - float64(stat.Bavail)*float64(stat.Bsize)/total
		if used > maxUsage {
			return fmt.Errorf("disk usage %.0f%% above %.0f%%", used*100, maxUsage*100)
		}
		return nil
	}
}
