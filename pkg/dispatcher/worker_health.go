package dispatcher

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/nanoclaw/nanoclaw/pkg/store"
)

// HealthChecker GETs /worker/health over each worker's tunnel every
// interval; three consecutive failures mark the worker offline and
// suspend dispatch (spec §4.E).
type HealthChecker struct {
	store      *store.Store
	httpClient *http.Client

	mu            sync.Mutex
	failureCounts map[string]int
}

// NewHealthChecker constructs a HealthChecker.
func NewHealthChecker(s *store.Store, httpClient *http.Client) *HealthChecker {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 5 * time.Second}
	}
	return &HealthChecker{store: s, httpClient: httpClient, failureCounts: make(map[string]int)}
}

const consecutiveFailuresToOffline = 3

// CheckOnce polls every registered worker once, flipping status as needed.
func (h *HealthChecker) CheckOnce(ctx context.Context) error {
	workers, err := h.store.ListWorkers(ctx)
	if err != nil {
		return err
	}
	for _, w := range workers {
		h.checkWorker(ctx, w)
	}
	return nil
}

func (h *HealthChecker) checkWorker(ctx context.Context, w store.Worker) {
	url := fmt.Sprintf("http://127.0.0.1:%d/worker/health", w.LocalPort)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	healthy := false
	if err == nil {
		resp, doErr := h.httpClient.Do(req)
		if doErr == nil {
			healthy = resp.StatusCode == http.StatusOK
			resp.Body.Close()
		}
	}

	h.mu.Lock()
	if healthy {
		h.failureCounts[w.ID] = 0
	} else {
		h.failureCounts[w.ID]++
	}
	failures := h.failureCounts[w.ID]
	h.mu.Unlock()

	switch {
	case healthy && w.Status != "online":
		_ = h.store.SetWorkerStatus(ctx, w.ID, "online")
	case !healthy && failures >= consecutiveFailuresToOffline && w.Status != "offline":
		_ = h.store.SetWorkerStatus(ctx, w.ID, "offline")
	}
}

// Run polls every interval until ctx is cancelled.
func (h *HealthChecker) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			_ = h.CheckOnce(ctx)
		}
	}
}
