// Package metrics provides per-run metrics collection.
//
// The Collector accumulates counters during a single run and is handed to
// every component of the pipeline. It is a leaf package with no internal
// dependencies. All methods are safe on a nil *Collector so components can
// be used without metrics.
package metrics

import "sync"

// Snapshot is an immutable point-in-time view of all run metrics.
// Returned by Collector.Snapshot(). Safe to read concurrently after creation.
type Snapshot struct {
	// Run lifecycle
	RunsStarted   int64 `json:"runs_started"`
	RunsDelivered int64 `json:"runs_delivered"`
	RunsSkipped   int64 `json:"runs_skipped"`
	RunsFailed    int64 `json:"runs_failed"`
	RunsResumed   int64 `json:"runs_resumed"`

	// Sessions
	SessionsReused int64 `json:"sessions_reused"`
	Logins         int64 `json:"logins"`
	TokenRefreshes int64 `json:"token_refreshes"`

	// Locators
	LocatorFallbacks   int64            `json:"locator_fallbacks"`
	FallbacksByLocator map[string]int64 `json:"fallbacks_by_locator,omitempty"`

	// Executor
	ExecutorLaunchSuccess int64 `json:"executor_launch_success"`
	ExecutorLaunchFailure int64 `json:"executor_launch_failure"`
	ExecutorCrash         int64 `json:"executor_crash"`
	IPCDecodeErrors       int64 `json:"ipc_decode_errors"`

	// Transfer
	BytesDownloaded int64 `json:"bytes_downloaded"`
	BytesUploaded   int64 `json:"bytes_uploaded"`

	// Lode / Storage
	LodeWriteSuccess int64 `json:"lode_write_success"`
	LodeWriteFailure int64 `json:"lode_write_failure"`

	// Dimensions (informational, set at construction)
	SourceStrategy      string `json:"source_strategy"`
	DestinationStrategy string `json:"destination_strategy"`
	StorageBackend      string `json:"storage_backend"`
	RunID               string `json:"run_id"`
}

// Collector accumulates metrics during a single run.
// Thread-safe via sync.Mutex. All increment methods are nil-receiver safe.
type Collector struct {
	mu sync.Mutex

	runsStarted   int64
	runsDelivered int64
	runsSkipped   int64
	runsFailed    int64
	runsResumed   int64

	sessionsReused int64
	logins         int64
	tokenRefreshes int64

	locatorFallbacks   int64
	fallbacksByLocator map[string]int64

	executorLaunchSuccess int64
	executorLaunchFailure int64
	executorCrash         int64
	ipcDecodeErrors       int64

	bytesDownloaded int64
	bytesUploaded   int64

	lodeWriteSuccess int64
	lodeWriteFailure int64

	sourceStrategy      string
	destinationStrategy string
	storageBackend      string
	runID               string
}

// NewCollector creates a Collector with dimension labels.
func NewCollector(sourceStrategy, destinationStrategy, storageBackend, runID string) *Collector {
	return &Collector{
		fallbacksByLocator:  make(map[string]int64),
		sourceStrategy:      sourceStrategy,
		destinationStrategy: destinationStrategy,
		storageBackend:      storageBackend,
		runID:               runID,
	}
}

// --- Run lifecycle ---

// IncRunStarted records a run start.
func (c *Collector) IncRunStarted() {
	if c == nil {
		return
	}
	c.mu.Lock()
	c.runsStarted++
	c.mu.Unlock()
}

// IncRunDelivered records a run that delivered an artifact.
func (c *Collector) IncRunDelivered() {
	if c == nil {
		return
	}
	c.mu.Lock()
	c.runsDelivered++
	c.mu.Unlock()
}

// IncRunSkipped records a run with nothing new to deliver.
func (c *Collector) IncRunSkipped() {
	if c == nil {
		return
	}
	c.mu.Lock()
	c.runsSkipped++
	c.mu.Unlock()
}

// IncRunFailed records a failed run.
func (c *Collector) IncRunFailed() {
	if c == nil {
		return
	}
	c.mu.Lock()
	c.runsFailed++
	c.mu.Unlock()
}

// IncRunResumed records a run that resumed from a staged artifact.
func (c *Collector) IncRunResumed() {
	if c == nil {
		return
	}
	c.mu.Lock()
	c.runsResumed++
	c.mu.Unlock()
}

// --- Sessions ---

// IncSessionReused records a persisted session that probed as authenticated.
func (c *Collector) IncSessionReused() {
	if c == nil {
		return
	}
	c.mu.Lock()
	c.sessionsReused++
	c.mu.Unlock()
}

// IncLogin records a fresh login.
func (c *Collector) IncLogin() {
	if c == nil {
		return
	}
	c.mu.Lock()
	c.logins++
	c.mu.Unlock()
}

// IncTokenRefresh records an OAuth2 token refresh.
func (c *Collector) IncTokenRefresh() {
	if c == nil {
		return
	}
	c.mu.Lock()
	c.tokenRefreshes++
	c.mu.Unlock()
}

// --- Locators ---

// IncLocatorFallback records that an element was only found by a
// non-primary strategy. A rising count means the portal markup drifted.
func (c *Collector) IncLocatorFallback(locator string) {
	if c == nil {
		return
	}
	c.mu.Lock()
	c.locatorFallbacks++
	if c.fallbacksByLocator == nil {
		c.fallbacksByLocator = make(map[string]int64)
	}
	c.fallbacksByLocator[locator]++
	c.mu.Unlock()
}

// --- Executor ---

// IncExecutorLaunchSuccess records a successful executor launch.
func (c *Collector) IncExecutorLaunchSuccess() {
	if c == nil {
		return
	}
	c.mu.Lock()
	c.executorLaunchSuccess++
	c.mu.Unlock()
}

// IncExecutorLaunchFailure records a failed executor launch.
func (c *Collector) IncExecutorLaunchFailure() {
	if c == nil {
		return
	}
	c.mu.Lock()
	c.executorLaunchFailure++
	c.mu.Unlock()
}

// IncExecutorCrash records an executor that exited without a result frame.
func (c *Collector) IncExecutorCrash() {
	if c == nil {
		return
	}
	c.mu.Lock()
	c.executorCrash++
	c.mu.Unlock()
}

// IncIPCDecodeErrors records an IPC frame decode error.
func (c *Collector) IncIPCDecodeErrors() {
	if c == nil {
		return
	}
	c.mu.Lock()
	c.ipcDecodeErrors++
	c.mu.Unlock()
}

// --- Transfer ---

// AddBytesDownloaded records bytes written into staging.
func (c *Collector) AddBytesDownloaded(n int64) {
	if c == nil {
		return
	}
	c.mu.Lock()
	c.bytesDownloaded += n
	c.mu.Unlock()
}

// AddBytesUploaded records bytes confirmed by the destination.
func (c *Collector) AddBytesUploaded(n int64) {
	if c == nil {
		return
	}
	c.mu.Lock()
	c.bytesUploaded += n
	c.mu.Unlock()
}

// --- Lode / Storage ---

// IncLodeWriteSuccess records a successful journal or archive write.
func (c *Collector) IncLodeWriteSuccess() {
	if c == nil {
		return
	}
	c.mu.Lock()
	c.lodeWriteSuccess++
	c.mu.Unlock()
}

// IncLodeWriteFailure records a failed journal or archive write.
func (c *Collector) IncLodeWriteFailure() {
	if c == nil {
		return
	}
	c.mu.Lock()
	c.lodeWriteFailure++
	c.mu.Unlock()
}

// --- Snapshot ---

// Snapshot returns an immutable point-in-time view of all metrics.
// The returned Snapshot is safe to read concurrently; the Collector can
// continue to be mutated independently.
func (c *Collector) Snapshot() Snapshot {
	if c == nil {
		return Snapshot{}
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	byLocator := make(map[string]int64, len(c.fallbacksByLocator))
	for k, v := range c.fallbacksByLocator {
		byLocator[k] = v
	}

	return Snapshot{
		RunsStarted:   c.runsStarted,
		RunsDelivered: c.runsDelivered,
		RunsSkipped:   c.runsSkipped,
		RunsFailed:    c.runsFailed,
		RunsResumed:   c.runsResumed,

		SessionsReused: c.sessionsReused,
		Logins:         c.logins,
		TokenRefreshes: c.tokenRefreshes,

		LocatorFallbacks:   c.locatorFallbacks,
		FallbacksByLocator: byLocator,

		ExecutorLaunchSuccess: c.executorLaunchSuccess,
		ExecutorLaunchFailure: c.executorLaunchFailure,
		ExecutorCrash:         c.executorCrash,
		IPCDecodeErrors:       c.ipcDecodeErrors,

		BytesDownloaded: c.bytesDownloaded,
		BytesUploaded:   c.bytesUploaded,

		LodeWriteSuccess: c.lodeWriteSuccess,
		LodeWriteFailure: c.lodeWriteFailure,

		SourceStrategy:      c.sourceStrategy,
		DestinationStrategy: c.destinationStrategy,
		StorageBackend:      c.storageBackend,
		RunID:               c.runID,
	}
}
