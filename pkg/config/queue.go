package config

import "time"

// QueueConfig contains queue controller and admission-pass tuning
// (spec.md §4.1, §5). Unlike the teacher's worker-pool-of-goroutines model,
// the core runs a single admission loop that spawns one goroutine per
// claimed job rather than a fixed pool of pollers, so there is no
// WorkerCount here — MaxConcurrentJobs is the only admission ceiling.
type QueueConfig struct {
	// MaxConcurrentJobs is the limit of jobs this process runs at once,
	// enforced by the queue controller against its count of locally
	// dispatched jobs.
	MaxConcurrentJobs int `yaml:"max_concurrent_jobs"`

	// PollInterval is the base interval for the admission pass.
	PollInterval time.Duration `yaml:"poll_interval"`

	// PollIntervalJitter is random jitter added to PollInterval so that
	// multiple replicas do not all wake in lockstep.
	PollIntervalJitter time.Duration `yaml:"poll_interval_jitter"`

	// JobTimeout is the maximum time a single job may run before it is
	// force-cancelled.
	JobTimeout time.Duration `yaml:"job_timeout"`

	// GracefulShutdownTimeout is loaded and defaulted but not read: the
	// controller's Stop neither waits for nor cancels in-flight jobs.
	GracefulShutdownTimeout time.Duration `yaml:"graceful_shutdown_timeout"`

	// HeartbeatInterval is how often a running job's worker goroutine
	// stamps agent_jobs.last_heartbeat_at to prove liveness.
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`

	// OrphanDetectionInterval is how often the controller's orphan-detection
	// loop rescans for jobs stuck in "running" with a stale heartbeat (Init
	// also sweeps once at startup).
	OrphanDetectionInterval time.Duration `yaml:"orphan_detection_interval"`

	// OrphanThreshold is how long a running job can go without a heartbeat
	// before it is requeued as orphaned.
	OrphanThreshold time.Duration `yaml:"orphan_threshold"`
}

// DefaultQueueConfig returns the built-in queue defaults.
func DefaultQueueConfig() *QueueConfig {
	return &QueueConfig{
		MaxConcurrentJobs:       3,
		PollInterval:            2 * time.Second,
		PollIntervalJitter:      500 * time.Millisecond,
		JobTimeout:              2 * time.Hour,
		GracefulShutdownTimeout: 5 * time.Second,
		HeartbeatInterval:       10 * time.Second,
		OrphanDetectionInterval: 1 * time.Minute,
		OrphanThreshold:         2 * time.Minute,
	}
}
