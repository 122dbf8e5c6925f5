package config

import "fmt"

// validator runs structural checks over a fully-merged Config. Mirrors the
// teacher's validator: one receiver, one ValidateAll, a handful of focused
// check methods that return ValidationError.
type validator struct {
	cfg *Config
}

// ValidateAll runs every check and returns the first failure, if any.
func (v *validator) ValidateAll() error {
	checks := []func() error{
		v.validateServer,
		v.validateDatabase,
		v.validateQueue,
		v.validateAgent,
		v.validateScheduler,
	}
	for _, check := range checks {
		if err := check(); err != nil {
			return err
		}
	}
	return nil
}

func (v *validator) validateServer() error {
	if v.cfg.Server.Addr == "" {
		return NewValidationError("server", "addr", "", fmt.Errorf("%w: addr", ErrMissingRequiredField))
	}
	return nil
}

func (v *validator) validateDatabase() error {
	d := v.cfg.Database
	if d.Host == "" {
		return NewValidationError("database", "host", "", fmt.Errorf("%w: host", ErrMissingRequiredField))
	}
	if d.Port <= 0 || d.Port > 65535 {
		return NewValidationError("database", "port", "", fmt.Errorf("%w: %d", ErrInvalidValue, d.Port))
	}
	if d.Database == "" {
		return NewValidationError("database", "database", "", fmt.Errorf("%w: database", ErrMissingRequiredField))
	}
	if d.MaxOpenConns <= 0 {
		return NewValidationError("database", "max_open_conns", "", fmt.Errorf("%w: must be positive", ErrInvalidValue))
	}
	return nil
}

func (v *validator) validateQueue() error {
	q := v.cfg.Queue
	if q.MaxConcurrentJobs <= 0 {
		return NewValidationError("queue", "max_concurrent_jobs", "", fmt.Errorf("%w: must be positive", ErrInvalidValue))
	}
	if q.PollInterval <= 0 {
		return NewValidationError("queue", "poll_interval", "", fmt.Errorf("%w: must be positive", ErrInvalidValue))
	}
	if q.OrphanThreshold <= q.HeartbeatInterval {
		return NewValidationError("queue", "orphan_threshold", "",
			fmt.Errorf("%w: must exceed heartbeat_interval", ErrInvalidValue))
	}
	return nil
}

func (v *validator) validateAgent() error {
	if v.cfg.Agent.Binary == "" {
		return NewValidationError("agent", "binary", "", fmt.Errorf("%w: binary", ErrMissingRequiredField))
	}
	return nil
}

func (v *validator) validateScheduler() error {
	if v.cfg.Scheduler.HistorySize <= 0 {
		return NewValidationError("scheduler", "history_size", "", fmt.Errorf("%w: must be positive", ErrInvalidValue))
	}
	return nil
}
