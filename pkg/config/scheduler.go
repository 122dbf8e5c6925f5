package config

// SchedulerConfig holds predictive-scheduler settings (spec.md §4.8). It is
// loaded, defaulted and validated (HistorySize must be positive), but
// pkg/scheduler does not read it: scheduler.New takes no configuration,
// starts from scheduler.DefaultWeights, and keeps at most 1000 history
// records.
type SchedulerConfig struct {
	// InitialWeights is a map of named feature weights ("prompt_length",
	// "job_type_code", "job_type_ralph", ...). Not read by pkg/scheduler.
	InitialWeights map[string]float64 `yaml:"initial_weights"`

	// HistorySize is a sample-history bound for weight adjustment. Not read
	// by pkg/scheduler.
	HistorySize int `yaml:"history_size"`

	// LearningRate is a step size for weight adjustment. Not read by
	// pkg/scheduler.
	LearningRate float64 `yaml:"learning_rate"`
}

// DefaultSchedulerConfig returns the built-in scheduler defaults.
func DefaultSchedulerConfig() *SchedulerConfig {
	return &SchedulerConfig{
		InitialWeights: map[string]float64{
			"prompt_length":    0.01,
			"job_type_code":    400,
			"job_type_task":    150,
			"job_type_ralph":   800,
			"job_type_spec":    250,
			"repository_known": -50,
		},
		HistorySize:  200,
		LearningRate: 0.1,
	}
}
