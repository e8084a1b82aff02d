package prioritask

// schedulerOptions holds configuration options for Scheduler creation.
type schedulerOptions struct {
	metricsEnabled bool
	logger         Logger
}

// SchedulerOption configures a Scheduler instance.
type SchedulerOption interface {
	applyScheduler(*schedulerOptions) error
}

// schedulerOptionFunc implements SchedulerOption.
type schedulerOptionFunc struct {
	fn func(*schedulerOptions) error
}

func (o *schedulerOptionFunc) applyScheduler(opts *schedulerOptions) error {
	return o.fn(opts)
}

// WithMetrics enables runtime metrics collection on the Scheduler. When
// enabled, counters are read via Scheduler.Metrics(). This adds minimal
// overhead (a handful of atomic increments per dispatch); disable it for
// zero-allocation hot paths.
func WithMetrics(enabled bool) SchedulerOption {
	return &schedulerOptionFunc{func(opts *schedulerOptions) error {
		opts.metricsEnabled = enabled
		return nil
	}}
}

// WithLogger installs a structured Logger on the Scheduler. If omitted, the
// scheduler uses the package-level global logger (see logging.go) that is
// set at the time NewScheduler is called; a later SetStructuredLogger call
// does not affect an existing Scheduler.
func WithLogger(logger Logger) SchedulerOption {
	return &schedulerOptionFunc{func(opts *schedulerOptions) error {
		opts.logger = logger
		return nil
	}}
}

func resolveSchedulerOptions(opts []SchedulerOption) (*schedulerOptions, error) {
	cfg := &schedulerOptions{}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt.applyScheduler(cfg); err != nil {
			return nil, err
		}
	}
	return cfg, nil
}
