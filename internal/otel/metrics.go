package otel

import "go.opentelemetry.io/otel/metric"

// Metrics holds the pipeline's metric instruments.
type Metrics struct {
	JobDuration      metric.Float64Histogram
	StepDuration     metric.Float64Histogram
	LLMCallDuration  metric.Float64Histogram
	TokensUsed       metric.Int64Counter
	CostUSD          metric.Float64Counter
	ContextTokens    metric.Int64Histogram
	BudgetWarnings   metric.Int64Counter
	Replans          metric.Int64Counter
	StepRetries      metric.Int64Counter
	ActiveJobs       metric.Int64UpDownCounter
	RequestDuration  metric.Float64Histogram
	ArchiveSnapshots metric.Int64Counter
}

// NewMetrics creates all metric instruments from the given meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.JobDuration, err = meter.Float64Histogram("autodev.job.duration",
		metric.WithDescription("Job wall time from intake to terminal state in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.StepDuration, err = meter.Float64Histogram("autodev.step.duration",
		metric.WithDescription("Step execution duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.LLMCallDuration, err = meter.Float64Histogram("autodev.llm.duration",
		metric.WithDescription("Agent call duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.TokensUsed, err = meter.Int64Counter("autodev.llm.tokens",
		metric.WithDescription("Total tokens consumed"),
	)
	if err != nil {
		return nil, err
	}

	m.CostUSD, err = meter.Float64Counter("autodev.llm.cost",
		metric.WithDescription("Accumulated agent call cost in USD"),
	)
	if err != nil {
		return nil, err
	}

	m.ContextTokens, err = meter.Int64Histogram("autodev.context.tokens",
		metric.WithDescription("Tokens selected per context build"),
	)
	if err != nil {
		return nil, err
	}

	m.BudgetWarnings, err = meter.Int64Counter("autodev.budget.warnings",
		metric.WithDescription("Budget warning thresholds crossed"),
	)
	if err != nil {
		return nil, err
	}

	m.Replans, err = meter.Int64Counter("autodev.job.replans",
		metric.WithDescription("Replans triggered by step escalation"),
	)
	if err != nil {
		return nil, err
	}

	m.StepRetries, err = meter.Int64Counter("autodev.step.retries",
		metric.WithDescription("Step retry attempts"),
	)
	if err != nil {
		return nil, err
	}

	m.ActiveJobs, err = meter.Int64UpDownCounter("autodev.job.active",
		metric.WithDescription("Jobs currently running"),
	)
	if err != nil {
		return nil, err
	}

	m.RequestDuration, err = meter.Float64Histogram("autodev.request.duration",
		metric.WithDescription("Gateway request duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.ArchiveSnapshots, err = meter.Int64Counter("autodev.memory.archives",
		metric.WithDescription("Memory archive snapshots written"),
	)
	if err != nil {
		return nil, err
	}

	return m, nil
}
