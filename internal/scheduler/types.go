package scheduler

import "context"

// Worker runs one job. The context is cancelled when the executor is
// stopped; workers are expected to return promptly after that.
type Worker interface {
	Run(ctx context.Context)
}

// Factory creates the worker for a job. It is called at admission time,
// never for a skipped job.
type Factory[J any] func(job J) Worker

type Options[J any] struct {
	// Name is used in process logs only.
	Name string

	// BatchSize bounds the number of concurrently active workers.
	BatchSize int

	// Skip is checked when a job reaches the head of the queue and a slot
	// is free. Skipped jobs never get a worker.
	Skip func(job J) bool

	// OnSkip is called for every skipped job, from the admission goroutine.
	OnSkip func(job J)
}

type Stats struct {
	Admitted   int64
	Skipped    int64
	Finished   int64
	Active     int64
	PeakActive int64
}
