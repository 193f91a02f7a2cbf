package scheduler

import "context"

// WorkerFunc adapts a plain function to Worker.
type WorkerFunc func(ctx context.Context)

func (f WorkerFunc) Run(ctx context.Context) { f(ctx) }

// FuncFactory builds a Factory from a per-job function.
func FuncFactory[J any](fn func(ctx context.Context, job J)) Factory[J] {
	return func(job J) Worker {
		return WorkerFunc(func(ctx context.Context) { fn(ctx, job) })
	}
}
