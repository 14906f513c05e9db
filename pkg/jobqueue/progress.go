package jobqueue

import "context"

// Progress receives progress reports for a job. The job never reads it; it is
// a pass-through for producers, dispatchers and consumers.
type Progress interface {
	Report(v any)
}

// ProgressFunc adapts a function to Progress.
type ProgressFunc func(v any)

func (f ProgressFunc) Report(v any) { f(v) }

// Streamer is a long-running producer that emits intermediate chunks before
// its terminal result, e.g. a subprocess streaming its output.
type Streamer interface {
	Stream(ctx context.Context, emit func(chunk any)) (any, error)
}
