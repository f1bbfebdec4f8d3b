package agent

import (
	"context"

	"github.com/nugget/wealth-steward/internal/router"
	"github.com/nugget/wealth-steward/internal/stream"
)

// eventBuffer is the channel depth between the loop and the formatter.
const eventBuffer = 16

// Stream runs a turn and writes it through f as it is produced, then
// terminates the stream to match the outcome: stop after an answer,
// error after a failure, a bare [DONE] when no intent was found.
// Nothing more is written once ctx is done.
func (l *Loop) Stream(ctx context.Context, req *Request, f *stream.Formatter) (*Result, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	type outcome struct {
		result *Result
		err    error
	}
	events := make(chan stream.Event, eventBuffer)
	done := make(chan outcome, 1)
	go func() {
		res, err := l.Run(ctx, req, events)
		done <- outcome{res, err}
	}()

	writeErr := f.Run(ctx, events)
	if writeErr != nil {
		cancel()
	}
	out := <-done

	switch {
	case writeErr != nil:
		return out.result, writeErr
	case out.err != nil:
		if ctx.Err() == nil {
			_ = f.Fail()
		}
		return nil, out.err
	case out.result.Intent == router.IntentNone:
		return out.result, f.Done()
	default:
		return out.result, f.Finish()
	}
}
