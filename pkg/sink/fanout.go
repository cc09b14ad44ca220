package sink

import (
	"context"
	"errors"
	"fmt"

	"golang.org/x/sync/errgroup"

	"github.com/84hero/safe-indexer/pkg/events"
	"github.com/84hero/safe-indexer/pkg/metrics"
)

// Fanout delivers every batch to all outputs concurrently. A failing output
// does not stop the others.
type Fanout struct {
	outputs []Output
}

func NewFanout(outputs ...Output) *Fanout {
	return &Fanout{outputs: outputs}
}

// Outputs returns the configured outputs.
func (f *Fanout) Outputs() []Output {
	return f.outputs
}

// Send returns the joined errors of the outputs that failed.
func (f *Fanout) Send(ctx context.Context, evs []events.Event) error {
	if len(evs) == 0 || len(f.outputs) == 0 {
		return nil
	}

	errs := make([]error, len(f.outputs))
	var g errgroup.Group
	for i, out := range f.outputs {
		i, out := i, out
		g.Go(func() error {
			if err := out.Send(ctx, evs); err != nil {
				metrics.OutputErrors.WithLabelValues(out.Name()).Inc()
				errs[i] = fmt.Errorf("%s: %w", out.Name(), err)
			}
			return nil
		})
	}
	_ = g.Wait()
	return errors.Join(errs...)
}

// Close closes every output.
func (f *Fanout) Close() error {
	var errs []error
	for _, out := range f.outputs {
		if err := out.Close(); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", out.Name(), err))
		}
	}
	return errors.Join(errs...)
}
