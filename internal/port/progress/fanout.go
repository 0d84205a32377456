package progress

import "context"

type multiSink struct {
	sinks []Sink
}

// Multi fans every frame out to all given sinks. A failing sink does not
// stop delivery to the others; the first error is returned.
func Multi(sinks ...Sink) Sink {
	return &multiSink{sinks: sinks}
}

func (m *multiSink) Emit(ctx context.Context, frame any) error {
	var first error
	for _, s := range m.sinks {
		if err := s.Emit(ctx, frame); err != nil && first == nil {
			first = err
		}
	}
	return first
}

type discardSink struct{}

func (discardSink) Emit(context.Context, any) error { return nil }

// Discard is a sink that drops every frame. Used when a run executes
// with no attached stream.
var Discard Sink = discardSink{}
