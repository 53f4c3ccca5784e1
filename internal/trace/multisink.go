package trace

import "context"

// MultiSink fans each span out to every sink. Sinks fail independently;
// one sink's error never stops delivery to the others. The first error
// is returned so the tracer can count it.
type MultiSink []Sink

// WriteSpan implements Sink.
func (m MultiSink) WriteSpan(ctx context.Context, rec *SpanRecord) error {
	var first error
	for _, s := range m {
		if err := s.WriteSpan(ctx, rec); err != nil && first == nil {
			first = err
		}
	}
	return first
}
