package supervisor

import "context"

type funcComponent struct {
	name        string
	start, stop func(ctx context.Context) error
}

// NewComponent adapts a pair of callbacks. Either may be nil.
func NewComponent(name string, start, stop func(ctx context.Context) error) Component {
	return funcComponent{name: name, start: start, stop: stop}
}

func (c funcComponent) Name() string { return c.name }

func (c funcComponent) Start(ctx context.Context) error { return call(ctx, c.start) }

func (c funcComponent) Stop(ctx context.Context) error { return call(ctx, c.stop) }

func call(ctx context.Context, fn func(context.Context) error) error {
	if fn == nil {
		return nil
	}
	return fn(ctx)
}
