package resilience

import "context"

// Guard applies a limiter then a breaker to a call. Either may be nil.
type Guard struct {
	Limiter *Limiter
	Breaker *Breaker
}

// Do runs f under g. A nil Guard runs f directly. Waiting for a rate token
// happens outside the breaker so throttling never trips it.
func Do[T any](ctx context.Context, g *Guard, f func(context.Context) (T, error)) (T, error) {
	if g == nil {
		return f(ctx)
	}
	if g.Limiter != nil {
		if err := g.Limiter.Wait(ctx); err != nil {
			var zero T
			return zero, err
		}
	}
	if g.Breaker == nil {
		return f(ctx)
	}
	var out T
	err := g.Breaker.Call(ctx, func(ctx context.Context) error {
		var err error
		out, err = f(ctx)
		return err
	})
	if err != nil {
		var zero T
		return zero, err
	}
	return out, nil
}
