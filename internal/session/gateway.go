package session

import "context"

// Gateway durably records a submitted outcome. The controller calls Submit
// once per session, plus once per explicit retry after a failure.
type Gateway interface {
	Submit(ctx context.Context, outcome Outcome) (*SubmitResult, error)
}

// GatewayFunc adapts a function to the Gateway interface.
type GatewayFunc func(ctx context.Context, outcome Outcome) (*SubmitResult, error)

func (f GatewayFunc) Submit(ctx context.Context, outcome Outcome) (*SubmitResult, error) {
	return f(ctx, outcome)
}
