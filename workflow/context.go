package workflow

import "context"

// Info describes the instance and node being executed.
type Info struct {
	InstanceID string
	BusinessID string
	Graph      string
	NodeID     string
}

type infoKey struct{}

func WithInfo(ctx context.Context, info Info) context.Context {
	return context.WithValue(ctx, infoKey{}, info)
}

// InfoFromContext returns the info of the executing node. ok is false outside of node execution.
func InfoFromContext(ctx context.Context) (Info, bool) {
	info, ok := ctx.Value(infoKey{}).(Info)
	return info, ok
}
