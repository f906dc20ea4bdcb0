package kit

import "context"

// Meta describes who is calling an endpoint and through which surface.
type Meta struct {
	Transport  string // "http" or "mcp"
	RequestID  string
	SessionID  string // assistant session, when the call belongs to one
	RemoteAddr string
}

type metaKey struct{}

// MetaFrom returns the call metadata of ctx. Transport defaults to "http".
func MetaFrom(ctx context.Context) Meta {
	m, _ := ctx.Value(metaKey{}).(Meta)
	if m.Transport == "" {
		m.Transport = "http"
	}
	return m
}

func withMeta(ctx context.Context, set func(*Meta)) context.Context {
	m, _ := ctx.Value(metaKey{}).(Meta)
	set(&m)
	return context.WithValue(ctx, metaKey{}, m)
}

func WithTransport(ctx context.Context, t string) context.Context {
	return withMeta(ctx, func(m *Meta) { m.Transport = t })
}

func WithRequestID(ctx context.Context, id string) context.Context {
	return withMeta(ctx, func(m *Meta) { m.RequestID = id })
}

// WithSessionID carries the assistant session of the caller.
func WithSessionID(ctx context.Context, id string) context.Context {
	return withMeta(ctx, func(m *Meta) { m.SessionID = id })
}

func WithRemoteAddr(ctx context.Context, addr string) context.Context {
	return withMeta(ctx, func(m *Meta) { m.RemoteAddr = addr })
}

func GetTransport(ctx context.Context) string  { return MetaFrom(ctx).Transport }
func GetRequestID(ctx context.Context) string  { return MetaFrom(ctx).RequestID }
func GetSessionID(ctx context.Context) string  { return MetaFrom(ctx).SessionID }
func GetRemoteAddr(ctx context.Context) string { return MetaFrom(ctx).RemoteAddr }
