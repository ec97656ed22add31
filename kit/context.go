package kit

import "context"

type ctxKey int

const (
	ownerKey ctxKey = iota
	transportKey
	requestIDKey
	jobIDKey
)

// WithOwner stores the owner identity supplied by the upstream
// authenticator. scribe treats it as an opaque string.
func WithOwner(ctx context.Context, owner string) context.Context {
	return context.WithValue(ctx, ownerKey, owner)
}

func Owner(ctx context.Context) string { return str(ctx, ownerKey) }

// WithTransport records which surface ("http", "mcp") a call came in on.
func WithTransport(ctx context.Context, t string) context.Context {
	return context.WithValue(ctx, transportKey, t)
}

// Transport defaults to "http".
func Transport(ctx context.Context) string {
	if t := str(ctx, transportKey); t != "" {
		return t
	}
	return "http"
}

func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey, id)
}

func RequestID(ctx context.Context) string { return str(ctx, requestIDKey) }

func WithJobID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, jobIDKey, id)
}

func JobID(ctx context.Context) string { return str(ctx, jobIDKey) }

// Attrs returns the request-scoped values set in ctx as slog key/value
// pairs. Unset values are omitted.
func Attrs(ctx context.Context) []any {
	attrs := []any{"transport", Transport(ctx)}
	for _, kv := range []struct {
		name string
		key  ctxKey
	}{
		{"request_id", requestIDKey},
		{"owner", ownerKey},
		{"job_id", jobIDKey},
	} {
		if v := str(ctx, kv.key); v != "" {
			attrs = append(attrs, kv.name, v)
		}
	}
	return attrs
}

func str(ctx context.Context, k ctxKey) string {
	v, _ := ctx.Value(k).(string)
	return v
}
