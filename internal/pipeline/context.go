package pipeline

import (
	"context"

	"github.com/parabit/memgate/internal/upload"
)

type partsKey struct{}

// WithParts attaches validated multipart parts to ctx.
func WithParts(ctx context.Context, parts []upload.Part) context.Context {
	return context.WithValue(ctx, partsKey{}, parts)
}

// PartsFromContext returns the validated multipart parts for the
// request, or nil on a non-multipart route.
func PartsFromContext(ctx context.Context) []upload.Part {
	parts, _ := ctx.Value(partsKey{}).([]upload.Part)
	return parts
}
