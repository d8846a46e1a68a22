// Package correlation carries a per-call identifier on context.Context so a
// transaction manager call can be followed through the coordinator, the retry
// loop and the transport logs.
package correlation

import (
	"context"
	"strings"

	"pkt.systems/cachetx/internal/uuidv7"
)

// MaxIDLength bounds caller supplied identifiers.
const MaxIDLength = 128

type contextKey struct{}

// With returns ctx carrying id. Invalid ids leave ctx unchanged.
func With(ctx context.Context, id string) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	normalized, ok := Normalize(id)
	if !ok {
		return ctx
	}
	return context.WithValue(ctx, contextKey{}, normalized)
}

// Ensure returns ctx unchanged when it already carries an id, otherwise a
// child context carrying a freshly generated one.
func Ensure(ctx context.Context) context.Context {
	if ID(ctx) != "" {
		return ctx
	}
	return With(ctx, Generate())
}

// ID returns the identifier on ctx, or "".
func ID(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	id, _ := ctx.Value(contextKey{}).(string)
	return id
}

// Normalize trims id and rejects empty, oversized or non-printable values.
func Normalize(id string) (string, bool) {
	id = strings.TrimSpace(id)
	if id == "" || len(id) > MaxIDLength {
		return "", false
	}
	for _, r := range id {
		if r < 0x20 || r > 0x7e {
			return "", false
		}
	}
	return id, true
}

// Generate produces a new time-ordered identifier.
func Generate() string { return uuidv7.NewString() }
