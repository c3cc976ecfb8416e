// Package secrets resolves credential references found in configuration
// values. A reference names its backend by scheme, for example
// env://SLACK_BOT_TOKEN or vault://secret/data/veritas/slack#bot_token.
// Values without a reference scheme, including http and https URLs, are
// returned unchanged.
package secrets

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
)

// ErrNotFound is returned when a reference cannot be resolved.
var ErrNotFound = errors.New("secret not found")

// Schemes understood as references. A known scheme without a registered
// resolver is an error rather than a literal value.
var knownSchemes = map[string]bool{"env": true, "vault": true}

// Resolver resolves references of one scheme. ref has the scheme prefix removed.
// Implementations must be safe for concurrent use.
type Resolver interface {
	Scheme() string
	Resolve(ctx context.Context, ref string) (string, error)
}

// Chain dispatches references to the resolver registered for their scheme.
type Chain struct {
	resolvers map[string]Resolver
}

// NewChain creates a Chain. A later resolver replaces an earlier one of the same scheme.
func NewChain(resolvers ...Resolver) *Chain {
	c := &Chain{resolvers: make(map[string]Resolver, len(resolvers))}
	for _, r := range resolvers {
		c.resolvers[r.Scheme()] = r
	}
	return c
}

// IsReference reports whether value uses a reference scheme.
func IsReference(value string) bool {
	scheme, _, ok := strings.Cut(value, "://")
	return ok && knownSchemes[scheme]
}

// Resolve returns the secret named by value, or value itself when it is not a reference.
func (c *Chain) Resolve(ctx context.Context, value string) (string, error) {
	if !IsReference(value) {
		return value, nil
	}
	scheme, ref, _ := strings.Cut(value, "://")
	r, ok := c.resolvers[scheme]
	if !ok {
		return "", fmt.Errorf("no resolver configured for %s:// references", scheme)
	}
	if ref == "" {
		return "", fmt.Errorf("%w: empty %s reference", ErrNotFound, scheme)
	}
	return r.Resolve(ctx, ref)
}

// Expand resolves every field in place. Keys name the fields in errors.
func (c *Chain) Expand(ctx context.Context, fields map[string]*string) error {
	names := make([]string, 0, len(fields))
	for name := range fields {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		field := fields[name]
		if field == nil || *field == "" {
			continue
		}
		v, err := c.Resolve(ctx, *field)
		if err != nil {
			return fmt.Errorf("resolving %s: %w", name, err)
		}
		*field = v
	}
	return nil
}
