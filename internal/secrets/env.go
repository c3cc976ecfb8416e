package secrets

import (
	"context"
	"fmt"
	"os"
)

// Env resolves env://NAME references from the process environment.
type Env struct{}

// NewEnv creates an environment resolver.
func NewEnv() *Env { return &Env{} }

func (Env) Scheme() string { return "env" }

func (Env) Resolve(_ context.Context, name string) (string, error) {
	v := os.Getenv(name)
	if v == "" {
		return "", fmt.Errorf("%w: environment variable %q is not set or empty", ErrNotFound, name)
	}
	return v, nil
}
