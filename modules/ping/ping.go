package module

import "context"

// Run always succeeds and reports pong, used to verify a host or the
// local fast path is reachable before running anything with side
// effects.
func Run(ctx context.Context, args map[string]any, checkMode bool) (map[string]any, error) {
	return map[string]any{"pong": true}, nil
}
