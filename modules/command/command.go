package module

import (
	"context"
	"fmt"

	"forgewire/ftl/modutil/shell"
)

// Run executes args["cmd"] (and optional args["args"]) and reports its
// exit code and captured output. It always reports changed, since an
// arbitrary command's side effects can't be inspected generically; a
// caller that needs idempotence should reach for a more specific
// module instead.
func Run(ctx context.Context, args map[string]any, checkMode bool) (map[string]any, error) {
	cmdName, _ := args["cmd"].(string)
	if cmdName == "" {
		return nil, fmt.Errorf("command module requires a non-empty \"cmd\" argument")
	}

	var cmdArgs []string
	if raw, ok := args["args"].([]any); ok {
		for _, a := range raw {
			if s, ok := a.(string); ok {
				cmdArgs = append(cmdArgs, s)
			}
		}
	}

	if checkMode {
		return map[string]any{"changed": true, "skipped": true}, nil
	}

	result, err := shell.Run(ctx, cmdName, cmdArgs, nil)
	if err != nil {
		return nil, err
	}

	return map[string]any{
		"changed": true,
		"rc":      result.ExitCode,
		"stdout":  result.Stdout,
		"stderr":  result.Stderr,
	}, nil
}
