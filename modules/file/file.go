package module

import (
	"context"
	"fmt"
	"os"
)

// Run enforces the presence, absence, or content of a file named by
// args["path"]. args["state"] is one of "present", "absent", or
// "touch" (default "present"); args["content"] is written only when
// state is "present" and content is non-empty.
func Run(ctx context.Context, args map[string]any, checkMode bool) (map[string]any, error) {
	path, _ := args["path"].(string)
	if path == "" {
		return nil, fmt.Errorf("file module requires a non-empty \"path\" argument")
	}
	state, _ := args["state"].(string)
	if state == "" {
		state = "present"
	}

	_, statErr := os.Stat(path)
	exists := statErr == nil

	switch state {
	case "absent":
		if !exists {
			return map[string]any{"changed": false}, nil
		}
		if checkMode {
			return map[string]any{"changed": true, "skipped": true}, nil
		}
		if err := os.Remove(path); err != nil {
			return nil, fmt.Errorf("remove %s: %w", path, err)
		}
		return map[string]any{"changed": true}, nil

	case "touch":
		if exists {
			return map[string]any{"changed": false}, nil
		}
		if checkMode {
			return map[string]any{"changed": true, "skipped": true}, nil
		}
		f, err := os.Create(path)
		if err != nil {
			return nil, fmt.Errorf("create %s: %w", path, err)
		}
		f.Close()
		return map[string]any{"changed": true}, nil

	case "present":
		content, _ := args["content"].(string)
		if content == "" {
			if exists {
				return map[string]any{"changed": false}, nil
			}
			if checkMode {
				return map[string]any{"changed": true, "skipped": true}, nil
			}
			f, err := os.Create(path)
			if err != nil {
				return nil, fmt.Errorf("create %s: %w", path, err)
			}
			f.Close()
			return map[string]any{"changed": true}, nil
		}

		existing, _ := os.ReadFile(path)
		if exists && string(existing) == content {
			return map[string]any{"changed": false}, nil
		}
		if checkMode {
			return map[string]any{"changed": true, "skipped": true}, nil
		}
		if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
			return nil, fmt.Errorf("write %s: %w", path, err)
		}
		return map[string]any{"changed": true}, nil

	default:
		return nil, fmt.Errorf("file module: unknown state %q", state)
	}
}
