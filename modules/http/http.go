package module

import (
	"context"
	"fmt"

	modhttp "forgewire/ftl/modutil/http"
)

// Run performs an HTTP request described by args["url"] and optional
// args["method"] (default GET) and args["body"], reporting changed
// whenever the method is not GET or HEAD.
func Run(ctx context.Context, args map[string]any, checkMode bool) (map[string]any, error) {
	url, _ := args["url"].(string)
	if url == "" {
		return nil, fmt.Errorf("http module requires a non-empty \"url\" argument")
	}
	method, _ := args["method"].(string)
	if method == "" {
		method = "GET"
	}

	changed := method != "GET" && method != "HEAD"
	if checkMode && changed {
		return map[string]any{"changed": true, "skipped": true}, nil
	}

	var resp modhttp.Response
	var err error
	switch method {
	case "GET", "HEAD":
		resp, err = modhttp.Get(ctx, url, nil)
	case "POST":
		body, _ := args["body"].(string)
		resp, err = modhttp.Post(ctx, url, []byte(body), nil)
	default:
		return nil, fmt.Errorf("http module: unsupported method %q", method)
	}
	if err != nil {
		return nil, err
	}

	return map[string]any{
		"changed":     changed,
		"status_code": resp.StatusCode,
		"body":        resp.Body,
	}, nil
}
