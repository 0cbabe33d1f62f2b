// Package http is a module_utils-equivalent helper bundled alongside
// any module that imports it. It builds and tests as an ordinary
// package of this Go module, but modules import it as
// "forgewire/ftl/modutil/http", a path the Go toolchain does not
// resolve: internal/depscan resolves it, and the file is interpreted
// in-process by internal/interp or shipped inside a module
// bundle/gate archive for remote execution.
package http

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Response is the result of a simple request, shaped for direct
// inclusion in a module's output map.
type Response struct {
	StatusCode int
	Body       string
	Headers    map[string]string
}

// Get performs a GET request with a bounded timeout.
func Get(ctx context.Context, url string, headers map[string]string) (Response, error) {
	return do(ctx, "GET", url, nil, headers)
}

// Post performs a POST request with a bounded timeout.
func Post(ctx context.Context, url string, body []byte, headers map[string]string) (Response, error) {
	return do(ctx, "POST", url, body, headers)
}

func do(ctx context.Context, method, url string, body []byte, headers map[string]string) (Response, error) {
	var reader io.Reader
	if body != nil {
		reader = &byteReader{b: body}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return Response{}, fmt.Errorf("build request: %w", err)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	client := &http.Client{Timeout: 30 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return Response{}, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return Response{}, fmt.Errorf("read response body: %w", err)
	}

	hdrs := make(map[string]string, len(resp.Header))
	for k := range resp.Header {
		hdrs[k] = resp.Header.Get(k)
	}

	return Response{StatusCode: resp.StatusCode, Body: string(data), Headers: hdrs}, nil
}

type byteReader struct {
	b []byte
	i int
}

func (r *byteReader) Read(p []byte) (int, error) {
	if r.i >= len(r.b) {
		return 0, io.EOF
	}
	n := copy(p, r.b[r.i:])
	r.i += n
	return n, nil
}
