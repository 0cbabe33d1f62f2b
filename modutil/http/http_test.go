package http

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestGetReturnsBodyAndStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Test", "yes")
		w.WriteHeader(http.StatusTeapot)
		w.Write([]byte("hello"))
	}))
	defer srv.Close()

	resp, err := Get(context.Background(), srv.URL, nil)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if resp.StatusCode != http.StatusTeapot {
		t.Fatalf("unexpected status: %d", resp.StatusCode)
	}
	if resp.Body != "hello" {
		t.Fatalf("unexpected body: %q", resp.Body)
	}
	if resp.Headers["X-Test"] != "yes" {
		t.Fatalf("unexpected headers: %#v", resp.Headers)
	}
}

func TestPostSendsBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		data, _ := io.ReadAll(r.Body)
		w.Write(data)
	}))
	defer srv.Close()

	resp, err := Post(context.Background(), srv.URL, []byte("payload"), nil)
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	if resp.Body != "payload" {
		t.Fatalf("unexpected echoed body: %q", resp.Body)
	}
}

func TestGetAppliesHeaders(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(r.Header.Get("X-Custom")))
	}))
	defer srv.Close()

	resp, err := Get(context.Background(), srv.URL, map[string]string{"X-Custom": "abc"})
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if resp.Body != "abc" {
		t.Fatalf("expected header to be echoed, got %q", resp.Body)
	}
}
