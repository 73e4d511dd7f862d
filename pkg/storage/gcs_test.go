package storage

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"google.golang.org/api/googleapi"
)

// fakeGCS answers the JSON API calls GCSStore makes: object metadata
// lookups and uploads.
func fakeGCS(t *testing.T, objects map[string]bool) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		switch {
		case r.Method == http.MethodGet && strings.Contains(r.URL.Path, "/b/af2_cache/o/"):
			name := r.URL.Path[strings.LastIndex(r.URL.Path, "/")+1:]
			if !objects[name] {
				w.WriteHeader(http.StatusNotFound)
				io.WriteString(w, `{"error":{"code":404,"message":"No such object"}}`)
				return
			}
			fmt.Fprintf(w, `{"bucket":"af2_cache","name":%q,"size":"3","generation":"1"}`, name)
		case r.Method == http.MethodPost && strings.Contains(r.URL.Path, "/upload/"):
			io.Copy(io.Discard, r.Body)
			w.WriteHeader(http.StatusPreconditionFailed)
			io.WriteString(w, `{"error":{"code":412,"message":"conditionNotMet"}}`)
		default:
			w.WriteHeader(http.StatusNotImplemented)
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func newTestGCS(t *testing.T, objects map[string]bool) *GCSStore {
	t.Helper()
	srv := fakeGCS(t, objects)
	t.Setenv("STORAGE_EMULATOR_HOST", strings.TrimPrefix(srv.URL, "http://"))

	s, err := NewGCSStore(context.Background(), "af2_cache")
	if err != nil {
		t.Fatalf("NewGCSStore failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestGCSStore_Has(t *testing.T) {
	s := newTestGCS(t, map[string]bool{"present.zip": true})
	ctx := context.Background()

	has, err := s.Has(ctx, "present.zip")
	if err != nil || !has {
		t.Errorf("Expected hit, got %v, %v", has, err)
	}
	has, err = s.Has(ctx, "absent.zip")
	if err != nil || has {
		t.Errorf("Expected miss, got %v, %v", has, err)
	}
}

func TestGCSStore_PutExistingIsNoop(t *testing.T) {
	s := newTestGCS(t, map[string]bool{"present.zip": true})

	if err := s.Put(context.Background(), "present.zip", strings.NewReader("zip")); err != nil {
		t.Errorf("Expected existing object to be treated as success, got %v", err)
	}
}

func TestGCSStore_InvalidName(t *testing.T) {
	s := newTestGCS(t, nil)
	if _, err := s.Has(context.Background(), "a/b.zip"); err == nil {
		t.Error("Expected invalid name error")
	}
}

func TestIsPreconditionFailed(t *testing.T) {
	wrapped := fmt.Errorf("upload: %w", &googleapi.Error{Code: http.StatusPreconditionFailed})
	if !isPreconditionFailed(wrapped) {
		t.Error("Expected 412 to be recognised")
	}
	if isPreconditionFailed(&googleapi.Error{Code: http.StatusForbidden}) {
		t.Error("Expected 403 not to be treated as precondition failure")
	}
	if isPreconditionFailed(nil) {
		t.Error("nil is not a precondition failure")
	}
}
