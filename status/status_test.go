package status

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
)

func TestNew_RejectsBadScheme(t *testing.T) {
	if _, err := New("ftp://connections.internal", time.Second, false); err == nil {
		t.Fatal("expected error for non-http scheme")
	}
}

func TestNew_RejectsPrivateIPWhenBlocked(t *testing.T) {
	if _, err := New("http://127.0.0.1:9999", time.Second, true); err == nil {
		t.Fatal("expected error for loopback address when blockPrivateIP is true")
	}
}

func TestNew_AllowsPrivateIPWhenUnblocked(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	c, err := New(srv.URL, time.Second, false)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	c.Update(context.Background(), uuid.New().String(), "user-1", Completed)
}

func TestUpdate_BuildsExpectedRequest(t *testing.T) {
	var gotMethod, gotPath, gotBody string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotMethod = r.Method
		gotPath = r.URL.Path
		buf := make([]byte, 256)
		n, _ := r.Body.Read(buf)
		gotBody = string(buf[:n])
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c, err := New(srv.URL, time.Second, false)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	sessionID := uuid.New().String()
	c.Update(context.Background(), sessionID, "user-42", Timeout)

	wantPath := "/sessions/" + sessionID + "/status/" + Timeout
	if gotMethod != http.MethodPut {
		t.Errorf("method = %q, want PUT", gotMethod)
	}
	if gotPath != wantPath {
		t.Errorf("path = %q, want %q", gotPath, wantPath)
	}
	if !contains(gotBody, `"user_id":"user-42"`) {
		t.Errorf("body = %q, want it to contain user_id", gotBody)
	}
}

func TestUpdate_NonFatalOnServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	c, err := New(srv.URL, time.Second, false)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	// Update has no return value; this only verifies it does not panic or
	// block on a non-2xx response.
	c.Update(context.Background(), uuid.New().String(), "user-1", Completed)
}

func TestUpdate_NonFatalOnUnreachableHost(t *testing.T) {
	c, err := New("http://127.0.0.1:1", time.Millisecond*50, false)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	c.Update(context.Background(), uuid.New().String(), "user-1", Completed)
}

func contains(haystack, needle string) bool {
	return len(haystack) >= len(needle) && indexOf(haystack, needle) >= 0
}

func indexOf(haystack, needle string) int {
	for i := 0; i+len(needle) <= len(haystack); i++ {
		if haystack[i:i+len(needle)] == needle {
			return i
		}
	}
	return -1
}
