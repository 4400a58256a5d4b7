package devserver

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

func TestAvailable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != InfoPath {
			t.Errorf("probe path = %q, want %q", r.URL.Path, InfoPath)
		}
		w.Write([]byte(`{"version":"dev"}`))
	}))
	defer srv.Close()

	c := New(srv.URL)
	if !c.Available(context.Background(), false) {
		t.Error("Available() = false, want true for healthy endpoint")
	}
}

func TestAvailableProductionShortCircuits(t *testing.T) {
	var probes atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		probes.Add(1)
	}))
	defer srv.Close()

	c := New(srv.URL)
	if c.Available(context.Background(), true) {
		t.Error("Available() = true in production, want false")
	}
	if n := probes.Load(); n != 0 {
		t.Errorf("production probe issued %d requests, want 0", n)
	}
}

func TestAvailableErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "down", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	if New(srv.URL).Available(context.Background(), false) {
		t.Error("Available() = true for 503 endpoint, want false")
	}
}

func TestAvailableConnectionRefused(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	srv.Close()

	if New(srv.URL).Available(context.Background(), false) {
		t.Error("Available() = true for closed endpoint, want false")
	}
}

func TestAvailableTimeout(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-release
	}))
	defer func() {
		close(release)
		srv.Close()
	}()

	start := time.Now()
	available := New(srv.URL).Available(context.Background(), false)
	elapsed := time.Since(start)

	if available {
		t.Error("Available() = true for stalled endpoint, want false")
	}
	if elapsed > DefaultProbeTimeout+time.Second {
		t.Errorf("probe took %v, want it bounded near %v", elapsed, DefaultProbeTimeout)
	}
}

func TestRegisterURL(t *testing.T) {
	c := New("http://127.0.0.1:8288/")
	if got := c.RegisterURL(); got != "http://127.0.0.1:8288/fn/register" {
		t.Errorf("RegisterURL() = %q, want %q", got, "http://127.0.0.1:8288/fn/register")
	}
}

func TestNewDefaultOrigin(t *testing.T) {
	if got := New("").Origin(); got != DefaultURL {
		t.Errorf("Origin() = %q, want %q", got, DefaultURL)
	}
}
