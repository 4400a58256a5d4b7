package nimbusgo

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/oriys/nimbusgo/comm"
	"github.com/oriys/nimbusgo/fn"
)

func echoFunction(t *testing.T) *Function {
	t.Helper()
	f, err := CreateFunction(
		FunctionOpts{Name: "Echo"},
		EventTrigger("demo/echo"),
		func(ctx context.Context, input fn.Input) (any, error) {
			return map[string]any{"echoed": json.RawMessage(input.Event)}, nil
		},
	)
	if err != nil {
		t.Fatalf("CreateFunction() error = %v", err)
	}
	return f
}

func newServeHandler(t *testing.T, opts HandlerOpts) *Handler {
	t.Helper()
	if opts.AppName == "" {
		opts.AppName = "test-app"
	}
	if opts.Logger == nil {
		opts.Logger = quietTestLogger()
	}
	h, err := NewHandler(opts)
	if err != nil {
		t.Fatalf("NewHandler() error = %v", err)
	}
	return h
}

func TestServeHTTPMethodMapping(t *testing.T) {
	clearNimbusEnv(t)
	t.Setenv(comm.EnvEnvironment, "development")

	h := newServeHandler(t, HandlerOpts{Functions: []fn.Servable{echoFunction(t)}})

	tests := []struct {
		method string
		path   string
		body   string
		want   int
	}{
		{http.MethodGet, "/api/nimbus", "", 200},
		{http.MethodPost, "/api/nimbus?fnId=test-app-echo&stepId=step", `{"event":{"name":"demo/echo"}}`, 200},
		{http.MethodDelete, "/api/nimbus", "", 405},
		{http.MethodPatch, "/api/nimbus", "", 405},
		{http.MethodHead, "/api/nimbus", "", 405},
	}

	for _, tt := range tests {
		t.Run(tt.method, func(t *testing.T) {
			var body *strings.Reader
			if tt.body != "" {
				body = strings.NewReader(tt.body)
			} else {
				body = strings.NewReader("")
			}
			req := httptest.NewRequest(tt.method, tt.path, body)
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)

			if rec.Code != tt.want {
				t.Errorf("%s status = %d, want %d: %s", tt.method, rec.Code, tt.want, rec.Body)
			}
			if got := rec.Header().Get(comm.HeaderSDK); got != comm.SDKHeader("http") {
				t.Errorf("%s header = %q, want SDK identity", comm.HeaderSDK, got)
			}
		})
	}
}

func TestServeHTTPRunExecutesFunction(t *testing.T) {
	clearNimbusEnv(t)
	t.Setenv(comm.EnvEnvironment, "development")

	h := newServeHandler(t, HandlerOpts{Functions: []fn.Servable{echoFunction(t)}})

	req := httptest.NewRequest(http.MethodPost,
		"/api/nimbus?fnId=test-app-echo&stepId=step",
		strings.NewReader(`{"event":{"name":"demo/echo","data":{"n":1}}}`))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != 200 {
		t.Fatalf("run status = %d, want 200: %s", rec.Code, rec.Body)
	}
	var body struct {
		Echoed struct {
			Name string `json:"name"`
		} `json:"echoed"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode run body: %v", err)
	}
	if body.Echoed.Name != "demo/echo" {
		t.Errorf("run body = %s, want event echoed back", rec.Body)
	}
}

func TestServeHTTPIntrospection(t *testing.T) {
	clearNimbusEnv(t)
	t.Setenv(comm.EnvEnvironment, "development")
	t.Setenv(comm.EnvSigningKey, "signkey-test-cafe0123")

	h := newServeHandler(t, HandlerOpts{Functions: []fn.Servable{echoFunction(t)}})

	req := httptest.NewRequest(http.MethodGet, "/api/nimbus?introspect=true", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != 200 {
		t.Fatalf("introspection status = %d, want 200: %s", rec.Code, rec.Body)
	}
	var doc struct {
		AppName       string `json:"appName"`
		HasSigningKey bool   `json:"hasSigningKey"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &doc); err != nil {
		t.Fatalf("decode introspection: %v", err)
	}
	if doc.AppName != "test-app" {
		t.Errorf("introspection appName = %q", doc.AppName)
	}
	if !doc.HasSigningKey {
		t.Error("introspection hasSigningKey = false, want env key adopted")
	}
	if strings.Contains(rec.Body.String(), "cafe0123") {
		t.Error("introspection leaked the raw signing key")
	}
}

func TestServeHTTPProductionViewRejected(t *testing.T) {
	clearNimbusEnv(t)
	t.Setenv(comm.EnvEnvironment, "production")

	h := newServeHandler(t, HandlerOpts{Functions: []fn.Servable{echoFunction(t)}})

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/nimbus", nil))
	if rec.Code != 405 {
		t.Errorf("production view status = %d, want 405", rec.Code)
	}
}

func TestServeHTTPProductionOverride(t *testing.T) {
	clearNimbusEnv(t)
	t.Setenv(comm.EnvEnvironment, "production")

	notProd := false
	h := newServeHandler(t, HandlerOpts{
		Functions:  []fn.Servable{echoFunction(t)},
		Production: &notProd,
	})

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/nimbus", nil))
	if rec.Code != 200 {
		t.Errorf("view status with production override = %d, want 200", rec.Code)
	}
}

func TestServeHTTPRegister(t *testing.T) {
	clearNimbusEnv(t)
	t.Setenv(comm.EnvEnvironment, "production")

	var gotReg comm.Registration
	orchestrator := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := json.NewDecoder(r.Body).Decode(&gotReg); err != nil {
			t.Errorf("decode registration: %v", err)
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer orchestrator.Close()

	h := newServeHandler(t, HandlerOpts{
		Functions:   []fn.Servable{echoFunction(t)},
		RegisterURL: orchestrator.URL,
	})

	req := httptest.NewRequest(http.MethodPut, "http://app.example.com/api/nimbus", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != 200 {
		t.Fatalf("register status = %d, want 200: %s", rec.Code, rec.Body)
	}
	if gotReg.URL != "http://app.example.com/api/nimbus" {
		t.Errorf("registered url = %q, want request-derived url", gotReg.URL)
	}
	if len(gotReg.Functions) != 1 || gotReg.Functions[0].ID != "test-app-echo" {
		t.Errorf("registered functions = %+v", gotReg.Functions)
	}
}

func TestServeHTTPForwardedHeaders(t *testing.T) {
	clearNimbusEnv(t)
	t.Setenv(comm.EnvEnvironment, "development")

	h := newServeHandler(t, HandlerOpts{Functions: []fn.Servable{echoFunction(t)}})

	req := httptest.NewRequest(http.MethodGet, "http://10.0.0.7:3000/api/nimbus?introspect=true", nil)
	req.Header.Set("X-Forwarded-Proto", "https")
	req.Header.Set("X-Forwarded-Host", "app.example.com")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != 200 {
		t.Fatalf("introspection status = %d: %s", rec.Code, rec.Body)
	}
	var doc struct {
		URL string `json:"url"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &doc); err != nil {
		t.Fatalf("decode introspection: %v", err)
	}
	if !strings.HasPrefix(doc.URL, "https://app.example.com/") {
		t.Errorf("introspection url = %q, want forwarded scheme and host", doc.URL)
	}
}

func TestServeHTTPBodyLimit(t *testing.T) {
	clearNimbusEnv(t)
	t.Setenv(comm.EnvEnvironment, "development")

	h := newServeHandler(t, HandlerOpts{
		Functions:    []fn.Servable{echoFunction(t)},
		MaxBodyBytes: 16,
	})

	oversized := `{"event":{"name":"demo/echo","data":"` + strings.Repeat("x", 64) + `"}}`
	req := httptest.NewRequest(http.MethodPost,
		"/api/nimbus?fnId=test-app-echo", strings.NewReader(oversized))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != 500 {
		t.Fatalf("oversized body status = %d, want 500", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "request body") {
		t.Errorf("oversized body response = %s, want read failure surfaced", rec.Body)
	}
}

func TestServeHTTPEmptyRunBody(t *testing.T) {
	clearNimbusEnv(t)
	t.Setenv(comm.EnvEnvironment, "development")

	h := newServeHandler(t, HandlerOpts{Functions: []fn.Servable{echoFunction(t)}})

	req := httptest.NewRequest(http.MethodPost, "/api/nimbus?fnId=test-app-echo", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != 500 {
		t.Errorf("empty body status = %d, want 500 malformed payload", rec.Code)
	}
}
