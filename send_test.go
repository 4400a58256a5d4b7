package nimbusgo

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"

	"github.com/oriys/nimbusgo/comm"
)

// clearNimbusEnv 把协议相关环境变量固定为空值，隔离宿主机环境。
func clearNimbusEnv(t *testing.T) {
	t.Helper()
	for _, k := range []string{
		comm.EnvSigningKey,
		comm.EnvEventKey,
		comm.EnvLandingPage,
		comm.EnvDev,
		comm.EnvDevServerURL,
		comm.EnvEnvironment,
		"NIMBUS_SIGNING_KEY_FILE",
		"NIMBUS_EVENT_KEY_FILE",
	} {
		t.Setenv(k, "")
	}
}

func quietTestLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func newTestClient(t *testing.T, opts ClientOpts) *Client {
	t.Helper()
	if opts.AppName == "" {
		opts.AppName = "test-app"
	}
	if opts.Logger == nil {
		opts.Logger = quietTestLogger()
	}
	if opts.MetricsRegisterer == nil {
		// 每个测试客户端独占注册表，避免指标重复注册
		opts.MetricsRegisterer = prometheus.NewRegistry()
	}
	c, err := NewClient(context.Background(), opts)
	if err != nil {
		t.Fatalf("NewClient() error = %v", err)
	}
	return c
}

func TestSendMany(t *testing.T) {
	clearNimbusEnv(t)

	var (
		gotPath string
		gotCT   string
		gotBody []Event
	)
	eventAPI := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotCT = r.Header.Get("Content-Type")
		if err := json.NewDecoder(r.Body).Decode(&gotBody); err != nil {
			t.Errorf("decode events: %v", err)
		}
		_, _ = w.Write([]byte(`{"ids":["srv-1","srv-2"],"status":200}`))
	}))
	defer eventAPI.Close()

	c := newTestClient(t, ClientOpts{EventKey: "test-key", EventAPIURL: eventAPI.URL})

	ids, err := c.SendMany(context.Background(), []Event{
		{Name: "order/created", Data: map[string]any{"total": 42}},
		{Name: "order/paid"},
	})
	if err != nil {
		t.Fatalf("SendMany() error = %v", err)
	}

	if gotPath != "/e/test-key" {
		t.Errorf("event api path = %q, want key in path", gotPath)
	}
	if gotCT != "application/json" {
		t.Errorf("Content-Type = %q", gotCT)
	}
	if len(gotBody) != 2 {
		t.Fatalf("sent events = %d, want 2", len(gotBody))
	}
	for i, evt := range gotBody {
		if _, err := uuid.Parse(evt.ID); err != nil {
			t.Errorf("event %d id = %q, want generated uuid", i, evt.ID)
		}
		if evt.Timestamp == 0 {
			t.Errorf("event %d timestamp not filled", i)
		}
	}
	// 应答携带标识列表时以其为准
	if len(ids) != 2 || ids[0] != "srv-1" || ids[1] != "srv-2" {
		t.Errorf("SendMany() ids = %v, want server-assigned ids", ids)
	}
}

func TestSendKeepsExplicitIDAndTimestamp(t *testing.T) {
	clearNimbusEnv(t)

	var gotBody []Event
	eventAPI := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewDecoder(r.Body).Decode(&gotBody)
		w.WriteHeader(http.StatusOK)
	}))
	defer eventAPI.Close()

	c := newTestClient(t, ClientOpts{EventKey: "test-key", EventAPIURL: eventAPI.URL})

	id, err := c.Send(context.Background(), Event{ID: "evt-1", Name: "order/created", Timestamp: 1700000000000})
	if err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	if id != "evt-1" {
		t.Errorf("Send() id = %q, want explicit id preserved", id)
	}
	if len(gotBody) != 1 || gotBody[0].ID != "evt-1" || gotBody[0].Timestamp != 1700000000000 {
		t.Errorf("sent event = %+v, want explicit fields preserved", gotBody)
	}
}

func TestSendValidatesBeforeSending(t *testing.T) {
	clearNimbusEnv(t)

	var calls atomic.Int32
	eventAPI := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
	}))
	defer eventAPI.Close()

	c := newTestClient(t, ClientOpts{EventKey: "test-key", EventAPIURL: eventAPI.URL})

	_, err := c.SendMany(context.Background(), []Event{
		{Name: "order/created"},
		{Name: "   "},
	})
	if !errors.Is(err, ErrInvalidEvent) {
		t.Fatalf("SendMany() error = %v, want ErrInvalidEvent", err)
	}
	if calls.Load() != 0 {
		t.Error("invalid batch reached the event api")
	}
}

func TestSendNoEvents(t *testing.T) {
	clearNimbusEnv(t)
	c := newTestClient(t, ClientOpts{EventKey: "test-key"})

	if _, err := c.SendMany(context.Background(), nil); !errors.Is(err, ErrNoEvents) {
		t.Errorf("SendMany(nil) error = %v, want ErrNoEvents", err)
	}
}

func TestSendMissingKeyInProduction(t *testing.T) {
	clearNimbusEnv(t)
	t.Setenv(comm.EnvEnvironment, "production")

	c := newTestClient(t, ClientOpts{})
	if _, err := c.Send(context.Background(), Event{Name: "order/created"}); !errors.Is(err, ErrMissingEventKey) {
		t.Errorf("Send() error = %v, want ErrMissingEventKey", err)
	}
}

func TestSendDevFallbackKey(t *testing.T) {
	clearNimbusEnv(t)
	t.Setenv(comm.EnvEnvironment, "development")

	var gotPath string
	eventAPI := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		w.WriteHeader(http.StatusOK)
	}))
	defer eventAPI.Close()

	c := newTestClient(t, ClientOpts{EventAPIURL: eventAPI.URL})
	if _, err := c.Send(context.Background(), Event{Name: "order/created"}); err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	if gotPath != "/e/"+devEventKey {
		t.Errorf("event api path = %q, want dev fallback key", gotPath)
	}
}

func TestSendServerError(t *testing.T) {
	clearNimbusEnv(t)

	eventAPI := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error":"event name rejected"}`))
	}))
	defer eventAPI.Close()

	c := newTestClient(t, ClientOpts{EventKey: "test-key", EventAPIURL: eventAPI.URL})

	_, err := c.Send(context.Background(), Event{Name: "order/created"})
	if err == nil || !strings.Contains(err.Error(), "event name rejected") {
		t.Errorf("Send() error = %v, want server message surfaced", err)
	}
}

func TestSendTransportError(t *testing.T) {
	clearNimbusEnv(t)

	eventAPI := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	eventAPI.Close()

	c := newTestClient(t, ClientOpts{EventKey: "test-key", EventAPIURL: eventAPI.URL})

	_, err := c.Send(context.Background(), Event{Name: "order/created"})
	if err == nil || !strings.Contains(err.Error(), "send events") {
		t.Errorf("Send() error = %v, want wrapped transport failure", err)
	}
}

func TestEventValidate(t *testing.T) {
	if err := (Event{Name: "order/created"}).Validate(); err != nil {
		t.Errorf("Validate() error = %v, want nil", err)
	}
	if err := (Event{}).Validate(); !errors.Is(err, ErrInvalidEvent) {
		t.Errorf("Validate() error = %v, want ErrInvalidEvent", err)
	}
}
