package app

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"

	"github.com/MrWong99/agrivoice/internal/config"
	"github.com/MrWong99/agrivoice/internal/connectivity"
	"github.com/MrWong99/agrivoice/internal/observe"
	"github.com/MrWong99/agrivoice/internal/offline"
	storagemock "github.com/MrWong99/agrivoice/internal/storage/mock"
	"github.com/MrWong99/agrivoice/internal/voice"
	audiomock "github.com/MrWong99/agrivoice/pkg/audio/mock"
	"github.com/MrWong99/agrivoice/pkg/provider/stt"
	sttmock "github.com/MrWong99/agrivoice/pkg/provider/stt/mock"
	ttsmock "github.com/MrWong99/agrivoice/pkg/provider/tts/mock"
)

type fixture struct {
	app      *App
	srv      *httptest.Server
	primary  *storagemock.Tier
	fallback *storagemock.SyncTier
	rec      *sttmock.Recognizer
	eng      *ttsmock.Engine
	mic      *audiomock.Microphone

	online atomic.Bool

	mu   sync.Mutex
	sent []offline.Action
}

func (f *fixture) sentCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

func newFixture(t *testing.T, yamlCfg string, opts ...Option) *fixture {
	t.Helper()
	cfg, err := config.LoadFromReader(strings.NewReader(yamlCfg))
	if err != nil {
		t.Fatalf("LoadFromReader: %v", err)
	}
	met, err := observe.NewMetrics(sdkmetric.NewMeterProvider())
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}

	f := &fixture{
		primary:  &storagemock.Tier{},
		fallback: &storagemock.SyncTier{},
		rec:      &sttmock.Recognizer{},
		eng:      &ttsmock.Engine{LanguagesResult: []string{"en-US", "hi-IN"}},
		mic:      &audiomock.Microphone{},
	}
	sink := offline.SinkFunc(func(_ context.Context, a offline.Action) error {
		f.mu.Lock()
		defer f.mu.Unlock()
		f.sent = append(f.sent, a)
		return nil
	})
	probe := connectivity.ProbeFunc(func(context.Context) error {
		if f.online.Load() {
			return nil
		}
		return errors.New("dial tcp: no route to host")
	})

	base := []Option{
		WithPrimaryTier(f.primary),
		WithFallbackTier(f.fallback),
		WithSink(sink),
		WithProbe(probe),
		WithMetrics(met),
	}
	engines := Engines{
		Recognition: voice.NewCapability("mock", f.rec),
		Synthesis:   f.eng,
		Microphone:  f.mic,
	}
	a, err := New(context.Background(), cfg, engines, append(base, opts...)...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	f.app = a
	f.srv = httptest.NewServer(a.Handler())
	t.Cleanup(func() {
		f.srv.Close()
		_ = a.Shutdown(context.Background())
	})
	return f
}

func (f *fixture) request(method, path, body string) (int, []byte, error) {
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req, err := http.NewRequest(method, f.srv.URL+path, r)
	if err != nil {
		return 0, nil, err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()
	b, err := io.ReadAll(resp.Body)
	return resp.StatusCode, b, err
}

func (f *fixture) do(t *testing.T, method, path, body string) (int, []byte) {
	t.Helper()
	code, b, err := f.request(method, path, body)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	return code, b
}

func TestAPI_StorageRoundTrip(t *testing.T) {
	f := newFixture(t, "")

	if code, _ := f.do(t, http.MethodPut, "/v1/storage/field", `{"crop": "rice", "acres": 3}`); code != http.StatusNoContent {
		t.Fatalf("PUT status = %d", code)
	}
	code, body := f.do(t, http.MethodGet, "/v1/storage/field", "")
	if code != http.StatusOK {
		t.Fatalf("GET status = %d", code)
	}
	if string(body) != `{"crop":"rice","acres":3}` {
		t.Errorf("GET body = %s", body)
	}
	if _, ok := f.primary.Data()["smartAg_field"]; !ok {
		t.Errorf("primary keys = %v, want smartAg_field", f.primary.Data())
	}

	code, body = f.do(t, http.MethodGet, "/v1/storage", "")
	if code != http.StatusOK || !strings.Contains(string(body), `"field"`) {
		t.Errorf("keys = %d %s", code, body)
	}

	if code, _ := f.do(t, http.MethodDelete, "/v1/storage/field", ""); code != http.StatusNoContent {
		t.Errorf("DELETE status = %d", code)
	}
	if code, _ := f.do(t, http.MethodGet, "/v1/storage/field", ""); code != http.StatusNotFound {
		t.Errorf("GET after delete status = %d, want 404", code)
	}
}

func TestAPI_StorageErrors(t *testing.T) {
	tests := []struct {
		name   string
		method string
		path   string
		body   string
		down   bool
		want   int
	}{
		{name: "invalid json", method: http.MethodPut, path: "/v1/storage/k", body: "{nope", want: http.StatusBadRequest},
		{name: "both tiers down get", method: http.MethodGet, path: "/v1/storage/k", down: true, want: http.StatusServiceUnavailable},
		{name: "both tiers down keys", method: http.MethodGet, path: "/v1/storage", down: true, want: http.StatusServiceUnavailable},
		{name: "both tiers down clear", method: http.MethodDelete, path: "/v1/storage", down: true, want: http.StatusServiceUnavailable},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, "")
			if tt.down {
				f.primary.SetErr(errors.New("quota exceeded"))
				f.fallback.SetErr(errors.New("disk full"))
			}
			code, body := f.do(t, tt.method, tt.path, tt.body)
			if code != tt.want {
				t.Errorf("status = %d, want %d (%s)", code, tt.want, body)
			}
			var e errorResponse
			if err := json.Unmarshal(body, &e); err != nil || e.Error == "" {
				t.Errorf("body = %s, want an error object", body)
			}
		})
	}
}

func TestAPI_StorageServedByFallback(t *testing.T) {
	f := newFixture(t, "")
	f.primary.SetErr(errors.New("quota exceeded"))

	if code, _ := f.do(t, http.MethodPut, "/v1/storage/note", `"water at dawn"`); code != http.StatusNoContent {
		t.Fatalf("PUT status = %d", code)
	}
	if got := f.fallback.Data()["smartAg_note"]; got != `"water at dawn"` {
		t.Errorf("fallback value = %q", got)
	}
}

func TestAPI_QueueOfflineThenDrainOnReconnect(t *testing.T) {
	f := newFixture(t, "")
	ctx := context.Background()

	code, body := f.do(t, http.MethodPost, "/v1/queue", `{"type":"sync-soil","id":1}`)
	if code != http.StatusAccepted {
		t.Fatalf("submit status = %d (%s)", code, body)
	}
	var rcpt submitResponse
	if err := json.Unmarshal(body, &rcpt); err != nil {
		t.Fatalf("decode receipt: %v", err)
	}
	if !rcpt.Queued {
		t.Error("Queued = false while offline")
	}
	if f.sentCount() != 0 {
		t.Errorf("sink called %d times while offline", f.sentCount())
	}

	_, body = f.do(t, http.MethodGet, "/v1/queue", "")
	if !strings.Contains(string(body), rcpt.Action.ID.String()) {
		t.Errorf("pending = %s, want %s", body, rcpt.Action.ID)
	}

	f.online.Store(true)
	if !f.app.monitor.Check(ctx) {
		t.Fatal("monitor still offline")
	}
	if f.sentCount() != 1 {
		t.Fatalf("sink called %d times after reconnect, want 1", f.sentCount())
	}
	pending, err := f.app.Queue().Pending(ctx)
	if err != nil || len(pending) != 0 {
		t.Errorf("pending after drain = %v, %v", pending, err)
	}
}

func TestAPI_QueueOnlineDeliversDirectly(t *testing.T) {
	f := newFixture(t, "")
	f.online.Store(true)
	f.app.monitor.Check(context.Background())

	code, body := f.do(t, http.MethodPost, "/v1/queue", `{"type":"report"}`)
	if code != http.StatusAccepted {
		t.Fatalf("status = %d", code)
	}
	var rcpt submitResponse
	if err := json.Unmarshal(body, &rcpt); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if rcpt.Queued {
		t.Error("Queued = true while online")
	}
	if f.sentCount() != 1 {
		t.Errorf("sink called %d times, want 1", f.sentCount())
	}
}

func TestAPI_QueueInvalidPayload(t *testing.T) {
	f := newFixture(t, "")
	if code, _ := f.do(t, http.MethodPost, "/v1/queue", "not json"); code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", code)
	}
}

func TestAPI_QueueDrainAndClear(t *testing.T) {
	f := newFixture(t, "")
	ctx := context.Background()
	for _, p := range []string{`{"id":1}`, `{"id":2}`} {
		if _, err := f.app.Queue().Enqueue(ctx, json.RawMessage(p)); err != nil {
			t.Fatalf("Enqueue: %v", err)
		}
	}

	code, body := f.do(t, http.MethodPost, "/v1/queue/drain", "")
	if code != http.StatusOK {
		t.Fatalf("drain status = %d", code)
	}
	var rep drainResponse
	if err := json.Unmarshal(body, &rep); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if rep.Processed != 2 || rep.Remaining != 0 || len(rep.Failed) != 0 {
		t.Errorf("report = %+v", rep)
	}

	if _, err := f.app.Queue().Enqueue(ctx, json.RawMessage(`{"id":3}`)); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if code, _ := f.do(t, http.MethodDelete, "/v1/queue", ""); code != http.StatusNoContent {
		t.Errorf("clear status = %d", code)
	}
	if pending, _ := f.app.Queue().Pending(ctx); len(pending) != 0 {
		t.Errorf("pending after clear = %d", len(pending))
	}
}

func TestAPI_Speak(t *testing.T) {
	f := newFixture(t, "")

	done := make(chan int, 1)
	go func() {
		code, _, _ := f.request(http.MethodPost, "/v1/voice/speak", `{"text":"Namaste","settings":{"language":"hi","rate":0.8}}`)
		done <- code
	}()
	if !f.eng.WaitSpeaks(1, time.Second) {
		t.Fatal("engine never spoke")
	}
	f.eng.End(0)

	select {
	case code := <-done:
		if code != http.StatusNoContent {
			t.Errorf("status = %d, want 204", code)
		}
	case <-time.After(time.Second):
		t.Fatal("speak request did not return")
	}
	u := f.eng.Utterances[0]
	if u.Lang != "hi-IN" || u.Rate != 0.8 {
		t.Errorf("utterance = %+v", u)
	}
}

func TestAPI_SpeakErrors(t *testing.T) {
	tests := []struct {
		name string
		body string
		want int
	}{
		{name: "empty text", body: `{"text":""}`, want: http.StatusBadRequest},
		{name: "invalid volume", body: `{"text":"hi","settings":{"volume":2}}`, want: http.StatusBadRequest},
		{name: "unknown field", body: `{"text":"hi","loud":true}`, want: http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, "")
			if code, body := f.do(t, http.MethodPost, "/v1/voice/speak", tt.body); code != tt.want {
				t.Errorf("status = %d, want %d (%s)", code, tt.want, body)
			}
		})
	}
}

func TestAPI_SpeakWithoutSynthesis(t *testing.T) {
	cfg, _ := config.LoadFromReader(strings.NewReader(""))
	a, err := New(context.Background(), cfg, Engines{},
		WithPrimaryTier(&storagemock.Tier{}),
		WithSink(offline.LogSink{}),
	)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	srv := httptest.NewServer(a.Handler())
	defer srv.Close()

	resp, err := http.Post(srv.URL+"/v1/voice/speak", "application/json", strings.NewReader(`{"text":"hi"}`))
	if err != nil {
		t.Fatalf("POST: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotImplemented {
		t.Errorf("status = %d, want 501", resp.StatusCode)
	}
}

func TestAPI_Listen(t *testing.T) {
	f := newFixture(t, "")

	type res struct {
		code int
		body []byte
	}
	done := make(chan res, 1)
	go func() {
		code, body, _ := f.request(http.MethodPost, "/v1/voice/listen", "")
		done <- res{code, body}
	}()
	s := f.rec.WaitStream(0, time.Second)
	if s == nil {
		t.Fatal("recognizer never started")
	}
	s.Emit(stt.ResultEvent("how much", 0.5, false))
	s.Emit(stt.ResultEvent("how much water", 0.9, true))

	var r res
	select {
	case r = <-done:
	case <-time.After(time.Second):
		t.Fatal("listen request did not return")
	}
	if r.code != http.StatusOK {
		t.Fatalf("status = %d (%s)", r.code, r.body)
	}
	var got listenResponse
	if err := json.Unmarshal(r.body, &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.Text != "how much water" {
		t.Errorf("text = %q", got.Text)
	}
	if !slices.Equal(got.Interim, []string{"how much"}) {
		t.Errorf("interim = %v", got.Interim)
	}
}

func TestAPI_ListenPermissionDenied(t *testing.T) {
	f := newFixture(t, "")
	f.mic.OpenErr = errors.New("NotAllowedError")
	if code, _ := f.do(t, http.MethodPost, "/v1/voice/listen", ""); code != http.StatusForbidden {
		t.Errorf("status = %d, want 403", code)
	}
}

func TestAPI_Settings(t *testing.T) {
	f := newFixture(t, "")

	code, body := f.do(t, http.MethodPatch, "/v1/voice/settings", `{"language":"ta","rate":1.2}`)
	if code != http.StatusOK {
		t.Fatalf("PATCH status = %d (%s)", code, body)
	}
	var s voice.Settings
	if err := json.Unmarshal(body, &s); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if s.Language != "ta" || s.Rate != 1.2 || s.Volume != 1 {
		t.Errorf("settings = %+v", s)
	}

	if code, _ := f.do(t, http.MethodPatch, "/v1/voice/settings", `{"pitch":0}`); code != http.StatusBadRequest {
		t.Errorf("invalid PATCH status = %d, want 400", code)
	}
	if got := f.app.Voice().Settings(); got != s {
		t.Errorf("settings after rejected PATCH = %+v, want %+v", got, s)
	}
}

func TestAPI_LanguagesAndStatus(t *testing.T) {
	f := newFixture(t, "")

	code, body := f.do(t, http.MethodGet, "/v1/voice/languages", "")
	if code != http.StatusOK || !strings.Contains(string(body), "hi-IN") {
		t.Errorf("languages = %d %s", code, body)
	}

	code, body = f.do(t, http.MethodGet, "/v1/voice/status", "")
	if code != http.StatusOK {
		t.Fatalf("status code = %d", code)
	}
	var st voiceStatus
	if err := json.Unmarshal(body, &st); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !st.RecognitionAvailable || !st.SynthesisAvailable {
		t.Errorf("status = %+v", st)
	}
}

func TestAPI_Health(t *testing.T) {
	f := newFixture(t, "")

	// Offline farm api is optional, so readiness degrades but stays 200.
	code, body := f.do(t, http.MethodGet, "/readyz", "")
	if code != http.StatusOK || !strings.Contains(string(body), "degraded") {
		t.Errorf("readyz = %d %s", code, body)
	}

	f.primary.SetErr(errors.New("down"))
	f.fallback.SetErr(errors.New("down"))
	if code, _ := f.do(t, http.MethodGet, "/readyz", ""); code != http.StatusServiceUnavailable {
		t.Errorf("readyz with storage down = %d, want 503", code)
	}
}

func TestApp_ApplyConfig(t *testing.T) {
	f := newFixture(t, "")
	old := f.app.cfg
	next := *old
	next.Voice.Language = "mr"
	next.Voice.Rate = 0.9

	f.app.ApplyConfig(config.Reload{Old: old, New: &next, Diff: config.Diff(old, &next)})

	got := f.app.Voice().Settings()
	if got.Language != "mr" || got.Rate != 0.9 {
		t.Errorf("settings = %+v", got)
	}
}

func TestApp_RunStopsOnCancel(t *testing.T) {
	f := newFixture(t, "server:\n  listen_addr: 127.0.0.1:0\nconnectivity:\n  interval: 10ms\n")
	f.online.Store(true)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- f.app.Run(ctx) }()

	deadline := time.Now().Add(time.Second)
	for !f.app.monitor.Online() {
		if time.Now().After(deadline) {
			t.Fatal("monitor never went online")
		}
		time.Sleep(5 * time.Millisecond)
	}
	cancel()

	select {
	case err := <-errCh:
		if err != nil {
			t.Errorf("Run: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestApp_ShutdownIdempotent(t *testing.T) {
	f := newFixture(t, "")
	var closed int
	f.app.closers = append(f.app.closers, func() error { closed++; return nil })

	if err := f.app.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	if err := f.app.Shutdown(context.Background()); err != nil {
		t.Fatalf("second Shutdown: %v", err)
	}
	if closed != 1 {
		t.Errorf("closer ran %d times, want 1", closed)
	}
}

func TestApp_ShutdownDeadline(t *testing.T) {
	f := newFixture(t, "")
	f.app.closers = append(f.app.closers, func() error { return nil })

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := f.app.Shutdown(ctx); !errors.Is(err, context.Canceled) {
		t.Errorf("err = %v, want context.Canceled", err)
	}
}
