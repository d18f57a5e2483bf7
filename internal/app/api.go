package app

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/MrWong99/agrivoice/internal/offline"
	"github.com/MrWong99/agrivoice/internal/storage"
	"github.com/MrWong99/agrivoice/internal/voice"
)

// maxBody bounds request bodies on the control API.
const maxBody = 1 << 20

func (a *App) routes() *http.ServeMux {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /v1/voice/speak", a.handleSpeak)
	mux.HandleFunc("POST /v1/voice/test", a.handleTestVoice)
	mux.HandleFunc("POST /v1/voice/listen", a.handleListen)
	mux.HandleFunc("POST /v1/voice/stop", a.handleStop)
	mux.HandleFunc("GET /v1/voice/status", a.handleVoiceStatus)
	mux.HandleFunc("GET /v1/voice/settings", a.handleGetSettings)
	mux.HandleFunc("PATCH /v1/voice/settings", a.handlePatchSettings)
	mux.HandleFunc("GET /v1/voice/languages", a.handleLanguages)
	mux.HandleFunc("POST /v1/voice/permission/reset", a.handleResetPermission)

	mux.HandleFunc("GET /v1/storage", a.handleStorageKeys)
	mux.HandleFunc("DELETE /v1/storage", a.handleStorageClear)
	mux.HandleFunc("GET /v1/storage/{key}", a.handleStorageGet)
	mux.HandleFunc("PUT /v1/storage/{key}", a.handleStoragePut)
	mux.HandleFunc("DELETE /v1/storage/{key}", a.handleStorageDelete)

	mux.HandleFunc("GET /v1/queue", a.handleQueueList)
	mux.HandleFunc("POST /v1/queue", a.handleQueueSubmit)
	mux.HandleFunc("DELETE /v1/queue", a.handleQueueClear)
	mux.HandleFunc("POST /v1/queue/drain", a.handleQueueDrain)

	a.health.Register(mux)
	mux.Handle("GET /metrics", promhttp.Handler())
	return mux
}

// ── Voice ────────────────────────────────────────────────────────────────────

type speakRequest struct {
	Text     string                  `json:"text"`
	Settings *voice.SettingsOverride `json:"settings,omitempty"`
}

func (a *App) handleSpeak(w http.ResponseWriter, r *http.Request) {
	var req speakRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Text == "" {
		writeError(w, http.StatusBadRequest, errors.New("text is required"))
		return
	}
	if err := a.voice.Speak(r.Context(), req.Text, req.Settings); err != nil {
		writeVoiceError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type testVoiceRequest struct {
	Language string `json:"language"`
}

func (a *App) handleTestVoice(w http.ResponseWriter, r *http.Request) {
	var req testVoiceRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Language == "" {
		req.Language = a.voice.Settings().Language
	}
	if err := a.voice.TestVoice(r.Context(), req.Language); err != nil {
		writeVoiceError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type listenResponse struct {
	Text    string   `json:"text"`
	Interim []string `json:"interim,omitempty"`
}

func (a *App) handleListen(w http.ResponseWriter, r *http.Request) {
	var (
		mu      sync.Mutex
		interim []string
	)
	onTranscript := func(text string, isFinal bool) {
		if isFinal {
			return
		}
		mu.Lock()
		interim = append(interim, text)
		mu.Unlock()
	}

	text, err := a.voice.Listen(r.Context(), onTranscript, nil)
	if errors.Is(err, voice.ErrNoTranscript) {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	if err != nil {
		writeVoiceError(w, err)
		return
	}
	mu.Lock()
	defer mu.Unlock()
	writeJSON(w, http.StatusOK, listenResponse{Text: text, Interim: interim})
}

func (a *App) handleStop(w http.ResponseWriter, _ *http.Request) {
	a.voice.Stop()
	w.WriteHeader(http.StatusNoContent)
}

type voiceStatus struct {
	RecognitionAvailable bool   `json:"recognition_available"`
	SynthesisAvailable   bool   `json:"synthesis_available"`
	CaptureState         string `json:"capture_state"`
	UtteranceState       string `json:"utterance_state"`
}

func (a *App) handleVoiceStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, voiceStatus{
		RecognitionAvailable: a.voice.RecognitionAvailable(),
		SynthesisAvailable:   a.voice.SynthesisAvailable(),
		CaptureState:         a.voice.CaptureState().String(),
		UtteranceState:       a.voice.UtteranceState().String(),
	})
}

func (a *App) handleGetSettings(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, a.voice.Settings())
}

func (a *App) handlePatchSettings(w http.ResponseWriter, r *http.Request) {
	var o voice.SettingsOverride
	if !decodeJSON(w, r, &o) {
		return
	}
	s, err := a.voice.UpdateSettings(o)
	if err != nil {
		writeVoiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s)
}

func (a *App) handleLanguages(w http.ResponseWriter, r *http.Request) {
	langs, err := a.voice.AvailableLanguages(r.Context())
	if err != nil {
		writeError(w, http.StatusBadGateway, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string][]string{"languages": langs})
}

func (a *App) handleResetPermission(w http.ResponseWriter, _ *http.Request) {
	a.voice.ResetPermission()
	w.WriteHeader(http.StatusNoContent)
}

// writeVoiceError maps voice errors to HTTP statuses.
func writeVoiceError(w http.ResponseWriter, err error) {
	var (
		rerr *voice.RecognitionError
		serr *voice.SynthesisError
	)
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, voice.ErrInvalidSettings):
		status = http.StatusBadRequest
	case errors.Is(err, voice.ErrPermissionDenied):
		status = http.StatusForbidden
	case errors.Is(err, voice.ErrCapabilityUnavailable), errors.Is(err, voice.ErrSynthesisUnsupported):
		status = http.StatusNotImplemented
	case errors.Is(err, voice.ErrCancelled):
		status = http.StatusConflict
	case errors.As(err, &rerr), errors.As(err, &serr):
		status = http.StatusBadGateway
	}
	writeError(w, status, err)
}

// ── Storage ──────────────────────────────────────────────────────────────────

func (a *App) handleStorageKeys(w http.ResponseWriter, r *http.Request) {
	keys, err := a.store.Keys(r.Context())
	if err != nil {
		writeStorageError(w, err)
		return
	}
	if keys == nil {
		keys = []string{}
	}
	writeJSON(w, http.StatusOK, map[string][]string{"keys": keys})
}

func (a *App) handleStorageClear(w http.ResponseWriter, r *http.Request) {
	if err := a.store.Clear(r.Context()); err != nil {
		writeStorageError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *App) handleStorageGet(w http.ResponseWriter, r *http.Request) {
	raw, ok, err := a.store.GetRaw(r.Context(), r.PathValue("key"))
	if err != nil {
		writeStorageError(w, err)
		return
	}
	if !ok {
		writeError(w, http.StatusNotFound, errors.New("key not found"))
		return
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(raw)
}

func (a *App) handleStoragePut(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBody))
	if err != nil {
		writeError(w, http.StatusRequestEntityTooLarge, err)
		return
	}
	if !json.Valid(body) {
		writeError(w, http.StatusBadRequest, errors.New("body is not valid JSON"))
		return
	}
	if err := a.store.SetRaw(r.Context(), r.PathValue("key"), body); err != nil {
		writeStorageError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *App) handleStorageDelete(w http.ResponseWriter, r *http.Request) {
	if err := a.store.RemoveItem(r.Context(), r.PathValue("key")); err != nil {
		writeStorageError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func writeStorageError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	if errors.Is(err, storage.ErrStorageUnavailable) {
		status = http.StatusServiceUnavailable
	}
	writeError(w, status, err)
}

// ── Queue ────────────────────────────────────────────────────────────────────

func (a *App) handleQueueList(w http.ResponseWriter, r *http.Request) {
	pending, err := a.queue.Pending(r.Context())
	if err != nil {
		writeStorageError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"actions": pending})
}

type submitResponse struct {
	Action offline.Action `json:"action"`
	Queued bool           `json:"queued"`
}

func (a *App) handleQueueSubmit(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBody))
	if err != nil {
		writeError(w, http.StatusRequestEntityTooLarge, err)
		return
	}
	rcpt, err := a.dispatcher.Submit(r.Context(), body)
	if errors.Is(err, offline.ErrInvalidPayload) {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if err != nil {
		writeStorageError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, submitResponse{Action: rcpt.Action, Queued: rcpt.Queued})
}

func (a *App) handleQueueClear(w http.ResponseWriter, r *http.Request) {
	if err := a.queue.Clear(r.Context()); err != nil {
		writeStorageError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type drainFailure struct {
	ID    string `json:"id"`
	Error string `json:"error"`
}

type drainResponse struct {
	Processed int            `json:"processed"`
	Failed    []drainFailure `json:"failed"`
	Remaining int            `json:"remaining"`
}

func (a *App) handleQueueDrain(w http.ResponseWriter, r *http.Request) {
	report, err := a.Drain(r.Context())
	if err != nil {
		writeStorageError(w, err)
		return
	}
	resp := drainResponse{
		Processed: report.Processed,
		Failed:    make([]drainFailure, 0, len(report.Failed)),
		Remaining: report.Remaining,
	}
	for _, f := range report.Failed {
		resp.Failed = append(resp.Failed, drainFailure{ID: f.Action.ID.String(), Error: f.Err.Error()})
	}
	writeJSON(w, http.StatusOK, resp)
}

// ── Helpers ──────────────────────────────────────────────────────────────────

type errorResponse struct {
	Error string `json:"error"`
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBody))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, err)
		return false
	}
	return true
}

func writeError(w http.ResponseWriter, status int, err error) {
	if status >= http.StatusInternalServerError {
		slog.Warn("app: request failed", "status", status, "err", err)
	}
	writeJSON(w, status, errorResponse{Error: err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
