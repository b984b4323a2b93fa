// Package pyannote adapts a pyannote HTTP sidecar to the engine contract.
package pyannote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"mime/multipart"
	"net"
	"net/http"
	"time"

	"voxsplit/internal/audio"
	"voxsplit/internal/engine"
)

const (
	defaultBaseURL = "http://localhost:8388"
	defaultTimeout = 300 * time.Second
)

// Config holds connection settings for the sidecar.
type Config struct {
	BaseURL string
	Timeout time.Duration
}

// Engine implements engine.Engine against the pyannote sidecar API.
type Engine struct {
	cfg    Config
	client *http.Client
}

// New creates a sidecar-backed engine.
func New(cfg Config) *Engine {
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultBaseURL
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = defaultTimeout
	}
	return &Engine{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.Timeout},
	}
}

// IsAvailable probes the sidecar health endpoint.
func (e *Engine) IsAvailable(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, e.cfg.BaseURL+"/health", nil)
	if err != nil {
		return false
	}
	resp, err := e.client.Do(req)
	if err != nil {
		return false
	}
	defer func() { _ = resp.Body.Close() }()
	return resp.StatusCode == http.StatusOK
}

type sidecarSegment struct {
	Speaker    string  `json:"speaker"`
	Start      float64 `json:"start"`
	End        float64 `json:"end"`
	Confidence float64 `json:"confidence"`
}

type sidecarResponse struct {
	Segments []sidecarSegment `json:"segments"`
	Error    string           `json:"error,omitempty"`
}

// Diarize posts the waveform as a WAV form file and decodes the turn list.
func (e *Engine) Diarize(ctx context.Context, w *audio.Waveform) ([]engine.Turn, error) {
	var buf bytes.Buffer
	writer := multipart.NewWriter(&buf)
	part, err := writer.CreateFormFile("audio", "audio.wav")
	if err != nil {
		return nil, engine.NewError(engine.KindInternal, "create form file: %v", err)
	}
	if _, err := part.Write(audio.EncodeWAV(w.Samples, w.SampleRate)); err != nil {
		return nil, engine.NewError(engine.KindInternal, "write audio data: %v", err)
	}
	_ = writer.Close()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.cfg.BaseURL+"/diarize", &buf)
	if err != nil {
		return nil, engine.NewError(engine.KindInternal, "create request: %v", err)
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())

	resp, err := e.client.Do(req)
	if err != nil {
		return nil, classifyTransportError(err)
	}
	defer func() { _ = resp.Body.Close() }()

	switch {
	case resp.StatusCode == http.StatusOK:
	case resp.StatusCode == http.StatusUnsupportedMediaType || resp.StatusCode == http.StatusUnprocessableEntity:
		body, _ := io.ReadAll(resp.Body)
		return nil, engine.NewError(engine.KindUnsupported, "sidecar rejected input: %s", string(body))
	case resp.StatusCode >= http.StatusInternalServerError:
		body, _ := io.ReadAll(resp.Body)
		return nil, engine.NewError(engine.KindTransient, "sidecar status %d: %s", resp.StatusCode, string(body))
	default:
		body, _ := io.ReadAll(resp.Body)
		return nil, engine.NewError(engine.KindInternal, "sidecar status %d: %s", resp.StatusCode, string(body))
	}

	var result sidecarResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, engine.NewError(engine.KindInternal, "decode response: %v", err)
	}
	if result.Error != "" {
		return nil, engine.NewError(engine.KindInternal, "%s", result.Error)
	}

	turns := make([]engine.Turn, 0, len(result.Segments))
	for _, s := range result.Segments {
		turns = append(turns, engine.Turn{
			Speaker:    s.Speaker,
			Start:      s.Start,
			End:        s.End,
			Confidence: s.Confidence,
		})
	}
	return turns, nil
}

func classifyTransportError(err error) error {
	var netErr net.Error
	if errors.As(err, &netErr) || errors.Is(err, context.DeadlineExceeded) {
		return engine.NewError(engine.KindTransient, "sidecar request: %v", err)
	}
	return engine.NewError(engine.KindTransient, "sidecar unreachable: %v", err)
}
