package pyannote

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"voxsplit/internal/audio"
	"voxsplit/internal/engine"
)

func testWaveform() *audio.Waveform {
	return &audio.Waveform{Samples: make([]int16, 1600), SampleRate: 1600}
}

func kindOf(t *testing.T, err error) engine.ErrorKind {
	t.Helper()
	var engErr *engine.Error
	if !errors.As(err, &engErr) {
		t.Fatalf("expected *engine.Error, got %T: %v", err, err)
	}
	return engErr.Kind
}

func TestDiarizeDecodesSegments(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/diarize" {
			t.Errorf("path: %q", r.URL.Path)
		}
		if _, _, err := r.FormFile("audio"); err != nil {
			t.Errorf("form file: %v", err)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"segments":[
			{"speaker":"SPEAKER_00","start":0,"end":2.5,"confidence":0.93},
			{"speaker":"SPEAKER_01","start":2.5,"end":4,"confidence":0.88}
		]}`))
	}))
	defer srv.Close()

	turns, err := New(Config{BaseURL: srv.URL}).Diarize(context.Background(), testWaveform())
	if err != nil {
		t.Fatalf("diarize: %v", err)
	}
	if len(turns) != 2 {
		t.Fatalf("turn count: got %d", len(turns))
	}
	if turns[0].Speaker != "SPEAKER_00" || turns[0].End != 2.5 {
		t.Fatalf("first turn: %+v", turns[0])
	}
	if turns[1].Speaker != "SPEAKER_01" || turns[1].Confidence != 0.88 {
		t.Fatalf("second turn: %+v", turns[1])
	}
}

func TestDiarizeStatusMapping(t *testing.T) {
	cases := []struct {
		name   string
		status int
		want   engine.ErrorKind
	}{
		{"unsupported media", http.StatusUnsupportedMediaType, engine.KindUnsupported},
		{"unprocessable", http.StatusUnprocessableEntity, engine.KindUnsupported},
		{"server error", http.StatusInternalServerError, engine.KindTransient},
		{"bad gateway", http.StatusBadGateway, engine.KindTransient},
		{"unexpected", http.StatusTeapot, engine.KindInternal},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(tc.status)
			}))
			defer srv.Close()

			_, err := New(Config{BaseURL: srv.URL}).Diarize(context.Background(), testWaveform())
			if err == nil {
				t.Fatalf("expected error for status %d", tc.status)
			}
			if got := kindOf(t, err); got != tc.want {
				t.Fatalf("kind for status %d: got %s want %s", tc.status, got, tc.want)
			}
		})
	}
}

func TestDiarizeUnreachableSidecarIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	srv.Close() // nothing listens anymore

	_, err := New(Config{BaseURL: srv.URL}).Diarize(context.Background(), testWaveform())
	if err == nil {
		t.Fatalf("expected transport error")
	}
	if got := kindOf(t, err); got != engine.KindTransient {
		t.Fatalf("kind: got %s want %s", got, engine.KindTransient)
	}
}

func TestDiarizeEmbeddedError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"error":"model not loaded"}`))
	}))
	defer srv.Close()

	_, err := New(Config{BaseURL: srv.URL}).Diarize(context.Background(), testWaveform())
	if err == nil {
		t.Fatalf("expected embedded error")
	}
	if got := kindOf(t, err); got != engine.KindInternal {
		t.Fatalf("kind: got %s", got)
	}
}

func TestIsAvailable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/health" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	e := New(Config{BaseURL: srv.URL})
	if !e.IsAvailable(context.Background()) {
		t.Fatalf("healthy sidecar reported unavailable")
	}

	srv.Close()
	if e.IsAvailable(context.Background()) {
		t.Fatalf("dead sidecar reported available")
	}
}
