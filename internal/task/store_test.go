package task

import (
	"errors"
	"path/filepath"
	"testing"
	"time"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := NewStore(filepath.Join(t.TempDir(), "tasks.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func mustCreate(t *testing.T, store *Store, id string) *Task {
	t.Helper()
	newTask := &Task{ID: id, Status: StatusPending, OriginalFilename: "audio.wav"}
	if err := store.Create(newTask); err != nil {
		t.Fatalf("create task: %v", err)
	}
	return newTask
}

func TestCreateAndGet(t *testing.T) {
	store := newTestStore(t)
	mustCreate(t, store, "t1")

	got, err := store.Get("t1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != StatusPending {
		t.Fatalf("expected pending, got %s", got.Status)
	}
	if got.SubmittedAt.IsZero() {
		t.Fatalf("expected submitted_at to be set")
	}

	if _, err := store.Get("missing"); !errors.Is(err, ErrTaskNotFound) {
		t.Fatalf("expected ErrTaskNotFound, got %v", err)
	}
}

func TestStatusDAG(t *testing.T) {
	store := newTestStore(t)
	mustCreate(t, store, "t1")

	// pending cannot complete directly
	if err := store.UpdateStatus("t1", StatusCompleted, Fields{}); !errors.Is(err, ErrConflict) {
		t.Fatalf("expected conflict for pending->completed, got %v", err)
	}

	now := time.Now().UTC()
	if err := store.UpdateStatus("t1", StatusProcessing, Fields{StartedAt: &now}); err != nil {
		t.Fatalf("pending->processing: %v", err)
	}
	if err := store.UpdateStatus("t1", StatusCompleted, Fields{FinishedAt: &now}); err != nil {
		t.Fatalf("processing->completed: %v", err)
	}

	// a delayed duplicate signal must not resurrect the record
	if err := store.UpdateStatus("t1", StatusProcessing, Fields{}); !errors.Is(err, ErrConflict) {
		t.Fatalf("expected conflict for completed->processing, got %v", err)
	}
	if err := store.UpdateStatus("t1", StatusFailed, Fields{ErrorKind: KindEngine, ErrorMessage: "late"}); !errors.Is(err, ErrConflict) {
		t.Fatalf("expected conflict for completed->failed, got %v", err)
	}

	got, err := store.Get("t1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != StatusCompleted {
		t.Fatalf("rejected transition mutated record: %s", got.Status)
	}
	if got.ErrorMessage != "" {
		t.Fatalf("rejected transition leaked fields: %q", got.ErrorMessage)
	}

	if err := store.UpdateStatus("t1", StatusExpired, Fields{}); err != nil {
		t.Fatalf("completed->expired: %v", err)
	}

	if err := store.UpdateStatus("missing", StatusProcessing, Fields{}); !errors.Is(err, ErrTaskNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestCancelFromPendingAndProcessing(t *testing.T) {
	store := newTestStore(t)
	mustCreate(t, store, "p")
	mustCreate(t, store, "r")

	now := time.Now().UTC()
	if err := store.UpdateStatus("p", StatusCancelled, Fields{FinishedAt: &now, ErrorKind: KindCancelled, ErrorMessage: "task cancelled"}); err != nil {
		t.Fatalf("pending->cancelled: %v", err)
	}
	if err := store.UpdateStatus("r", StatusProcessing, Fields{}); err != nil {
		t.Fatalf("pending->processing: %v", err)
	}
	if err := store.UpdateStatus("r", StatusCancelled, Fields{FinishedAt: &now, ErrorKind: KindCancelled, ErrorMessage: "task cancelled"}); err != nil {
		t.Fatalf("processing->cancelled: %v", err)
	}
	// cancelled is terminal
	if err := store.UpdateStatus("r", StatusProcessing, Fields{}); !errors.Is(err, ErrConflict) {
		t.Fatalf("expected conflict for cancelled->processing, got %v", err)
	}
}

func TestSetProgressMonotone(t *testing.T) {
	store := newTestStore(t)
	mustCreate(t, store, "t1")

	// ignored while pending
	if err := store.SetProgress("t1", 40); err != nil {
		t.Fatalf("set progress: %v", err)
	}
	got, _ := store.Get("t1")
	if got.Progress != 0 {
		t.Fatalf("progress set on pending task: %d", got.Progress)
	}

	if err := store.UpdateStatus("t1", StatusProcessing, Fields{}); err != nil {
		t.Fatalf("to processing: %v", err)
	}
	for _, p := range []int{10, 60, 30} {
		if err := store.SetProgress("t1", p); err != nil {
			t.Fatalf("set progress %d: %v", p, err)
		}
	}
	got, _ = store.Get("t1")
	if got.Progress != 60 {
		t.Fatalf("expected monotone progress 60, got %d", got.Progress)
	}
}

func TestMetadataRoundTrip(t *testing.T) {
	store := newTestStore(t)
	mustCreate(t, store, "t1")

	if err := store.UpdateStatus("t1", StatusProcessing, Fields{}); err != nil {
		t.Fatalf("to processing: %v", err)
	}
	md := &Metadata{
		TaskID:    "t1",
		AudioInfo: AudioInfo{OriginalFilename: "audio.wav", DurationSeconds: 25, SampleRate: 16000, Channels: 1},
		Results:   DiarizationResults{TotalSpeakers: 2, TotalSegments: 3},
		Speakers: []Speaker{
			{SpeakerID: "speaker_0", TotalSegments: 2, TotalSpeakingTimeSeconds: 15},
			{SpeakerID: "speaker_1", TotalSegments: 1, TotalSpeakingTimeSeconds: 10},
		},
	}
	now := time.Now().UTC()
	if err := store.UpdateStatus("t1", StatusCompleted, Fields{FinishedAt: &now, Metadata: md}); err != nil {
		t.Fatalf("to completed: %v", err)
	}

	got, err := store.Get("t1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Metadata == nil || got.Metadata.Results.TotalSpeakers != 2 {
		t.Fatalf("metadata not persisted: %+v", got.Metadata)
	}
	if got.Metadata.Speakers[0].SpeakerID != "speaker_0" {
		t.Fatalf("speaker order lost: %+v", got.Metadata.Speakers)
	}
}

func TestListFilters(t *testing.T) {
	store := newTestStore(t)
	old := time.Now().UTC().Add(-48 * time.Hour)

	mustCreate(t, store, "a")
	mustCreate(t, store, "b")
	mustCreate(t, store, "c")
	if err := store.UpdateStatus("b", StatusProcessing, Fields{}); err != nil {
		t.Fatalf("b to processing: %v", err)
	}
	if err := store.UpdateStatus("c", StatusProcessing, Fields{}); err != nil {
		t.Fatalf("c to processing: %v", err)
	}
	if err := store.UpdateStatus("c", StatusCompleted, Fields{FinishedAt: &old}); err != nil {
		t.Fatalf("c to completed: %v", err)
	}

	pending, err := store.List(Filter{Statuses: []Status{StatusPending}})
	if err != nil {
		t.Fatalf("list pending: %v", err)
	}
	if len(pending) != 1 || pending[0].ID != "a" {
		t.Fatalf("expected only task a pending, got %+v", pending)
	}

	finished, err := store.List(Filter{
		Statuses:       []Status{StatusCompleted, StatusFailed, StatusCancelled},
		FinishedBefore: time.Now().UTC().Add(-24 * time.Hour),
	})
	if err != nil {
		t.Fatalf("list finished: %v", err)
	}
	if len(finished) != 1 || finished[0].ID != "c" {
		t.Fatalf("expected only task c finished-before, got %+v", finished)
	}
}

func TestDelete(t *testing.T) {
	store := newTestStore(t)
	mustCreate(t, store, "t1")
	if err := store.Delete("t1"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if err := store.Delete("t1"); !errors.Is(err, ErrTaskNotFound) {
		t.Fatalf("expected not found on second delete, got %v", err)
	}
}
