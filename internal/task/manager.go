package task

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"voxsplit/internal/engine"
	"voxsplit/internal/notify"
	"voxsplit/internal/storage"
)

const notifyTimeout = 45 * time.Second

// Options configures a Manager.
type Options struct {
	MaxConcurrentTasks int
	TaskTimeout        time.Duration
	SupportedFormats   []string
	MaxFileSizeBytes   int64
	EngineRetries      int
	EngineBackoff      time.Duration
}

// Manager owns the task lifecycle: it accepts submissions, dispatches the
// diarization workflow through the admission gate, and answers status
// queries from the durable record store.
type Manager struct {
	store             *Store
	storage           *storage.Manager
	engine            engine.Engine
	notifier          *notify.Notifier
	gate              *Gate
	opts              Options
	allowedExtensions map[string]struct{}

	mu        sync.Mutex
	baseCtx   context.Context
	workersWG sync.WaitGroup
}

// NewManager wires the lifecycle components together.
func NewManager(store *Store, stor *storage.Manager, eng engine.Engine, notifier *notify.Notifier, opts Options) *Manager {
	if opts.MaxConcurrentTasks <= 0 {
		opts.MaxConcurrentTasks = 10
	}
	if opts.TaskTimeout <= 0 {
		opts.TaskTimeout = time.Hour
	}
	allowed := make(map[string]struct{}, len(opts.SupportedFormats))
	for _, ext := range opts.SupportedFormats {
		ext = strings.ToLower(ext)
		if !strings.HasPrefix(ext, ".") {
			ext = "." + ext
		}
		allowed[ext] = struct{}{}
	}
	return &Manager{
		store:             store,
		storage:           stor,
		engine:            eng,
		notifier:          notifier,
		gate:              NewGate(opts.MaxConcurrentTasks),
		opts:              opts,
		allowedExtensions: allowed,
		baseCtx:           context.Background(),
	}
}

// Gate exposes the admission gate for health reporting.
func (m *Manager) Gate() *Gate { return m.gate }

// BundlePath resolves the deliverable archive location for a task.
func (m *Manager) BundlePath(id string) string { return m.storage.BundlePath(id) }

// SetBaseContext sets the context that bounds all background processing.
// Intended to be set at process startup and cancelled during shutdown.
func (m *Manager) SetBaseContext(ctx context.Context) {
	m.mu.Lock()
	m.baseCtx = ctx
	m.mu.Unlock()
}

func (m *Manager) baseContext() context.Context {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.baseCtx
}

// SubmitRequest carries one uploaded audio file.
type SubmitRequest struct {
	Filename    string
	Size        int64
	CallbackURL string
	Audio       io.Reader
}

// Submit validates the upload, reserves storage, creates the pending record
// and dispatches the workflow. Validation and capacity refusals happen
// before any task record exists.
func (m *Manager) Submit(req SubmitRequest) (*Task, error) {
	ext := strings.ToLower(filepath.Ext(strings.TrimSpace(req.Filename)))
	if _, ok := m.allowedExtensions[ext]; !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedFormat, ext)
	}
	if m.opts.MaxFileSizeBytes > 0 && req.Size > m.opts.MaxFileSizeBytes {
		return nil, fmt.Errorf("%w: %d bytes", ErrFileTooLarge, req.Size)
	}

	id := uuid.NewString()
	if err := m.storage.Reserve(id); err != nil {
		return nil, err
	}
	sourcePath, err := m.storage.SaveUpload(id, req.Filename, req.Audio)
	if err != nil {
		return nil, err
	}

	newTask := &Task{
		ID:               id,
		Status:           StatusPending,
		SourceAudio:      sourcePath,
		OriginalFilename: filepath.Base(req.Filename),
		CallbackURL:      req.CallbackURL,
		SubmittedAt:      time.Now().UTC(),
	}
	if err := m.store.Create(newTask); err != nil {
		return nil, err
	}

	log.Info().Str("task_id", id).Str("filename", newTask.OriginalFilename).Msg("task submitted")
	m.Dispatch(id)
	return newTask, nil
}

// Dispatch hands a task id to a worker goroutine. Delivery is at least once:
// a duplicate dispatch loses the pending-to-processing transition and exits
// without side effects.
func (m *Manager) Dispatch(id string) {
	m.workersWG.Add(1)
	go func() {
		defer m.workersWG.Done()
		m.runTask(id)
	}()
}

// ResumePending re-dispatches tasks that were accepted but not yet running
// when the previous process stopped. Orphaned processing tasks are left for
// the recovery sweep.
func (m *Manager) ResumePending() error {
	pending, err := m.store.List(Filter{Statuses: []Status{StatusPending}})
	if err != nil {
		return fmt.Errorf("list pending: %w", err)
	}
	for _, t := range pending {
		log.Info().Str("task_id", t.ID).Msg("re-dispatching pending task")
		m.Dispatch(t.ID)
	}
	return nil
}

// Get returns the durable record for a task.
func (m *Manager) Get(id string) (*Task, error) {
	return m.store.Get(id)
}

// List returns tasks matching the filter.
func (m *Manager) List(filter Filter) ([]*Task, error) {
	return m.store.List(filter)
}

// Cancel flips a pending or processing task to cancelled. A running worker
// observes the flip at its next checkpoint and stops forward work; written
// segments stay in place for the retention sweep.
func (m *Manager) Cancel(id string) error {
	now := time.Now().UTC()
	err := m.store.UpdateStatus(id, StatusCancelled, Fields{
		FinishedAt:   &now,
		ErrorKind:    KindCancelled,
		ErrorMessage: "task cancelled",
	})
	if err != nil {
		return err
	}
	log.Info().Str("task_id", id).Msg("task cancelled")
	if err := m.storage.Reclaim(id, false); err != nil {
		log.Warn().Str("task_id", id).Err(err).Msg("reclaim scratch after cancel failed")
	}
	m.notifyTerminal(id)
	return nil
}

// StatusDocument builds the canonical status payload for a task. It is both
// the status-query response and the callback body.
func (m *Manager) StatusDocument(t *Task) StatusDocument {
	doc := StatusDocument{
		TaskID:      t.ID,
		Status:      t.Status,
		Progress:    t.Progress,
		SubmittedAt: t.SubmittedAt,
		StartedAt:   t.StartedAt,
		FinishedAt:  t.FinishedAt,
		ErrorCode:   t.ErrorKind,
		Error:       t.ErrorMessage,
	}
	if t.Status == StatusCompleted {
		doc.Metadata = t.Metadata
		doc.DownloadURL = "/api/v1/diarize/download/" + t.ID
	}
	return doc
}

// WaitAll blocks until all in-flight workers finish or the context is done.
// Returns true if all workers finished.
func (m *Manager) WaitAll(ctx context.Context) bool {
	done := make(chan struct{})
	go func() {
		m.workersWG.Wait()
		close(done)
	}()
	select {
	case <-done:
		return true
	case <-ctx.Done():
		return false
	}
}

// notifyTerminal fires the completion callback for a task that just reached
// a terminal state. At most one attempt sequence per transition; failures
// never touch task state.
func (m *Manager) notifyTerminal(id string) {
	t, err := m.store.Get(id)
	if err != nil || t.CallbackURL == "" {
		return
	}
	doc := m.StatusDocument(t)
	m.workersWG.Add(1)
	go func() {
		defer m.workersWG.Done()
		ctx, cancel := context.WithTimeout(context.Background(), notifyTimeout)
		defer cancel()
		if err := m.notifier.Notify(ctx, t.CallbackURL, doc); err != nil && !errors.Is(err, context.Canceled) {
			log.Warn().Str("task_id", id).Err(err).Msg("callback delivery exhausted")
		}
	}()
}
