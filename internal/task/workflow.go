package task

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/rs/zerolog/log"

	"voxsplit/internal/audio"
	"voxsplit/internal/engine"
)

// runTask drives one task from pending to a terminal state. Execution is
// sequential within the task so the engine's output ordering survives into
// speaker-label assignment.
func (m *Manager) runTask(id string) {
	baseCtx := m.baseContext()
	if err := m.gate.Admit(baseCtx); err != nil {
		// shutdown while queued; the task stays pending for the next start
		return
	}
	defer m.gate.Release()

	startedAt := time.Now().UTC()
	zero := 0
	if err := m.store.UpdateStatus(id, StatusProcessing, Fields{Progress: &zero, StartedAt: &startedAt}); err != nil {
		// A conflict here is a duplicate dispatch or a cancel that won the
		// race. Either way another transition already owns the record.
		if errors.Is(err, ErrConflict) {
			log.Debug().Str("task_id", id).Msg("skipping dispatch: record not pending")
		} else {
			log.Warn().Str("task_id", id).Err(err).Msg("start transition failed")
		}
		return
	}
	log.Info().Str("task_id", id).Msg("task processing started")

	ctx, cancel := context.WithTimeout(baseCtx, m.opts.TaskTimeout)
	defer cancel()

	m.process(ctx, id, startedAt)
}

func (m *Manager) process(ctx context.Context, id string, startedAt time.Time) {
	t, err := m.store.Get(id)
	if err != nil {
		log.Error().Str("task_id", id).Err(err).Msg("load record for processing failed")
		return
	}

	waveform, err := audio.LoadWAV(t.SourceAudio)
	if err != nil {
		// corrupt or unsupported input is never retried
		m.failTask(id, KindValidation, fmt.Sprintf("decode audio: %v", err))
		return
	}

	if m.cancelled(id) {
		m.stopForCancel(id)
		return
	}

	policy := retryPolicy{
		maxAttempts:    m.opts.EngineRetries,
		initialBackoff: m.opts.EngineBackoff,
	}
	turns, err := retryDo(ctx, policy, retryEngineError, func() ([]engine.Turn, error) {
		return m.engine.Diarize(ctx, waveform)
	})
	if err != nil {
		kind, msg := classifyEngineFailure(ctx, err)
		if kind == "" {
			return // shutdown mid-task; recovery sweep picks the record up
		}
		m.failTask(id, kind, msg)
		return
	}

	md, ok := m.extractSegments(ctx, id, t, waveform, turns, startedAt)
	if !ok {
		return
	}

	if err := m.storage.WriteMetadata(id, md); err != nil {
		m.failTask(id, KindStorage, fmt.Sprintf("persist metadata: %v", err))
		return
	}
	if _, err := m.storage.Finalize(id); err != nil {
		m.failTask(id, KindStorage, fmt.Sprintf("build bundle: %v", err))
		return
	}

	hundred := 100
	finishedAt := time.Now().UTC()
	err = m.store.UpdateStatus(id, StatusCompleted, Fields{
		Progress:   &hundred,
		FinishedAt: &finishedAt,
		Metadata:   md,
	})
	if err != nil {
		// cancelled between the last checkpoint and completion
		log.Warn().Str("task_id", id).Err(err).Msg("completion transition rejected")
		return
	}
	if err := m.storage.Reclaim(id, false); err != nil {
		log.Warn().Str("task_id", id).Err(err).Msg("reclaim scratch failed")
	}
	log.Info().Str("task_id", id).
		Int("speakers", md.Results.TotalSpeakers).
		Int("segments", md.Results.TotalSegments).
		Msg("task completed")
	m.notifyTerminal(id)
}

// extractSegments writes one file per engine turn and assembles the result
// metadata. Speaker labels follow first appearance in the turn sequence.
// Returns ok=false when the task already moved to a terminal state.
func (m *Manager) extractSegments(ctx context.Context, id string, t *Task, waveform *audio.Waveform, turns []engine.Turn, startedAt time.Time) (*Metadata, bool) {
	labels := make(map[string]string)
	order := make([]string, 0, 4)
	segmentsPerLabel := make(map[string][]Segment)
	segmentIndex := make(map[string]int)

	total := len(turns)
	writePolicy := retryPolicy{
		maxAttempts:    m.opts.EngineRetries,
		initialBackoff: m.opts.EngineBackoff,
	}

	for i, turn := range turns {
		label, seen := labels[turn.Speaker]
		if !seen {
			label = fmt.Sprintf("speaker_%d", len(order))
			labels[turn.Speaker] = label
			order = append(order, label)
		}
		segmentIndex[label]++
		index := segmentIndex[label]

		data := audio.EncodeWAV(waveform.Slice(turn.Start, turn.End), waveform.SampleRate)
		relPath, err := retryDo(ctx, writePolicy, retryStorageError, func() (string, error) {
			return m.storage.WriteSegment(id, label, index, data)
		})
		if err != nil {
			kind, msg := classifyStorageFailure(ctx, err)
			if kind == "" {
				return nil, false
			}
			m.failTask(id, kind, msg)
			return nil, false
		}

		segmentsPerLabel[label] = append(segmentsPerLabel[label], Segment{
			FilePath:        relPath,
			StartTime:       turn.Start,
			EndTime:         turn.End,
			DurationSeconds: turn.Duration(),
			Confidence:      turn.Confidence,
		})

		if err := m.store.SetProgress(id, progressFor(i+1, total)); err != nil {
			log.Warn().Str("task_id", id).Err(err).Msg("progress update failed")
		}

		// cancellation checkpoint after each segment write
		if m.cancelled(id) {
			m.stopForCancel(id)
			return nil, false
		}
	}

	return buildMetadata(id, t, waveform, order, segmentsPerLabel, startedAt), true
}

// progressFor is advisory only. With a known total it is exact; the value is
// capped at 99 so 100 stays reserved for the completed transition.
func progressFor(done, total int) int {
	if total <= 0 {
		return 99
	}
	p := 100 * done / total
	if p > 99 {
		p = 99
	}
	return p
}

func buildMetadata(id string, t *Task, waveform *audio.Waveform, order []string, segmentsPerLabel map[string][]Segment, startedAt time.Time) *Metadata {
	speakers := make([]Speaker, 0, len(order))
	totalSegments := 0
	for _, label := range order {
		segments := segmentsPerLabel[label]
		sort.SliceStable(segments, func(i, j int) bool {
			return segments[i].StartTime < segments[j].StartTime
		})
		var speaking, confidence float64
		for _, seg := range segments {
			speaking += seg.DurationSeconds
			confidence += seg.Confidence
		}
		avg := 0.0
		if len(segments) > 0 {
			avg = confidence / float64(len(segments))
		}
		speakers = append(speakers, Speaker{
			SpeakerID:                label,
			Segments:                 segments,
			TotalSegments:            len(segments),
			TotalSpeakingTimeSeconds: speaking,
			AverageConfidence:        avg,
		})
		totalSegments += len(segments)
	}
	return &Metadata{
		TaskID: id,
		AudioInfo: AudioInfo{
			OriginalFilename: t.OriginalFilename,
			DurationSeconds:  waveform.Duration(),
			SampleRate:       waveform.SampleRate,
			Channels:         1,
		},
		Results: DiarizationResults{
			TotalSpeakers:         len(speakers),
			TotalSegments:         totalSegments,
			ProcessingTimeSeconds: time.Since(startedAt).Seconds(),
		},
		Speakers: speakers,
	}
}

// cancelled checks the record store for an out-of-band cancel flip.
func (m *Manager) cancelled(id string) bool {
	t, err := m.store.Get(id)
	return err == nil && t.Status == StatusCancelled
}

func (m *Manager) stopForCancel(id string) {
	log.Info().Str("task_id", id).Msg("cancel observed at checkpoint, stopping")
	if err := m.storage.Reclaim(id, false); err != nil {
		log.Warn().Str("task_id", id).Err(err).Msg("reclaim scratch after cancel failed")
	}
}

// failTask performs the terminal failed transition with a taxonomy kind.
// A conflict means a duplicate or raced signal and is logged, not surfaced.
func (m *Manager) failTask(id string, kind ErrorKind, msg string) {
	now := time.Now().UTC()
	err := m.store.UpdateStatus(id, StatusFailed, Fields{
		FinishedAt:   &now,
		ErrorKind:    kind,
		ErrorMessage: msg,
	})
	if err != nil {
		if errors.Is(err, ErrConflict) {
			log.Debug().Str("task_id", id).Str("kind", string(kind)).Msg("failed transition rejected: record already terminal")
		} else {
			log.Error().Str("task_id", id).Err(err).Msg("failed transition error")
		}
		return
	}
	log.Warn().Str("task_id", id).Str("kind", string(kind)).Str("reason", msg).Msg("task failed")
	if err := m.storage.Reclaim(id, false); err != nil {
		log.Warn().Str("task_id", id).Err(err).Msg("reclaim scratch failed")
	}
	m.notifyTerminal(id)
}

// retryEngineError retries only failures the engine marks transient.
func retryEngineError(err error) bool {
	var ee *engine.Error
	if errors.As(err, &ee) {
		return ee.Kind == engine.KindTransient
	}
	return false
}

// retryStorageError retries I/O failures but not context expiry.
func retryStorageError(err error) bool {
	return !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded)
}

// classifyEngineFailure maps an exhausted engine call to the task taxonomy.
// An empty kind means the process is shutting down and no transition should
// be recorded.
func classifyEngineFailure(ctx context.Context, err error) (ErrorKind, string) {
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout, "processing wall-clock budget exceeded"
	}
	if errors.Is(err, context.Canceled) && ctx.Err() != nil {
		return "", ""
	}
	var ee *engine.Error
	if errors.As(err, &ee) && ee.Kind == engine.KindUnsupported {
		return KindValidation, ee.Message
	}
	return KindEngine, err.Error()
}

func classifyStorageFailure(ctx context.Context, err error) (ErrorKind, string) {
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout, "processing wall-clock budget exceeded"
	}
	if errors.Is(err, context.Canceled) && ctx.Err() != nil {
		return "", ""
	}
	return KindStorage, err.Error()
}
