// Package storage owns the per-task directory layout across the
// upload/process/deliver/expire lifecycle. Every task gets an isolated
// subtree in each of three zones: uploads (write-once original), processed
// (segments and results) and temp (scratch, always reclaimed).
package storage

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog/log"

	"voxsplit/internal/bundle"
	fileutil "voxsplit/internal/file"
)

const (
	uploadsZone   = "uploads"
	processedZone = "processed"
	tempZone      = "temp"

	metadataFilename = "metadata.json"
	segmentPattern   = "segment_%03d.wav"
)

// ErrExhausted is returned by Reserve when the capacity ceiling would be
// exceeded. It surfaces to the submitter before a task record exists.
var ErrExhausted = errors.New("storage capacity exhausted")

// Manager maps task ids to their storage subtrees.
type Manager struct {
	baseDir       string
	capacityBytes int64
}

// New prepares the three-zone layout under baseDir. capacityMB of zero
// disables the ceiling.
func New(baseDir string, capacityMB int) (*Manager, error) {
	for _, zone := range []string{uploadsZone, processedZone, tempZone} {
		if err := fileutil.EnsureDir(filepath.Join(baseDir, zone)); err != nil {
			return nil, err
		}
	}
	return &Manager{
		baseDir:       baseDir,
		capacityBytes: int64(capacityMB) * 1024 * 1024,
	}, nil
}

func (m *Manager) uploadDir(id string) string    { return filepath.Join(m.baseDir, uploadsZone, id) }
func (m *Manager) processedDir(id string) string { return filepath.Join(m.baseDir, processedZone, id) }
func (m *Manager) tempDir(id string) string      { return filepath.Join(m.baseDir, tempZone, id) }

// BundlePath returns where the deliverable archive for the task lives.
func (m *Manager) BundlePath(id string) string {
	return filepath.Join(m.processedDir(id), "results_"+id+".zip")
}

// MetadataPath returns the task's metadata document location.
func (m *Manager) MetadataPath(id string) string {
	return filepath.Join(m.processedDir(id), metadataFilename)
}

// UsedBytes sums the sizes of all files under the base directory.
func (m *Manager) UsedBytes() (int64, error) {
	return fileutil.DirSize(m.baseDir)
}

// Reserve allocates the upload and scratch zones for a new task. It fails
// with ErrExhausted when the configured capacity ceiling is already reached.
func (m *Manager) Reserve(id string) error {
	if m.capacityBytes > 0 {
		used, err := m.UsedBytes()
		if err != nil {
			return fmt.Errorf("measure storage: %w", err)
		}
		if used >= m.capacityBytes {
			return ErrExhausted
		}
	}
	if err := fileutil.EnsureDir(m.uploadDir(id)); err != nil {
		return err
	}
	return fileutil.EnsureDir(m.tempDir(id))
}

// SaveUpload writes the original audio into the task's upload zone and
// returns its path. The zone is write-once per task.
func (m *Manager) SaveUpload(id, filename string, r io.Reader) (string, error) {
	name := sanitizeFilename(filename)
	dest := filepath.Join(m.uploadDir(id), name)
	if _, err := fileutil.CopyAtomic(dest, r); err != nil {
		return "", fmt.Errorf("save upload: %w", err)
	}
	log.Info().Str("task_id", id).Str("path", dest).Msg("saved uploaded audio")
	return dest, nil
}

// WriteSegment stores one extracted audio slice under the task's speaker
// subtree and returns the path relative to the processed dir. Re-invocation
// for the same (id, speakerLabel, index) overwrites rather than duplicates,
// so at-least-once task delivery stays safe.
func (m *Manager) WriteSegment(id, speakerLabel string, index int, audioBytes []byte) (string, error) {
	name := fmt.Sprintf(segmentPattern, index)
	dest := filepath.Join(m.processedDir(id), speakerLabel, name)
	if _, err := fileutil.CopyAtomic(dest, bytes.NewReader(audioBytes)); err != nil {
		return "", fmt.Errorf("write segment: %w", err)
	}
	return speakerLabel + "/" + name, nil
}

// WriteMetadata persists the result document atomically.
func (m *Manager) WriteMetadata(id string, doc any) error {
	if err := fileutil.WriteJSONAtomic(m.MetadataPath(id), doc); err != nil {
		return fmt.Errorf("write metadata: %w", err)
	}
	return nil
}

// ReadMetadata loads the result document into v.
func (m *Manager) ReadMetadata(id string, v any) error {
	raw, err := os.ReadFile(m.MetadataPath(id)) //nolint:gosec // path owned by this manager
	if err != nil {
		return fmt.Errorf("read metadata: %w", err)
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("decode metadata: %w", err)
	}
	return nil
}

// Finalize builds the deliverable bundle from the processed layout and
// returns its path. Rebuilding an already-finalized task is idempotent.
func (m *Manager) Finalize(id string) (string, error) {
	dest := m.BundlePath(id)
	if err := bundle.Build(m.processedDir(id), dest); err != nil {
		return "", err
	}
	log.Info().Str("task_id", id).Str("path", dest).Msg("result bundle finalized")
	return dest, nil
}

// Reclaim deletes the task's scratch space unconditionally. The upload and
// processed zones are removed only for terminal cleanup or retention expiry;
// partial segments of a failed task stay in place for diagnostics until the
// retention sweep.
func (m *Manager) Reclaim(id string, terminal bool) error {
	if err := fileutil.RemoveTree(m.tempDir(id)); err != nil {
		return err
	}
	if !terminal {
		return nil
	}
	if err := fileutil.RemoveTree(m.uploadDir(id)); err != nil {
		return err
	}
	return fileutil.RemoveTree(m.processedDir(id))
}

// Reclaimed reports whether the task's zones are already gone, so a
// concurrent sweep can skip it silently.
func (m *Manager) Reclaimed(id string) bool {
	for _, dir := range []string{m.uploadDir(id), m.processedDir(id), m.tempDir(id)} {
		if _, err := os.Stat(dir); err == nil {
			return false
		}
	}
	return true
}

func sanitizeFilename(filename string) string {
	name := filepath.Base(strings.TrimSpace(filename))
	if name == "" || name == "." || name == string(filepath.Separator) {
		return "audio.wav"
	}
	return name
}
