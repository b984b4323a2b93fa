// Package bundle assembles the downloadable result archive for a completed
// task: metadata.json at the archive root plus one subtree per speaker
// label, segments in start-time order.
package bundle

import (
	"archive/zip"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/rs/zerolog/log"
)

const metadataFilename = "metadata.json"

// resultDoc mirrors just enough of the metadata document to enumerate the
// segment files in their canonical order.
type resultDoc struct {
	Speakers []struct {
		Segments []struct {
			FilePath string `json:"file_path"`
		} `json:"segments"`
	} `json:"speakers"`
}

// Build creates the archive at destZipPath from the finalized layout under
// processedDir. The metadata document drives the entry list, so rebuilding
// for the same metadata and segment files yields an identical structural
// layout. Archive timestamps are zeroed to keep rebuilds comparable.
func Build(processedDir, destZipPath string) error {
	metadataPath := filepath.Join(processedDir, metadataFilename)
	raw, err := os.ReadFile(metadataPath) //nolint:gosec // path owned by storage layer
	if err != nil {
		return fmt.Errorf("read metadata: %w", err)
	}
	var doc resultDoc
	if err := json.Unmarshal(raw, &doc); err != nil {
		return fmt.Errorf("parse metadata: %w", err)
	}

	zipFile, err := os.Create(destZipPath) //nolint:gosec // path is constructed by the application
	if err != nil {
		return fmt.Errorf("create bundle: %w", err)
	}
	zipWriter := zip.NewWriter(zipFile)

	if err := addEntry(zipWriter, metadataFilename, raw); err != nil {
		_ = zipWriter.Close()
		_ = zipFile.Close()
		return err
	}
	for _, speaker := range doc.Speakers {
		for _, segment := range speaker.Segments {
			if err := addFile(zipWriter, processedDir, segment.FilePath); err != nil {
				_ = zipWriter.Close()
				_ = zipFile.Close()
				return err
			}
		}
	}

	if err := zipWriter.Close(); err != nil {
		_ = zipFile.Close()
		log.Error().Err(err).Str("path", destZipPath).Msg("closing bundle writer failed")
		return fmt.Errorf("close bundle writer: %w", err)
	}
	if err := zipFile.Close(); err != nil {
		return fmt.Errorf("close bundle file: %w", err)
	}
	return nil
}

func addEntry(zw *zip.Writer, name string, data []byte) error {
	w, err := zw.CreateHeader(&zip.FileHeader{Name: name, Method: zip.Deflate})
	if err != nil {
		return fmt.Errorf("create bundle entry %s: %w", name, err)
	}
	if _, err := w.Write(data); err != nil {
		return fmt.Errorf("write bundle entry %s: %w", name, err)
	}
	return nil
}

func addFile(zw *zip.Writer, baseDir, relPath string) error {
	src, err := os.Open(filepath.Join(baseDir, filepath.FromSlash(relPath))) //nolint:gosec // relPath comes from our own metadata
	if err != nil {
		return fmt.Errorf("open segment %s: %w", relPath, err)
	}
	defer func() { _ = src.Close() }()

	w, err := zw.CreateHeader(&zip.FileHeader{Name: relPath, Method: zip.Deflate})
	if err != nil {
		return fmt.Errorf("create bundle entry %s: %w", relPath, err)
	}
	if _, err := io.Copy(w, src); err != nil {
		return fmt.Errorf("copy segment %s: %w", relPath, err)
	}
	return nil
}
