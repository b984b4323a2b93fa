package file

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
)

const appDirPerm os.FileMode = 0o750

// EnsureDir creates the directory if it does not exist.
func EnsureDir(dirPath string) error {
	if dirPath == "" {
		return errors.New("empty dir path")
	}
	if err := os.MkdirAll(dirPath, appDirPerm); err != nil { //nolint:gosec // app-owned data dir
		return fmt.Errorf("ensure dir: %w", err)
	}
	return nil
}

// WriteJSONAtomic marshals the value and atomically writes it to filename.
// The write is performed via a temporary file in the same directory
// followed by a rename to ensure atomicity on most filesystems.
func WriteJSONAtomic(filename string, v any) error {
	if filename == "" {
		return errors.New("empty filename")
	}

	dir := filepath.Dir(filename)
	if err := EnsureDir(dir); err != nil {
		return err
	}

	tempFile, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp: %w", err)
	}
	tmpName := tempFile.Name()

	jsonEncoder := json.NewEncoder(tempFile)
	jsonEncoder.SetIndent("", "  ")
	if err := jsonEncoder.Encode(v); err != nil {
		_ = tempFile.Close()
		_ = os.Remove(tmpName)
		return fmt.Errorf("encode json: %w", err)
	}

	// ensure data hits disk
	if err := tempFile.Sync(); err != nil {
		_ = tempFile.Close()
		_ = os.Remove(tmpName)
		return fmt.Errorf("sync temp: %w", err)
	}
	if err := tempFile.Close(); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("close temp: %w", err)
	}

	return renameOver(tmpName, filename)
}

// CopyAtomic writes data provided by the reader to the destination file
// atomically. Re-invocation for the same destination overwrites rather than
// duplicates.
func CopyAtomic(filename string, reader io.Reader) (int64, error) {
	dir := filepath.Dir(filename)
	if err := EnsureDir(dir); err != nil {
		return 0, err
	}
	tempFile, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return 0, fmt.Errorf("create temp: %w", err)
	}
	tmpName := tempFile.Name()
	written, err := io.Copy(tempFile, reader)
	if err != nil {
		_ = tempFile.Close()
		_ = os.Remove(tmpName)
		return 0, fmt.Errorf("copy to temp: %w", err)
	}
	if err := tempFile.Sync(); err != nil {
		_ = tempFile.Close()
		_ = os.Remove(tmpName)
		return 0, fmt.Errorf("sync temp: %w", err)
	}
	if err := tempFile.Close(); err != nil {
		_ = os.Remove(tmpName)
		return 0, fmt.Errorf("close temp: %w", err)
	}
	if err := renameOver(tmpName, filename); err != nil {
		return 0, err
	}
	return written, nil
}

// RemoveTree deletes a directory subtree. A missing tree is not an error so
// that reclaim sweeps can run concurrently with themselves.
func RemoveTree(dirPath string) error {
	if dirPath == "" {
		return errors.New("empty dir path")
	}
	if err := os.RemoveAll(dirPath); err != nil {
		return fmt.Errorf("remove tree: %w", err)
	}
	return nil
}

// DirSize walks the subtree and sums regular file sizes. A missing root
// yields zero.
func DirSize(dirPath string) (int64, error) {
	var total int64
	err := filepath.WalkDir(dirPath, func(_ string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		total += info.Size()
		return nil
	})
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("dir size: %w", err)
	}
	return total, nil
}

func renameOver(tmpName, filename string) error {
	// remove existing file to avoid permission issues on Windows
	if _, err := os.Stat(filename); err == nil {
		// ignore error; if remove fails, rename may still succeed on POSIX
		_ = os.Remove(filename)
	}
	if err := os.Rename(tmpName, filename); err != nil {
		return fmt.Errorf("rename temp: %w", err)
	}
	return nil
}
