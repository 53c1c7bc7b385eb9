// Package backup writes pre-mutation snapshots of profiles. A backup file is
// only created once the first record arrives, so mutations that touch nothing
// leave no empty artifacts behind.
package backup

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/teranos/ferry/errors"
	"github.com/teranos/ferry/record"
)

// Writer appends profile snapshots to a JSON array on disk, creating the file
// lazily on first append. Writers are not safe for concurrent use.
type Writer struct {
	path string

	file  *os.File
	enc   *json.Encoder
	count int
}

// DefaultPath returns a fresh snapshot filename in dir, stamped with the
// current epoch seconds. An empty dir means the working directory.
func DefaultPath(dir string) string {
	name := "backup_" + strconv.FormatInt(time.Now().Unix(), 10) + ".json"
	if dir == "" {
		return name
	}
	return filepath.Join(dir, name)
}

// NewWriter prepares a snapshot writer targeting path. Nothing touches the
// filesystem until the first Append.
func NewWriter(path string) *Writer {
	return &Writer{path: path}
}

// Path returns the target filename.
func (w *Writer) Path() string {
	return w.path
}

// Count returns how many profiles have been written.
func (w *Writer) Count() int {
	return w.count
}

// Append writes one profile snapshot. Any failure surfaces as
// ErrBackupWriteFailed so callers can skip the mutation instead of
// proceeding without a safety copy.
func (w *Writer) Append(p record.Profile) error {
	if w.file == nil {
		if err := w.open(); err != nil {
			return err
		}
	}

	sep := ",\n"
	if w.count == 0 {
		sep = "\n"
	}
	if _, err := w.file.WriteString(sep); err != nil {
		return errors.Wrapf(errors.Join(errors.ErrBackupWriteFailed, err),
			"failed to write snapshot to %s", w.path)
	}
	if err := w.enc.Encode(p); err != nil {
		return errors.Wrapf(errors.Join(errors.ErrBackupWriteFailed, err),
			"failed to write snapshot to %s", w.path)
	}
	w.count++
	return nil
}

func (w *Writer) open() error {
	f, err := os.OpenFile(w.path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return errors.Wrapf(errors.Join(errors.ErrBackupWriteFailed, err),
			"failed to create snapshot file %s", w.path)
	}
	if _, err := f.WriteString("["); err != nil {
		f.Close()
		return errors.Wrapf(errors.Join(errors.ErrBackupWriteFailed, err),
			"failed to write snapshot file %s", w.path)
	}
	w.file = f
	w.enc = json.NewEncoder(f)
	return nil
}

// Close finalizes the snapshot file. Closing a writer that never received a
// record is a no-op.
func (w *Writer) Close() error {
	if w.file == nil {
		return nil
	}
	if _, err := w.file.WriteString("]\n"); err != nil {
		w.file.Close()
		return errors.Wrapf(err, "failed to finalize snapshot file %s", w.path)
	}
	if err := w.file.Close(); err != nil {
		return errors.Wrapf(err, "failed to close snapshot file %s", w.path)
	}
	return nil
}
