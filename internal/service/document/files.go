package document

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// FileStore keeps uploaded PDFs on local disk as <base>/<file_id>.pdf.
type FileStore struct {
	base string
}

func NewFileStore(base string) (*FileStore, error) {
	if base == "" {
		base = "./storage/pdfs"
	}
	if err := os.MkdirAll(base, 0o755); err != nil {
		return nil, fmt.Errorf("create file base %s: %w", base, err)
	}
	return &FileStore{base: base}, nil
}

func (f *FileStore) Path(fileID string) string {
	return filepath.Join(f.base, fileID+".pdf")
}

// Save writes data atomically through a temp file and returns the final path.
func (f *FileStore) Save(fileID string, data []byte) (string, error) {
	dest := f.Path(fileID)
	tmp, err := os.CreateTemp(f.base, fileID+"-*.part")
	if err != nil {
		return "", fmt.Errorf("create temp file: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return "", fmt.Errorf("write upload: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return "", fmt.Errorf("close upload: %w", err)
	}
	if err := os.Rename(tmp.Name(), dest); err != nil {
		os.Remove(tmp.Name())
		return "", fmt.Errorf("store upload: %w", err)
	}
	return dest, nil
}

// Remove deletes a stored file; a missing file is not an error.
func (f *FileStore) Remove(path string) error {
	if path == "" {
		return nil
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove %s: %w", path, err)
	}
	return nil
}

// StoredFile describes a file found under the base directory.
type StoredFile struct {
	FileID  string
	Path    string
	ModTime time.Time
}

// Scan lists the stored PDFs (and abandoned partial uploads).
func (f *FileStore) Scan() ([]StoredFile, error) {
	entries, err := os.ReadDir(f.base)
	if err != nil {
		return nil, fmt.Errorf("read file base: %w", err)
	}
	files := make([]StoredFile, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		var id string
		switch {
		case strings.HasSuffix(name, ".pdf"):
			id = strings.TrimSuffix(name, ".pdf")
		case strings.HasSuffix(name, ".part"):
			id = ""
		default:
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		files = append(files, StoredFile{FileID: id, Path: filepath.Join(f.base, name), ModTime: info.ModTime()})
	}
	return files, nil
}
