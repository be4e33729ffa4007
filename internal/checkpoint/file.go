package checkpoint

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/JakeFAU/domain-crawler/internal/fileutil"
)

// FileStore keeps the checkpoint as a JSON document on local disk.
// Writes go to a temporary file that is renamed into place.
type FileStore struct {
	path string
}

// NewFileStore creates a FileStore rooted at path.
func NewFileStore(path string) (*FileStore, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("checkpoint path is required")
	}
	return &FileStore{path: filepath.Clean(path)}, nil
}

// Path returns the checkpoint location.
func (s *FileStore) Path() string {
	return s.path
}

// Load implements Store.
func (s *FileStore) Load(_ context.Context) (Checkpoint, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return Checkpoint{}, ErrNotFound
		}
		return Checkpoint{}, fmt.Errorf("read checkpoint: %w", err)
	}
	return decode(data)
}

// Save implements Store.
func (s *FileStore) Save(_ context.Context, cp Checkpoint) error {
	data, err := encode(cp)
	if err != nil {
		return err
	}
	if err := fileutil.WriteAtomic(s.path, data, 0o644); err != nil {
		return fmt.Errorf("write checkpoint: %w", err)
	}
	return nil
}

func encode(cp Checkpoint) ([]byte, error) {
	if cp.Visited == nil {
		cp.Visited = []string{}
	}
	if cp.Pending == nil {
		cp.Pending = []string{}
	}
	data, err := json.Marshal(cp)
	if err != nil {
		return nil, fmt.Errorf("encode checkpoint: %w", err)
	}
	return data, nil
}

func decode(data []byte) (Checkpoint, error) {
	var cp Checkpoint
	if err := json.Unmarshal(data, &cp); err != nil {
		return Checkpoint{}, fmt.Errorf("decode checkpoint: %w", err)
	}
	return cp, nil
}
