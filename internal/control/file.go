package control

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"

	"github.com/JakeFAU/domain-crawler/internal/fileutil"
	"github.com/JakeFAU/domain-crawler/internal/state"
)

// CommandStop is the only command understood by the file and redis sources.
const CommandStop = "stop"

type command struct {
	Command string `json:"command"`
}

// FileStore publishes status to a JSON file and reads stop instructions from
// a command file.
type FileStore struct {
	statusPath  string
	commandPath string
}

// NewFileStore builds a FileStore. Either path may be empty to disable that half.
func NewFileStore(statusPath, commandPath string) *FileStore {
	return &FileStore{statusPath: statusPath, commandPath: commandPath}
}

// Publish implements Publisher.
func (s *FileStore) Publish(_ context.Context, snap state.Snapshot) error {
	if s.statusPath == "" {
		return nil
	}
	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return fmt.Errorf("encode status: %w", err)
	}
	if err := fileutil.WriteAtomic(s.statusPath, data, 0o644); err != nil {
		return fmt.Errorf("write status file: %w", err)
	}
	return nil
}

// ReadStatus implements StatusReader.
func (s *FileStore) ReadStatus(_ context.Context) (state.Snapshot, error) {
	data, err := os.ReadFile(s.statusPath)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return state.Snapshot{}, ErrNoStatus
		}
		return state.Snapshot{}, fmt.Errorf("read status file: %w", err)
	}
	var snap state.Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return state.Snapshot{}, fmt.Errorf("decode status file: %w", err)
	}
	return snap, nil
}

// StopRequested implements StopSource.
func (s *FileStore) StopRequested(_ context.Context) (bool, error) {
	if s.commandPath == "" {
		return false, nil
	}
	data, err := os.ReadFile(s.commandPath)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return false, nil
		}
		return false, fmt.Errorf("read command file: %w", err)
	}
	var cmd command
	if err := json.Unmarshal(data, &cmd); err != nil {
		return false, fmt.Errorf("decode command file: %w", err)
	}
	return strings.EqualFold(strings.TrimSpace(cmd.Command), CommandStop), nil
}

// Clear implements StopSource by removing the command file.
func (s *FileStore) Clear(_ context.Context) error {
	if s.commandPath == "" {
		return nil
	}
	if err := os.Remove(s.commandPath); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("remove command file: %w", err)
	}
	return nil
}

// RequestStop implements StopRequester.
func (s *FileStore) RequestStop(_ context.Context) error {
	if s.commandPath == "" {
		return fmt.Errorf("command file is not configured")
	}
	data, err := json.Marshal(command{Command: CommandStop})
	if err != nil {
		return fmt.Errorf("encode command: %w", err)
	}
	if err := fileutil.WriteAtomic(s.commandPath, data, 0o644); err != nil {
		return fmt.Errorf("write command file: %w", err)
	}
	return nil
}
