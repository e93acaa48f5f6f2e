package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"gopkg.in/natefinch/lumberjack.v2"
)

const DefaultFileRotateMegabytes = 10

// FileConfig configures a FileBackend
type FileConfig struct {
	Path string
	// RotateMegabytes rotates the file once it reaches this size.
	RotateMegabytes int
	// MaxBackups is the number of rotated files to keep; zero keeps all.
	MaxBackups int
}

// FileBackend appends digests as JSON lines to a local file.
type FileBackend struct {
	mu  sync.Mutex
	cfg FileConfig
	out *lumberjack.Logger
}

// NewFileBackend returns a backend that opens its file on first use. An
// empty path leaves it unconfigured.
func NewFileBackend(cfg FileConfig) *FileBackend {
	if cfg.RotateMegabytes <= 0 {
		cfg.RotateMegabytes = DefaultFileRotateMegabytes
	}
	fb := &FileBackend{cfg: cfg}
	if cfg.Path != "" {
		fb.out = &lumberjack.Logger{
			Filename:   cfg.Path,
			MaxSize:    cfg.RotateMegabytes,
			MaxBackups: cfg.MaxBackups,
		}
	}
	return fb
}

func (f *FileBackend) Name() string { return "file" }

func (f *FileBackend) Send(_ context.Context, msg Message) (Status, error) {
	if f.out == nil {
		return NotConfigured, ErrNotConfigured
	}

	line, err := json.Marshal(msg)
	if err != nil {
		return Failed, fmt.Errorf("encoding digest: %w", err)
	}
	line = append(line, '\n')

	f.mu.Lock()
	defer f.mu.Unlock()

	if _, err := f.out.Write(line); err != nil {
		return Failed, fmt.Errorf("writing %s: %w", f.cfg.Path, err)
	}
	return Delivered, nil
}

func (f *FileBackend) Close() error {
	if f.out == nil {
		return nil
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.out.Close()
}
