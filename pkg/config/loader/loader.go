package loader

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/asimihsan/routegate/internal/config"
	"github.com/asimihsan/routegate/pkg/gate"
)

// Snapshot represents a cached configuration with metadata
type snapshot struct {
	cfg   *config.AppConfig
	sha   string    // SHA-256 hash of the file content
	mtime time.Time // Last modification time
}

// EvaluateFunc turns a config file into an AppConfig.
type EvaluateFunc func(ctx context.Context, path string) (*config.AppConfig, error)

// Loader caches the evaluated configuration per file until its
// modification time changes.
type Loader struct {
	evaluate EvaluateFunc

	mu    sync.Mutex
	cache map[string]*snapshot
}

// New creates a Loader that evaluates files with config.LoadFromPath.
func New() *Loader {
	return NewWithEvaluator(config.LoadFromPath)
}

// NewWithEvaluator creates a Loader with a custom evaluation step.
func NewWithEvaluator(evaluate EvaluateFunc) *Loader {
	return &Loader{
		evaluate: evaluate,
		cache:    make(map[string]*snapshot),
	}
}

// LoadWithSHA loads, validates and caches a PKL configuration file and
// returns the config along with the SHA-256 of its content.
func (l *Loader) LoadWithSHA(ctx context.Context, path string) (*config.AppConfig, string, error) {
	// Get absolute path for better error handling
	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, "", fmt.Errorf("%w: failed to get absolute path: %v", gate.ErrConfigLoad, err)
	}

	// Get file info for modification time
	fileInfo, err := os.Stat(absPath)
	if err != nil {
		return nil, "", fmt.Errorf("%w: failed to stat config file: %v", gate.ErrConfigLoad, err)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if cached, ok := l.cache[absPath]; ok && cached.mtime.Equal(fileInfo.ModTime()) {
		return cached.cfg, cached.sha, nil
	}

	// Read file content for SHA computation
	content, err := os.ReadFile(absPath)
	if err != nil {
		return nil, "", fmt.Errorf("%w: failed to read config file: %v", gate.ErrConfigLoad, err)
	}

	hash := sha256.Sum256(content)
	hashStr := hex.EncodeToString(hash[:])

	cfg, err := l.evaluate(ctx, absPath)
	if err != nil {
		return nil, "", fmt.Errorf("%w: %v", gate.ErrConfigLoad, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, "", err
	}

	l.cache[absPath] = &snapshot{
		cfg:   cfg,
		sha:   hashStr,
		mtime: fileInfo.ModTime(),
	}
	return cfg, hashStr, nil
}

var defaultLoader = New()

// LoadFromPathWithSHA loads path through the process wide loader.
func LoadFromPathWithSHA(ctx context.Context, path string) (*config.AppConfig, string, error) {
	return defaultLoader.LoadWithSHA(ctx, path)
}
