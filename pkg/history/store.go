// Package history persists the agent state document between invocations.
package history

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/moby/sys/atomicwriter"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"
	"gopkg.in/yaml.v3"
)

// CorruptFileName is where an unparseable history file is copied before it is replaced
const CorruptFileName = "history.corrupt"

// LoadStatus describes how Load produced its document
type LoadStatus int

const (
	// StatusLoaded means the stored document was used as is
	StatusLoaded LoadStatus = iota
	// StatusBlank means no usable file existed
	StatusBlank
	// StatusRecovered means the file was corrupt and was backed up
	StatusRecovered
	// StatusReset means the client key changed and old state was discarded
	StatusReset
)

func (s LoadStatus) String() string {
	switch s {
	case StatusLoaded:
		return "loaded"
	case StatusBlank:
		return "blank"
	case StatusRecovered:
		return "recovered"
	case StatusReset:
		return "reset"
	default:
		return "unknown"
	}
}

// Store reads and writes the history file
type Store struct {
	path   string
	logger *zap.Logger
}

// NewStore creates a store for the history file at path
func NewStore(path string, logger *zap.Logger) *Store {
	return &Store{path: path, logger: logger}
}

// Path returns the history file location
func (s *Store) Path() string {
	return s.path
}

// Dir returns the directory holding the history file
func (s *Store) Dir() string {
	return filepath.Dir(s.path)
}

// Load reads the history document for clientKey. It never fails: a missing,
// empty, unreadable or corrupt file yields a blank document. When the stored
// client key is set and differs from clientKey the old state is discarded.
func (s *Store) Load(clientKey string) (*Document, LoadStatus) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			s.logger.Warn("Could not read history file, starting blank",
				zap.String("path", s.path),
				zap.Error(err),
			)
		}
		return Blank(clientKey), StatusBlank
	}

	if len(bytes.TrimSpace(data)) == 0 {
		return Blank(clientKey), StatusBlank
	}

	doc := &Document{}
	if err := yaml.Unmarshal(data, doc); err != nil {
		s.backupCorrupt(data, err)
		return Blank(clientKey), StatusRecovered
	}
	doc.normalize()

	if doc.LastClientKey != "" && clientKey != "" && doc.LastClientKey != clientKey {
		s.logger.Info("Client key changed, discarding previous history",
			zap.String("path", s.path),
		)
		return Blank(clientKey), StatusReset
	}

	return doc, StatusLoaded
}

func (s *Store) backupCorrupt(data []byte, cause error) {
	backup := filepath.Join(s.Dir(), CorruptFileName)
	s.logger.Warn("History file is corrupt, backing it up and starting blank",
		zap.String("path", s.path),
		zap.String("backup", backup),
		zap.Error(cause),
	)
	if err := os.WriteFile(backup, data, 0o600); err != nil {
		s.logger.Warn("Could not back up corrupt history file", zap.Error(err))
	}
}

// Save writes doc under an exclusive lock, replacing the file atomically
func (s *Store) Save(doc *Document) error {
	doc.normalize()

	data, err := yaml.Marshal(doc)
	if err != nil {
		return fmt.Errorf("failed to encode history: %w", err)
	}

	if err := os.MkdirAll(s.Dir(), 0o755); err != nil {
		return fmt.Errorf("failed to create history directory: %w", err)
	}

	lock, err := os.OpenFile(s.path+".lock", os.O_CREATE|os.O_RDWR, 0o600)
	if err != nil {
		return fmt.Errorf("failed to open history lock: %w", err)
	}
	defer lock.Close()

	if err := unix.Flock(int(lock.Fd()), unix.LOCK_EX); err != nil {
		return fmt.Errorf("failed to lock history: %w", err)
	}
	defer unix.Flock(int(lock.Fd()), unix.LOCK_UN)

	if err := atomicwriter.WriteFile(s.path, data, 0o600); err != nil {
		return fmt.Errorf("failed to write history: %w", err)
	}

	s.logger.Debug("Saved history", zap.String("path", s.path), zap.Int("bytes", len(data)))
	return nil
}
