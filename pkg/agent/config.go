package agent

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/mattn/go-isatty"
	"go.uber.org/zap"

	"github.com/cloudless/hostwatch/pkg/checkin"
	"github.com/cloudless/hostwatch/pkg/observability"
)

const (
	// DefaultServerURL is used when no server is configured
	DefaultServerURL = "https://server.hostwatch.io"

	// DefaultHistoryDir is created under the user's home directory
	DefaultHistoryDir = ".hostwatch"

	// HistoryFileName is the default history file inside the config dir
	HistoryFileName = "client_history.yaml"

	// LatestRunLogName receives the run log of the last invocation
	LatestRunLogName = "latest_run.log"
)

// Config holds engine configuration
type Config struct {
	ServerURL   string
	ClientKey   string
	HistoryPath string
	ServerName  string

	Roles       string
	Hostname    string
	Environment string
	HTTPProxy   string
	HTTPSProxy  string

	// Force runs plugins and checks in regardless of the schedule
	Force bool
	// TTY disables the startup sleep and is reported to the server
	TTY bool
	// DisableWASM turns off the WebAssembly plugin backend
	DisableWASM bool
	// RequestTimeout bounds every outbound request
	RequestTimeout time.Duration

	// PrimaryKey overrides the embedded code signing key
	PrimaryKey []byte

	// Collectors and Snapshot override the check-in defaults
	Collectors []checkin.Collector
	Snapshot   func(ctx context.Context) (string, error)

	Now    func() time.Time
	Sleep  func(ctx context.Context, d time.Duration) error
	RunLog *observability.RunLog
	Logger *zap.Logger
}

// Validate validates the engine configuration and fills defaults
func (c *Config) Validate() error {
	if c.ClientKey == "" {
		return fmt.Errorf("client key is required")
	}
	if c.ServerURL == "" {
		c.ServerURL = DefaultServerURL
	}
	if c.HistoryPath == "" {
		path, err := DefaultHistoryPath()
		if err != nil {
			return err
		}
		c.HistoryPath = path
	}
	if c.Hostname == "" {
		hostname, err := os.Hostname()
		if err != nil {
			return fmt.Errorf("failed to determine hostname: %w", err)
		}
		c.Hostname = hostname
	}
	if c.Now == nil {
		c.Now = time.Now
	}
	if c.Sleep == nil {
		c.Sleep = sleepContext
	}
	if c.RunLog == nil {
		c.RunLog = observability.NewRunLog("")
	}
	if c.Logger == nil {
		return fmt.Errorf("logger is required")
	}
	return nil
}

// ConfigDir is the directory holding the history file and every other
// local artifact
func (c *Config) ConfigDir() string {
	return filepath.Dir(c.HistoryPath)
}

// DefaultHistoryPath returns ~/.hostwatch/client_history.yaml
func DefaultHistoryPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to determine home directory: %w", err)
	}
	return filepath.Join(home, DefaultHistoryDir, HistoryFileName), nil
}

// StdinIsTTY reports whether the process was started from a terminal
func StdinIsTTY() bool {
	fd := os.Stdin.Fd()
	return isatty.IsTerminal(fd) || isatty.IsCygwinTerminal(fd)
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
