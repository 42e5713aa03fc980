// Package audit provides a tamper-evident record of maintenance lock
// changes.
package audit

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

const genesis = "genesis"

// Entry represents a single audit log entry
type Entry struct {
	Timestamp time.Time      `json:"timestamp"`
	Action    string         `json:"action"`
	Backend   string         `json:"backend"`
	Outcome   string         `json:"outcome"`
	Actor     string         `json:"actor"`
	Details   map[string]any `json:"details,omitempty"`
	PrevHash  string         `json:"prev_hash"`
	Hash      string         `json:"hash"`
}

// Logger provides append-only, tamper-evident logging
type Logger struct {
	file     *os.File
	mu       sync.Mutex
	lastHash string
	now      func() time.Time
}

// DefaultPath returns the audit log location inside configDir.
func DefaultPath(configDir string) string {
	return filepath.Join(configDir, "audit", "maintenance.log")
}

// PathFor returns configured when set, else DefaultPath(configDir).
func PathFor(configured, configDir string) string {
	if configured != "" {
		return configured
	}
	return DefaultPath(configDir)
}

// NewLogger creates a new audit logger
func NewLogger(path string) (*Logger, error) {
	// Ensure directory exists
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create audit directory: %w", err)
	}

	// Open file in append mode
	file, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0600)
	if err != nil {
		return nil, fmt.Errorf("failed to open audit log: %w", err)
	}

	logger := &Logger{
		file:     file,
		lastHash: genesis,
		now:      func() time.Time { return time.Now().UTC() },
	}

	// An unreadable tail starts a fresh chain; Verify reports the break.
	_ = logger.loadLastHash(path)

	return logger, nil
}

// Log records a lock operation to the audit log
func (l *Logger) Log(action, backend, outcome, actor string, details map[string]any) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	entry := Entry{
		Timestamp: l.now(),
		Action:    action,
		Backend:   backend,
		Outcome:   outcome,
		Actor:     actor,
		Details:   details,
		PrevHash:  l.lastHash,
	}

	entry.Hash = computeHash(entry)

	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to marshal entry: %w", err)
	}

	if _, err := l.file.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("failed to write entry: %w", err)
	}
	l.lastHash = entry.Hash

	return l.file.Sync()
}

// Close closes the audit log file
func (l *Logger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.file.Close()
}

func computeHash(entry Entry) string {
	entry.Hash = ""
	data, _ := json.Marshal(entry)
	hash := sha256.Sum256(data)
	return hex.EncodeToString(hash[:])
}

func (l *Logger) loadLastHash(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}

	// Find last non-empty line
	lines := splitLines(data)
	for i := len(lines) - 1; i >= 0; i-- {
		if len(lines[i]) > 0 {
			var entry Entry
			if err := json.Unmarshal(lines[i], &entry); err != nil {
				return err
			}
			l.lastHash = entry.Hash
			return nil
		}
	}

	return nil
}

func splitLines(data []byte) [][]byte {
	var lines [][]byte
	start := 0
	for i, b := range data {
		if b == '\n' {
			lines = append(lines, data[start:i])
			start = i + 1
		}
	}
	if start < len(data) {
		lines = append(lines, data[start:])
	}
	return lines
}

// ReadAll reads all entries from the log file
func ReadAll(path string) ([]Entry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return []Entry{}, nil
		}
		return nil, fmt.Errorf("failed to read log file: %w", err)
	}

	var entries []Entry
	lines := splitLines(data)
	for i, line := range lines {
		if len(line) == 0 {
			continue
		}
		var entry Entry
		if err := json.Unmarshal(line, &entry); err != nil {
			return nil, fmt.Errorf("failed to parse entry %d: %w", i, err)
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

// Verify checks both the chain links and each entry's own hash.
func Verify(path string) (bool, error) {
	entries, err := ReadAll(path)
	if err != nil {
		return false, err
	}

	prevHash := genesis
	for i, entry := range entries {
		if entry.PrevHash != prevHash {
			return false, fmt.Errorf("chain broken at entry %d (timestamp: %s)", i, entry.Timestamp)
		}
		if computeHash(entry) != entry.Hash {
			return false, fmt.Errorf("entry %d was modified (timestamp: %s)", i, entry.Timestamp)
		}
		prevHash = entry.Hash
	}

	return true, nil
}
