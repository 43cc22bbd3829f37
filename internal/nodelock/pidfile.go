// ============================================================================
// runsh NodeLock - 單節點單任務鎖
// ============================================================================
//
// Package: internal/nodelock
// File: pidfile.go
// Purpose: PID file whose presence means "a job is running on this node" and
//          whose content is this node's exec container name.
//
// TryAcquire is exist-check-then-create. Two processes racing between the
// check and the create can both succeed; the queue's prefetch=1 and the
// coordinator's validate actions are the primary exclusion.
//
// ============================================================================

package nodelock

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

var (
	ErrLockHeld = errors.New("nodelock: pid file already exists")
)

// PIDFile 節點 PID 檔
type PIDFile struct {
	path     string
	identity string
}

// NewPIDFile creates a lock at path holding identity (e.g. "shippable-exec-<nodeId>").
func NewPIDFile(path, identity string) *PIDFile {
	return &PIDFile{path: path, identity: identity}
}

// Path returns the lock file path.
func (p *PIDFile) Path() string { return p.path }

// Identity returns the content written on acquire.
func (p *PIDFile) Identity() string { return p.identity }

// TryAcquire returns false if the file exists, otherwise writes it and
// returns true.
func (p *PIDFile) TryAcquire() (bool, error) {
	if _, err := os.Stat(p.path); err == nil {
		return false, nil
	} else if !os.IsNotExist(err) {
		return false, fmt.Errorf("failed to stat pid file: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(p.path), 0755); err != nil {
		return false, fmt.Errorf("failed to create pid dir: %w", err)
	}
	if err := os.WriteFile(p.path, []byte(p.identity), 0644); err != nil {
		return false, fmt.Errorf("failed to write pid file: %w", err)
	}
	return true, nil
}

// Acquire is TryAcquire returning ErrLockHeld when the file exists.
func (p *PIDFile) Acquire() error {
	ok, err := p.TryAcquire()
	if err != nil {
		return err
	}
	if !ok {
		return ErrLockHeld
	}
	return nil
}

// Release removes the file; a missing file is not an error.
func (p *PIDFile) Release() error {
	if err := os.Remove(p.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove pid file: %w", err)
	}
	return nil
}

// Owner returns the current file content, or "" when there is no file.
func (p *PIDFile) Owner() (string, error) {
	data, err := os.ReadFile(p.path)
	if err != nil {
		if os.IsNotExist(err) {
			return "", nil
		}
		return "", fmt.Errorf("failed to read pid file: %w", err)
	}
	return strings.TrimSpace(string(data)), nil
}

// HeldBySelf reports whether the file exists with this node's identity.
func (p *PIDFile) HeldBySelf() bool {
	owner, err := p.Owner()
	return err == nil && owner == p.identity
}
