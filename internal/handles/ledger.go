// Package handles tracks remote media handles that have been uploaded but
// not yet deleted, so a supervisor can release them after the process that
// opened them was killed.
package handles

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/workflowlens/runner/internal/apperr"
)

// Ledger records outstanding handles.
type Ledger interface {
	Record(ctx context.Context, name string) error
	Release(ctx context.Context, name string) error
	Outstanding(ctx context.Context) ([]string, error)
}

// Deleter releases a handle at the remote service.
type Deleter interface {
	Delete(ctx context.Context, name string) error
}

// Nop discards everything.
type Nop struct{}

func (Nop) Record(context.Context, string) error          { return nil }
func (Nop) Release(context.Context, string) error         { return nil }
func (Nop) Outstanding(context.Context) ([]string, error) { return nil, nil }

// FileLedger appends "+name" and "-name" lines to a file. Replaying the file
// yields the outstanding set. Appends from separate processes are safe as
// long as each line is written in a single call.
type FileLedger struct {
	path string
	mu   sync.Mutex
}

var _ Ledger = (*FileLedger)(nil)

func NewFileLedger(path string) (*FileLedger, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create ledger directory: %w", err)
	}
	return &FileLedger{path: path}, nil
}

func (l *FileLedger) Path() string { return l.path }

func (l *FileLedger) Record(_ context.Context, name string) error {
	return l.append('+', name)
}

func (l *FileLedger) Release(_ context.Context, name string) error {
	return l.append('-', name)
}

func (l *FileLedger) append(op byte, name string) error {
	if name == "" || strings.ContainsAny(name, "\r\n") {
		return apperr.Errorf(apperr.KindValidation, "ledger", "invalid handle name %q", name)
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	f, err := os.OpenFile(l.path, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0o644)
	if err != nil {
		return apperr.E(apperr.KindIO, "ledger", err)
	}
	defer f.Close()

	if _, err := f.WriteString(string(op) + name + "\n"); err != nil {
		return apperr.E(apperr.KindIO, "ledger", err)
	}
	return nil
}

// Outstanding returns handles recorded and not released, in recording order.
func (l *FileLedger) Outstanding(_ context.Context) ([]string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	f, err := os.Open(l.path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, apperr.E(apperr.KindIO, "ledger", err)
	}
	defer f.Close()

	var order []string
	open := make(map[string]bool)
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := scanner.Text()
		if len(line) < 2 {
			continue
		}
		name := line[1:]
		switch line[0] {
		case '+':
			if !open[name] {
				order = append(order, name)
			}
			open[name] = true
		case '-':
			open[name] = false
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, apperr.E(apperr.KindIO, "ledger", err)
	}

	var out []string
	for _, name := range order {
		if open[name] {
			out = append(out, name)
		}
	}
	return out, nil
}

// Sweep deletes every outstanding handle and releases it from the ledger.
// Handles the remote side no longer knows are released too. Other delete
// failures are logged and left outstanding for a later sweep. Returns the
// number of handles released.
func Sweep(ctx context.Context, ledger Ledger, deleter Deleter, logger *slog.Logger) (int, error) {
	names, err := ledger.Outstanding(ctx)
	if err != nil {
		return 0, fmt.Errorf("list outstanding handles: %w", err)
	}

	released := 0
	for _, name := range names {
		if err := deleter.Delete(ctx, name); err != nil && apperr.KindOf(err) != apperr.KindNotFound {
			logger.Warn("failed to delete orphaned handle", "handle", name, "error", err)
			continue
		}
		if err := ledger.Release(ctx, name); err != nil {
			logger.Warn("failed to release swept handle", "handle", name, "error", err)
			continue
		}
		released++
	}
	if released > 0 {
		logger.Info("swept orphaned handles", "released", released, "outstanding", len(names)-released)
	}
	return released, nil
}
