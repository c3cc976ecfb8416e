// Package audit records every decision and state transition of the action
// engine. Logs are append-only: there is no update or delete path.
package audit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"

	"github.com/jkaninda/veritas/internal/domain"
	"github.com/jkaninda/veritas/internal/storage"
)

// Event types.
const (
	EventCreated        = "action.created"
	EventAutoApproved   = "action.auto_approved"
	EventAwaiting       = "action.awaiting_approval"
	EventApproved       = "action.approved"
	EventRejected       = "action.rejected"
	EventPolicyRejected = "action.policy_rejected"
	EventExpired        = "action.expired"
	EventExecuting      = "action.executing"
	EventCompleted      = "action.completed"
	EventFailed         = "action.failed"
	EventAttemptFailed  = "action.attempt_failed"
	EventRolledBack     = "action.rolled_back"
	EventRollbackFailed = "action.rollback_failed"
	EventResumed        = "action.resumed"
)

// Severity is carried in Details["severity"].
const (
	SeverityInfo  = "info"
	SeverityError = "error"
)

// Log appends audit entries.
type Log interface {
	Append(ctx context.Context, entry *domain.AuditEntry) error
}

// StoreLog persists entries through the storage layer.
type StoreLog struct {
	store  storage.AuditStore
	logger *slog.Logger
}

// NewStoreLog creates a store-backed audit log.
func NewStoreLog(store storage.AuditStore, logger *slog.Logger) *StoreLog {
	return &StoreLog{store: store, logger: logger}
}

// Append persists entry and mirrors it to the structured log.
func (l *StoreLog) Append(ctx context.Context, entry *domain.AuditEntry) error {
	if err := l.store.Append(ctx, entry); err != nil {
		return fmt.Errorf("appending audit entry: %w", err)
	}

	level := slog.LevelInfo
	if Severity(entry) == SeverityError {
		level = slog.LevelError
	}
	attrs := []slog.Attr{
		slog.String("tenant_id", entry.TenantID),
		slog.String("event", entry.EventType),
		slog.String("actor", entry.Actor),
		slog.String("before", entry.BeforeState),
		slog.String("after", entry.AfterState),
	}
	if entry.ExecutionID != nil {
		attrs = append(attrs, slog.String("execution_id", entry.ExecutionID.String()))
	}
	l.logger.LogAttrs(ctx, level, "audit entry recorded", attrs...)
	return nil
}

// List returns persisted entries.
func (l *StoreLog) List(ctx context.Context, f storage.AuditFilter) ([]*domain.AuditEntry, error) {
	return l.store.List(ctx, f)
}

// FileLog writes entries as append-only JSONL.
// Each entry is a single JSON line followed by a newline.
type FileLog struct {
	mu   sync.Mutex
	file *os.File
}

// NewFileLog opens (or creates) the audit file in append-only mode with 0600 permissions.
func NewFileLog(path string) (*FileLog, error) {
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0600)
	if err != nil {
		return nil, fmt.Errorf("opening audit log %s: %w", path, err)
	}
	return &FileLog{file: f}, nil
}

// Append serializes the entry outside the lock; only the write is serialized.
func (l *FileLog) Append(_ context.Context, entry *domain.AuditEntry) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshaling audit entry: %w", err)
	}
	data = append(data, '\n')

	l.mu.Lock()
	_, err = l.file.Write(data)
	l.mu.Unlock()
	if err != nil {
		return fmt.Errorf("writing audit entry: %w", err)
	}
	return nil
}

// Close closes the underlying file.
func (l *FileLog) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.file.Close()
}

type tee []Log

// Tee appends every entry to all logs. Every log is attempted; errors are joined.
func Tee(logs ...Log) Log {
	return tee(logs)
}

func (t tee) Append(ctx context.Context, entry *domain.AuditEntry) error {
	var errs []error
	for _, l := range t {
		if err := l.Append(ctx, entry); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Severity returns the severity recorded on entry.
func Severity(entry *domain.AuditEntry) string {
	if s, ok := entry.Details["severity"].(string); ok {
		return s
	}
	return SeverityInfo
}

// EventFor maps a target execution state to its event type.
func EventFor(to domain.ExecutionState) string {
	switch to {
	case domain.StateAutoApproved:
		return EventAutoApproved
	case domain.StateAwaitingApproval:
		return EventAwaiting
	case domain.StateApproved:
		return EventApproved
	case domain.StateRejected:
		return EventRejected
	case domain.StateExecuting:
		return EventExecuting
	case domain.StateCompleted:
		return EventCompleted
	case domain.StateFailed:
		return EventFailed
	case domain.StateRolledBack:
		return EventRolledBack
	}
	return EventCreated
}
