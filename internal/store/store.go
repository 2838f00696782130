// Package store provides storage backends for MENTIS.
//
// It includes an in-memory store for tests and single-process use, SQLite and
// PostgreSQL stores for persistent deployments, and a Redis store for conversation
// state shared between several API instances.
package store

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/mentis-edu/mentis/internal/models"
)

var (
	// ErrNotFound is returned when a record required by the caller does not exist.
	ErrNotFound = errors.New("not found")
	// ErrStaleState is returned when a conversation state save loses the
	// compare-and-swap on its turn sequence.
	ErrStaleState = errors.New("conversation state was modified by a newer turn")
	// ErrEventLogUnavailable is returned when the fine-grained learning event log
	// cannot be read or written.
	ErrEventLogUnavailable = errors.New("learning event log unavailable")
)

// ConversationStore persists tutoring conversation state and message logs.
type ConversationStore interface {
	// GetConversationState returns nil, nil when the conversation does not exist.
	GetConversationState(ctx context.Context, conversationID string) (*models.ConversationState, error)
	// SaveConversationState stores state if the stored Seq still equals expectedSeq
	// (expectedSeq 0 means "must not exist yet"). state.Seq should be expectedSeq+1.
	// It returns ErrStaleState when another turn committed first.
	SaveConversationState(ctx context.Context, state models.ConversationState, expectedSeq int64) error
	AppendMessage(ctx context.Context, conversationID string, msg models.Message) error
	ListMessages(ctx context.Context, conversationID string) ([]models.Message, error)
}

// ProgressStore persists per-student progress records.
type ProgressStore interface {
	// GetProgress returns nil, nil when the student has no record yet.
	GetProgress(ctx context.Context, studentID string) (*models.StudentProgress, error)
	// UpsertProgress writes the fields set in update, creating a zero record first if needed.
	UpsertProgress(ctx context.Context, studentID string, update models.ProgressUpdate) (models.StudentProgress, error)
	// AddProgress applies an incremental delta atomically.
	AddProgress(ctx context.Context, studentID string, delta models.ProgressDelta) (models.StudentProgress, error)
	ListProgress(ctx context.Context, studentIDs []string) ([]models.StudentProgress, error)
}

// ActivityStore persists the roster, learning summaries, learning events and
// teacher guidelines read by analytics.
type ActivityStore interface {
	SaveStudent(ctx context.Context, s models.Student) error
	// GetStudent returns nil, nil when the student does not exist.
	GetStudent(ctx context.Context, studentID string) (*models.Student, error)
	// ListStudents returns the organization's students ordered by name.
	ListStudents(ctx context.Context, organizationID string) ([]models.Student, error)

	AddLearningSummary(ctx context.Context, s models.LearningSummary) error
	// ListOrganizationSummaries returns summaries created at or after since, newest first.
	ListOrganizationSummaries(ctx context.Context, organizationID string, since time.Time) ([]models.LearningSummary, error)
	ListStudentSummaries(ctx context.Context, studentID string, since time.Time) ([]models.LearningSummary, error)

	AddLearningEvent(ctx context.Context, e models.LearningEvent) error
	ListLearningEvents(ctx context.Context, studentIDs []string, eventType models.LearningEventType, since time.Time) ([]models.LearningEvent, error)

	// GetGuidelines returns nil, nil when none were set.
	GetGuidelines(ctx context.Context, studentID string) (*models.TeacherGuidelines, error)
	SaveGuidelines(ctx context.Context, g models.TeacherGuidelines) error
}

// Store is the full persistence interface used by the service.
type Store interface {
	ConversationStore
	ProgressStore
	ActivityStore
	Close() error
}

// Opts holds configuration options for Store implementations.
type Opts struct {
	DSN string // Data Source Name for database connection
}

// Option defines a configuration option for Store implementations.
type Option func(*Opts)

// WithPostgresDSN sets the PostgreSQL connection string.
func WithPostgresDSN(dsn string) Option {
	return func(o *Opts) {
		o.DSN = dsn
	}
}

// WithSQLiteDSN sets the SQLite database file path.
func WithSQLiteDSN(dsn string) Option {
	return func(o *Opts) {
		o.DSN = dsn
	}
}

// DetectDSNType returns "postgres" for PostgreSQL URLs or key/value DSNs and
// "sqlite3" for everything else (file paths).
func DetectDSNType(dsn string) string {
	lower := strings.ToLower(strings.TrimSpace(dsn))
	if strings.HasPrefix(lower, "postgres://") || strings.HasPrefix(lower, "postgresql://") {
		return "postgres"
	}
	if strings.Contains(lower, "host=") || strings.Contains(lower, "dbname=") {
		return "postgres"
	}
	return "sqlite3"
}

// New opens the store matching the DSN type.
func New(dsn string) (Store, error) {
	if DetectDSNType(dsn) == "postgres" {
		return NewPostgresStore(WithPostgresDSN(dsn))
	}
	return NewSQLiteStore(WithSQLiteDSN(dsn))
}

// Open builds a Store from options. Without a DSN the in-memory store is used.
func Open(opts ...Option) (Store, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.DSN == "" {
		slog.Warn("store.Open: no database DSN configured, using in-memory store")
		return NewInMemoryStore(), nil
	}
	return New(cfg.DSN)
}
