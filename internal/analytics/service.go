package analytics

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/samber/lo"
	"golang.org/x/sync/errgroup"

	"github.com/mentis-edu/mentis/internal/models"
	"github.com/mentis-edu/mentis/internal/store"
)

// ErrSourceUnavailable marks an optional data source that could not be read. The
// engine degrades instead of failing when it sees one.
var ErrSourceUnavailable = errors.New("analytics source unavailable")

// Source is the read-only storage the Service aggregates.
type Source interface {
	GetStudent(ctx context.Context, studentID string) (*models.Student, error)
	ListStudents(ctx context.Context, organizationID string) ([]models.Student, error)
	GetProgress(ctx context.Context, studentID string) (*models.StudentProgress, error)
	ListProgress(ctx context.Context, studentIDs []string) ([]models.StudentProgress, error)
	ListOrganizationSummaries(ctx context.Context, organizationID string, since time.Time) ([]models.LearningSummary, error)
	ListStudentSummaries(ctx context.Context, studentID string, since time.Time) ([]models.LearningSummary, error)
	ListLearningEvents(ctx context.Context, studentIDs []string, eventType models.LearningEventType, since time.Time) ([]models.LearningEvent, error)
}

// Opts holds configuration for the Service.
type Opts struct {
	Thresholds Thresholds
	Now        func() time.Time
}

// Option configures the Service.
type Option func(*Opts)

// WithThresholds overrides the default thresholds.
func WithThresholds(th Thresholds) Option {
	return func(o *Opts) {
		o.Thresholds = th
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(o *Opts) {
		o.Now = now
	}
}

// Service loads activity snapshots and runs the engagement engine over them.
type Service struct {
	src Source
	th  Thresholds
	now func() time.Time
}

// NewService creates a Service over src.
func NewService(src Source, opts ...Option) *Service {
	cfg := Opts{Thresholds: DefaultThresholds(), Now: time.Now}
	for _, opt := range opts {
		opt(&cfg)
	}
	return &Service{src: src, th: cfg.Thresholds, now: cfg.Now}
}

// Thresholds returns the thresholds in use.
func (s *Service) Thresholds() Thresholds {
	return s.th
}

// Overview builds the organizer overview for days (clamped to [MinDays, MaxDays]).
// Unreadable event logs degrade the result instead of failing it.
func (s *Service) Overview(ctx context.Context, organizationID string, days int, activeOnly bool) (*Overview, error) {
	w := NewWindow(days, s.now())

	students, err := s.src.ListStudents(ctx, organizationID)
	if err != nil {
		return nil, fmt.Errorf("failed to list students: %w", err)
	}
	ids := lo.Map(students, func(st models.Student, _ int) string { return st.ID })
	snap := Snapshot{Students: students}

	var hintErr, tagErr error
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		p, err := s.src.ListProgress(gctx, ids)
		if err != nil {
			return fmt.Errorf("failed to list progress: %w", err)
		}
		snap.Progress = p
		return nil
	})
	g.Go(func() error {
		sums, err := s.src.ListOrganizationSummaries(gctx, organizationID, time.Time{})
		if err != nil {
			return fmt.Errorf("failed to list summaries: %w", err)
		}
		snap.Summaries = sums
		return nil
	})
	g.Go(func() error {
		events, err := s.src.ListLearningEvents(gctx, ids, models.EventHintUsed, w.Start)
		if err != nil {
			hintErr = err
			return nil
		}
		snap.HintEvents = events
		snap.HintEventsAvailable = true
		return nil
	})
	g.Go(func() error {
		events, err := s.src.ListLearningEvents(gctx, ids, models.EventErrorTag, w.PrevStart)
		if err != nil {
			tagErr = err
			return nil
		}
		snap.ErrorEvents = events
		snap.ErrorEventsAvailable = true
		return nil
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}

	ov := BuildOverview(snap, w, activeOnly, s.th)
	if hintErr != nil {
		slog.Warn("Service.Overview: hint events unavailable, approximating", "error", fmt.Errorf("%w: %w", ErrSourceUnavailable, hintErr), "organization_id", organizationID)
		ov.Unavailable = append(ov.Unavailable, "hint_events")
	}
	if tagErr != nil {
		slog.Warn("Service.Overview: error tags unavailable", "error", fmt.Errorf("%w: %w", ErrSourceUnavailable, tagErr), "organization_id", organizationID)
		ov.Unavailable = append(ov.Unavailable, "error_tags")
	}
	slog.Debug("Service.Overview: built", "organization_id", organizationID, "days", w.Days, "students", len(students), "alerts", len(ov.Alerts))
	return &ov, nil
}

// StudentMetrics builds the detail panel of one student. It returns an error wrapping
// store.ErrNotFound when the student does not exist or belongs to another organization.
func (s *Service) StudentMetrics(ctx context.Context, organizationID, studentID string) (*StudentMetrics, error) {
	st, err := s.src.GetStudent(ctx, studentID)
	if err != nil {
		return nil, fmt.Errorf("failed to load student: %w", err)
	}
	if st == nil || st.OrganizationID != organizationID {
		return nil, fmt.Errorf("student %s: %w", studentID, store.ErrNotFound)
	}
	now := s.now()
	w := NewWindow(StudentMetricsDays, now)
	snap := StudentSnapshot{Student: *st}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		p, err := s.src.GetProgress(gctx, studentID)
		if err != nil {
			return fmt.Errorf("failed to load progress: %w", err)
		}
		snap.Progress = p
		return nil
	})
	g.Go(func() error {
		sums, err := s.src.ListStudentSummaries(gctx, studentID, w.PrevStart)
		if err != nil {
			return fmt.Errorf("failed to list summaries: %w", err)
		}
		snap.Summaries = sums
		return nil
	})
	g.Go(func() error {
		events, err := s.src.ListLearningEvents(gctx, []string{studentID}, models.EventErrorTag, w.PrevStart)
		if err != nil {
			slog.Warn("Service.StudentMetrics: error tags unavailable", "error", err, "student_id", studentID)
			return nil
		}
		snap.ErrorEvents = events
		snap.ErrorEventsAvailable = true
		return nil
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}

	m := BuildStudentMetrics(snap, now, s.th)
	return &m, nil
}
