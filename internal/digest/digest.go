// Package digest sends organizers a periodic text summary of the students that need
// attention: the overview alerts and recommended actions.
package digest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/samber/lo"

	"github.com/mentis-edu/mentis/internal/analytics"
	"github.com/mentis-edu/mentis/internal/messaging"
	"github.com/mentis-edu/mentis/internal/store"
)

const (
	// DefaultDays is the overview window of the digest.
	DefaultDays = 7
	// OutboxKind tags digest rows in the outbox.
	OutboxKind = "digest"
)

// OverviewSource computes organization overviews.
type OverviewSource interface {
	Overview(ctx context.Context, organizationID string, days int, activeOnly bool) (*analytics.Overview, error)
}

// Opts holds configuration for the digest job.
type Opts struct {
	Days       int
	Recipients []string
	Outbox     store.OutboxRepo
	Now        func() time.Time
}

// Option configures the digest job.
type Option func(*Opts)

// WithDays sets the overview window in days.
func WithDays(days int) Option {
	return func(o *Opts) {
		o.Days = days
	}
}

// WithRecipients sets the phone numbers that receive the digest.
func WithRecipients(recipients ...string) Option {
	return func(o *Opts) {
		o.Recipients = recipients
	}
}

// WithOutbox queues digests in a durable outbox instead of sending them inline.
// Deliver must then be wired to an outbox sender.
func WithOutbox(repo store.OutboxRepo) Option {
	return func(o *Opts) {
		o.Outbox = repo
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(o *Opts) {
		o.Now = now
	}
}

// Job renders and delivers the digest of one organization.
type Job struct {
	overviews      OverviewSource
	sender         messaging.Sender
	outbox         store.OutboxRepo
	organizationID string
	days           int
	recipients     []string
	now            func() time.Time
}

// NewJob creates a digest job for organizationID.
func NewJob(overviews OverviewSource, sender messaging.Sender, organizationID string, opts ...Option) *Job {
	cfg := Opts{Days: DefaultDays, Now: time.Now}
	for _, opt := range opts {
		opt(&cfg)
	}
	recipients := lo.Uniq(lo.Compact(lo.Map(cfg.Recipients, func(r string, _ int) string { return strings.TrimSpace(r) })))
	return &Job{
		overviews:      overviews,
		sender:         sender,
		outbox:         cfg.Outbox,
		organizationID: organizationID,
		days:           analytics.ClampDays(cfg.Days),
		recipients:     recipients,
		now:            cfg.Now,
	}
}

// Run computes the overview and delivers the digest to every recipient. Nothing is sent
// when there are no alerts or actions. A failing recipient does not stop the others;
// the failures are returned joined.
func (j *Job) Run(ctx context.Context) error {
	if len(j.recipients) == 0 {
		slog.Debug("Job.Run: no digest recipients configured", "organization_id", j.organizationID)
		return nil
	}
	ov, err := j.overviews.Overview(ctx, j.organizationID, j.days, false)
	if err != nil {
		return fmt.Errorf("failed to compute overview for %s: %w", j.organizationID, err)
	}
	now := j.now()
	body, ok := Render(ov, now)
	if !ok {
		slog.Info("Job.Run: nothing to report", "organization_id", j.organizationID)
		return nil
	}

	var errs []error
	delivered := 0
	for _, recipient := range j.recipients {
		if err := j.deliverTo(ctx, recipient, body, now); err != nil {
			slog.Error("Job.Run: digest not delivered", "organization_id", j.organizationID, "recipient", recipient, "error", err)
			errs = append(errs, fmt.Errorf("recipient %s: %w", recipient, err))
			continue
		}
		delivered++
	}
	slog.Info("Job.Run: digest processed", "organization_id", j.organizationID, "delivered", delivered, "failed", len(errs), "queued", j.outbox != nil)
	return errors.Join(errs...)
}

func (j *Job) deliverTo(ctx context.Context, recipient, body string, now time.Time) error {
	if j.outbox == nil {
		return j.sender.SendMessage(ctx, recipient, body)
	}
	canonical, err := messaging.CanonicalizePhone(recipient)
	if err != nil {
		return err
	}
	id, err := j.outbox.EnqueueOutboxMessage(ctx, canonical, OutboxKind, body, DedupeKey(j.organizationID, now, canonical))
	if err != nil {
		return fmt.Errorf("failed to queue digest: %w", err)
	}
	slog.Debug("Job.deliverTo: digest queued", "id", id, "recipient", canonical)
	return nil
}

// Deliver sends one queued outbox message. It is the send function of the outbox sender.
func (j *Job) Deliver(ctx context.Context, msg store.OutboxMessage) error {
	return j.sender.SendMessage(ctx, msg.Recipient, msg.Body)
}

// DedupeKey identifies the digest of one organization, day and recipient so a job that
// runs twice on the same day queues a single message.
func DedupeKey(organizationID string, now time.Time, recipient string) string {
	return fmt.Sprintf("digest:%s:%s:%s", organizationID, now.UTC().Format("2006-01-02"), recipient)
}

// Render formats the digest text. It reports false when there is nothing to report.
func Render(ov *analytics.Overview, now time.Time) (string, bool) {
	if ov == nil || (len(ov.Alerts) == 0 && len(ov.RecommendedActions) == 0) {
		return "", false
	}
	var b strings.Builder
	fmt.Fprintf(&b, "Resumen Mentis %s (últimos %d días)\n", now.UTC().Format("02/01/2006"), ov.Days)
	fmt.Fprintf(&b, "Estudiantes: %d · activos: %d · sesiones: %d\n",
		ov.KPIs.TotalStudents, ov.KPIs.ActiveStudentsWindow, ov.KPIs.SessionsCountWindow)

	if len(ov.Alerts) > 0 {
		b.WriteString("\nAlertas:\n")
		for _, a := range ov.Alerts {
			flags := lo.Map(a.Flags, func(f analytics.Flag, _ int) string { return flagLabel(f) })
			fmt.Fprintf(&b, "- %s: %s\n", a.Name, strings.Join(flags, ", "))
		}
	}
	if len(ov.RecommendedActions) > 0 {
		b.WriteString("\nAcciones recomendadas:\n")
		for _, a := range ov.RecommendedActions {
			fmt.Fprintf(&b, "- %s\n", a.Text)
		}
	}
	return strings.TrimRight(b.String(), "\n"), true
}

func flagLabel(f analytics.Flag) string {
	switch f {
	case analytics.FlagHighDependency:
		return "dependencia alta"
	case analytics.FlagStagnation:
		return "estancamiento"
	case analytics.FlagInactive14d:
		return "sin actividad 14 días"
	case analytics.FlagInactive7d:
		return "sin actividad 7 días"
	default:
		return string(f)
	}
}
