package flow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/mentis-edu/mentis/internal/metrics"
	"github.com/mentis-edu/mentis/internal/models"
	"github.com/mentis-edu/mentis/internal/store"
	"github.com/mentis-edu/mentis/internal/util"
)

// FallbackReply is the only text a student sees when the tutor could not answer.
const FallbackReply = "No he podido generar una respuesta. Inténtalo de nuevo."

var (
	// ErrStaleTurn is returned when a newer turn committed while this one was waiting
	// for the model. The result of the stale turn is discarded.
	ErrStaleTurn = errors.New("conversation advanced by a newer turn")
	// ErrEmptyMessage is returned for a turn without student text.
	ErrEmptyMessage = errors.New("empty student message")
	// ErrStudentMismatch is returned when a conversation is used by another student.
	ErrStudentMismatch = errors.New("conversation belongs to another student")
)

// Completer sends the system instruction and ordered history to a text-completion
// model and returns its single reply.
type Completer interface {
	Complete(ctx context.Context, system string, history []models.Message) (string, error)
}

// ProgressRecorder receives the progress effects of tutoring turns.
type ProgressRecorder interface {
	Record(studentID string, delta models.ProgressDelta)
}

// ConversationStore is the persistence the orchestrator needs.
type ConversationStore interface {
	store.ConversationStore
	GetGuidelines(ctx context.Context, studentID string) (*models.TeacherGuidelines, error)
	AddLearningEvent(ctx context.Context, e models.LearningEvent) error
}

// Opts holds configuration for the Orchestrator.
type Opts struct {
	HistoryLimit int
	Now          func() time.Time
	NewID        func() string
	Progress     ProgressRecorder
}

// Option configures the Orchestrator.
type Option func(*Opts)

// WithHistoryLimit sets how many past messages are sent to the model. Unbounded disables the limit.
func WithHistoryLimit(n int) Option {
	return func(o *Opts) {
		o.HistoryLimit = n
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(o *Opts) {
		o.Now = now
	}
}

// WithIDGenerator overrides conversation ID generation.
func WithIDGenerator(fn func() string) Option {
	return func(o *Opts) {
		o.NewID = fn
	}
}

// WithProgressRecorder sets where turn progress effects go.
func WithProgressRecorder(p ProgressRecorder) Option {
	return func(o *Opts) {
		o.Progress = p
	}
}

// Orchestrator runs the guided tutoring state machine.
type Orchestrator struct {
	store     ConversationStore
	completer Completer
	progress  ProgressRecorder
	locks     *keyedMutex
	limit     int
	now       func() time.Time
	newID     func() string
}

// NewOrchestrator creates an Orchestrator.
func NewOrchestrator(st ConversationStore, completer Completer, opts ...Option) *Orchestrator {
	cfg := Opts{
		HistoryLimit: DefaultHistoryLimit,
		Now:          time.Now,
		NewID:        util.NewConversationID,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	return &Orchestrator{
		store:     st,
		completer: completer,
		progress:  cfg.Progress,
		locks:     newKeyedMutex(),
		limit:     cfg.HistoryLimit,
		now:       cfg.Now,
		newID:     cfg.NewID,
	}
}

// StartResult describes a new conversation.
type StartResult struct {
	ConversationID string                     `json:"conversationId"`
	Greeting       string                     `json:"greeting"`
	Phase          models.ConversationPhase   `json:"phase"`
	Context        models.ConversationContext `json:"context"`
}

// TurnInput identifies a student turn or hint request.
type TurnInput struct {
	ConversationID string
	StudentID      string
	// Subject is the subject selected in the UI. When set it always wins over the model.
	Subject string
	Message string
}

// TurnResult is what the caller shows after a turn.
type TurnResult struct {
	ConversationID string                     `json:"conversationId"`
	Reply          string                     `json:"reply"`
	Phase          models.ConversationPhase   `json:"phase"`
	Context        models.ConversationContext `json:"context"`
	ContextUpdate  *models.ContextUpdate      `json:"contextUpdate,omitempty"`
	PointsAwarded  int                        `json:"pointsAwarded"`
	HintAllowed    bool                       `json:"hintAllowed"`
	Fallback       bool                       `json:"fallback"`
}

// Conversation is a stored conversation with its log.
type Conversation struct {
	State       models.ConversationState `json:"state"`
	Messages    []models.Message         `json:"messages"`
	HintAllowed bool                     `json:"hintAllowed"`
}

// Start creates a conversation in the idle phase and stores the greeting.
func (o *Orchestrator) Start(ctx context.Context, studentID, subject string) (StartResult, error) {
	if strings.TrimSpace(studentID) == "" {
		return StartResult{}, models.ErrEmptyStudentID
	}
	subject = strings.TrimSpace(subject)
	now := o.now()
	state := models.NewConversationState(o.newID(), studentID, subject, now)
	state.Seq = 1
	if err := o.store.SaveConversationState(ctx, *state, 0); err != nil {
		slog.Error("Orchestrator.Start: failed to save state", "error", err, "student_id", studentID)
		return StartResult{}, fmt.Errorf("failed to create conversation: %w", err)
	}

	greeting := InitialGreeting(subject)
	msg := models.Message{Role: models.RoleAssistant, Content: greeting, Kind: models.MessageKindGreeting, CreatedAt: now}
	if err := o.store.AppendMessage(ctx, state.ConversationID, msg); err != nil {
		slog.Warn("Orchestrator.Start: failed to store greeting", "error", err, "conversation_id", state.ConversationID)
	}
	slog.Info("Orchestrator.Start: conversation created", "conversation_id", state.ConversationID, "student_id", studentID, "subject", subject)

	return StartResult{
		ConversationID: state.ConversationID,
		Greeting:       greeting,
		Phase:          state.Phase,
		Context:        state.Context,
	}, nil
}

// Conversation returns the stored state and log. It returns store.ErrNotFound for an
// unknown conversation.
func (o *Orchestrator) Conversation(ctx context.Context, conversationID string) (*Conversation, error) {
	state, err := o.store.GetConversationState(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	if state == nil {
		return nil, store.ErrNotFound
	}
	msgs, err := o.store.ListMessages(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	if msgs == nil {
		msgs = []models.Message{}
	}
	return &Conversation{State: *state, Messages: msgs, HintAllowed: models.HintAllowed(state.Phase)}, nil
}

// Turn answers a student message.
func (o *Orchestrator) Turn(ctx context.Context, in TurnInput) (TurnResult, error) {
	if strings.TrimSpace(in.Message) == "" {
		return TurnResult{}, ErrEmptyMessage
	}
	return o.run(ctx, in, false)
}

// Hint asks the tutor for exactly one conceptual hint. No student message is added.
// Hints outside the phases where the UI offers them are still served.
func (o *Orchestrator) Hint(ctx context.Context, in TurnInput) (TurnResult, error) {
	in.Message = ""
	return o.run(ctx, in, true)
}

func (o *Orchestrator) run(ctx context.Context, in TurnInput, hint bool) (TurnResult, error) {
	kind := metrics.TurnKindMessage
	if hint {
		kind = metrics.TurnKindHint
	}
	unlock := o.locks.Lock(in.ConversationID)
	defer unlock()

	state, err := o.store.GetConversationState(ctx, in.ConversationID)
	if err != nil {
		metrics.RecordTurn(kind, metrics.OutcomeError)
		return TurnResult{}, fmt.Errorf("failed to load conversation %s: %w", in.ConversationID, err)
	}
	now := o.now()
	if state == nil {
		state = models.NewConversationState(in.ConversationID, in.StudentID, in.Subject, now)
	} else if in.StudentID != "" && state.StudentID != "" && state.StudentID != in.StudentID {
		metrics.RecordTurn(kind, metrics.OutcomeError)
		return TurnResult{}, ErrStudentMismatch
	}
	studentID := state.StudentID
	if studentID == "" {
		studentID = in.StudentID
	}
	expectedSeq := state.Seq
	current := *state
	if subject := strings.TrimSpace(in.Subject); subject != "" {
		current.Context.Subject = subject
	}

	if !hint {
		msg := models.Message{Role: models.RoleUser, Content: strings.TrimSpace(in.Message), CreatedAt: now}
		if err := o.store.AppendMessage(ctx, in.ConversationID, msg); err != nil {
			metrics.RecordTurn(kind, metrics.OutcomeError)
			return TurnResult{}, fmt.Errorf("failed to append student message: %w", err)
		}
	}

	msgs, err := o.store.ListMessages(ctx, in.ConversationID)
	if err != nil {
		metrics.RecordTurn(kind, metrics.OutcomeError)
		return TurnResult{}, fmt.Errorf("failed to load messages: %w", err)
	}
	history := selectHistory(msgs, o.limit, !hint)

	system := BuildSystemPrompt(PromptInput{
		Phase:          current.Phase,
		Context:        current.Context,
		RequestingHint: hint,
		TeacherPrompt:  o.teacherPrompt(ctx, studentID),
	})

	raw, err := o.completer.Complete(ctx, system, history)
	var decoded DecodedReply
	if err == nil {
		decoded = DecodeReply(raw)
		if decoded.Text == "" {
			err = errors.New("tutor reply is empty after removing directives")
		}
	}
	if err != nil {
		slog.Error("Orchestrator.run: tutor reply unavailable, using fallback", "conversation_id", in.ConversationID, "hint", hint, "error", err)
		return o.fallback(ctx, in.ConversationID, studentID, &current, hint, now), nil
	}
	recordDirectives(decoded)

	next := current
	next.Phase = nextPhase(current.Phase, decoded.Phase, hint)
	var update *models.ContextUpdate
	if decoded.Context.Status == DirectiveValid {
		// The subject is chosen by the student in the UI, never by the model.
		u := decoded.Context.Update.WithoutSubject()
		if !u.IsEmpty() {
			update = &u
		}
		next.Context = next.Context.Merge(u)
		if subject := strings.TrimSpace(in.Subject); subject != "" {
			next.Context.Subject = subject
		}
	}
	next.Seq = expectedSeq + 1
	next.UpdatedAt = now
	if next.StudentID == "" {
		next.StudentID = studentID
	}

	if err := o.store.SaveConversationState(ctx, next, expectedSeq); err != nil {
		if errors.Is(err, store.ErrStaleState) {
			slog.Warn("Orchestrator.run: discarding stale turn", "conversation_id", in.ConversationID, "expected_seq", expectedSeq)
			metrics.RecordTurn(kind, metrics.OutcomeStale)
			return TurnResult{
				ConversationID: in.ConversationID,
				Reply:          FallbackReply,
				Phase:          current.Phase,
				Context:        current.Context,
				HintAllowed:    models.HintAllowed(current.Phase),
				Fallback:       true,
			}, ErrStaleTurn
		}
		metrics.RecordTurn(kind, metrics.OutcomeError)
		return TurnResult{}, fmt.Errorf("failed to save conversation state: %w", err)
	}

	reply := models.Message{Role: models.RoleAssistant, Content: decoded.Text, CreatedAt: now}
	if hint {
		reply.Kind = models.MessageKindHint
	}
	if err := o.store.AppendMessage(ctx, in.ConversationID, reply); err != nil {
		slog.Error("Orchestrator.run: failed to append tutor reply", "error", err, "conversation_id", in.ConversationID)
	}

	points := 0
	if decoded.Points.Status == DirectiveValid {
		points = decoded.Points.Points
	}
	o.recordProgress(ctx, studentID, points, hint, now)
	metrics.RecordPointsAwarded(points)
	metrics.RecordTurn(kind, metrics.OutcomeOK)

	// A hint turn may announce giving_hint; the stored phase already resumed the prior one.
	phase := next.Phase
	if hint && decoded.Phase.Status == DirectiveValid {
		phase = decoded.Phase.Phase
	}
	slog.Debug("Orchestrator.run: turn committed", "conversation_id", in.ConversationID, "phase", next.Phase, "seq", next.Seq, "points", points, "reply_len", len(decoded.Text))

	return TurnResult{
		ConversationID: in.ConversationID,
		Reply:          decoded.Text,
		Phase:          phase,
		Context:        next.Context,
		ContextUpdate:  update,
		PointsAwarded:  points,
		HintAllowed:    models.HintAllowed(next.Phase),
	}, nil
}

// nextPhase applies the transition fallback: without a valid directive the idle phase
// moves to defining_context and every other phase stays. A hint turn never persists
// giving_hint so later turns resume the phase the hint interrupted.
func nextPhase(current models.ConversationPhase, d PhaseDirective, hint bool) models.ConversationPhase {
	if d.Status == DirectiveValid {
		if hint && d.Phase == models.PhaseGivingHint {
			return current
		}
		return d.Phase
	}
	if current == models.PhaseIdle {
		return models.PhaseDefiningContext
	}
	return current
}

// fallback stores the fixed reply without touching the conversation state.
func (o *Orchestrator) fallback(ctx context.Context, conversationID, studentID string, current *models.ConversationState, hint bool, now time.Time) TurnResult {
	kind := metrics.TurnKindMessage
	if hint {
		kind = metrics.TurnKindHint
	}
	metrics.RecordTurn(kind, metrics.OutcomeFallback)

	msg := models.Message{Role: models.RoleAssistant, Content: FallbackReply, Kind: models.MessageKindFallback, CreatedAt: now}
	if err := o.store.AppendMessage(ctx, conversationID, msg); err != nil {
		slog.Warn("Orchestrator.fallback: failed to store fallback reply", "error", err, "conversation_id", conversationID)
	}
	if !hint && o.progress != nil && studentID != "" {
		at := now
		o.progress.Record(studentID, models.ProgressDelta{Activity: &at})
	}
	return TurnResult{
		ConversationID: conversationID,
		Reply:          FallbackReply,
		Phase:          current.Phase,
		Context:        current.Context,
		HintAllowed:    models.HintAllowed(current.Phase),
		Fallback:       true,
	}
}

func (o *Orchestrator) teacherPrompt(ctx context.Context, studentID string) string {
	if studentID == "" {
		return ""
	}
	g, err := o.store.GetGuidelines(ctx, studentID)
	if err != nil {
		slog.Warn("Orchestrator.teacherPrompt: guidelines unavailable", "error", err, "student_id", studentID)
		return ""
	}
	if g == nil {
		return ""
	}
	return g.TeacherPrompt
}

func (o *Orchestrator) recordProgress(ctx context.Context, studentID string, points int, hint bool, now time.Time) {
	if studentID == "" {
		return
	}
	at := now
	delta := models.ProgressDelta{Points: points, Activity: &at}
	if hint {
		delta.HintsUsed = 1
		event := models.LearningEvent{ID: util.NewEventID(), StudentID: studentID, Type: models.EventHintUsed, CreatedAt: now}
		if err := o.store.AddLearningEvent(ctx, event); err != nil {
			slog.Warn("Orchestrator.recordProgress: hint event not recorded", "error", err, "student_id", studentID)
		}
	}
	if o.progress != nil {
		o.progress.Record(studentID, delta)
	}
}

func recordDirectives(d DecodedReply) {
	metrics.RecordDirective(DirectivePoints, d.Points.Status.String())
	metrics.RecordDirective(DirectivePhase, d.Phase.Status.String())
	metrics.RecordDirective(DirectiveContext, d.Context.Status.String())
}
