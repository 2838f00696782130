package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/mentis-edu/mentis/internal/models"
)

// InMemoryStore is a simple in-memory Store for tests and single-process runs.
type InMemoryStore struct {
	mu            sync.RWMutex
	states        map[string]models.ConversationState
	messages      map[string][]models.Message
	progress      map[string]models.StudentProgress
	students      map[string]models.Student
	summaries     []models.LearningSummary
	events        []models.LearningEvent
	guidelines    map[string]models.TeacherGuidelines
	outbox        []*OutboxMessage
	now           func() time.Time
	eventsEnabled bool
}

// NewInMemoryStore creates an empty in-memory store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		states:        make(map[string]models.ConversationState),
		messages:      make(map[string][]models.Message),
		progress:      make(map[string]models.StudentProgress),
		students:      make(map[string]models.Student),
		guidelines:    make(map[string]models.TeacherGuidelines),
		now:           time.Now,
		eventsEnabled: true,
	}
}

// DisableEventLog makes the learning event methods fail with ErrEventLogUnavailable,
// mimicking a deployment without the fine-grained event table.
func (s *InMemoryStore) DisableEventLog() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.eventsEnabled = false
}

func (s *InMemoryStore) GetConversationState(ctx context.Context, conversationID string) (*models.ConversationState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st, ok := s.states[conversationID]
	if !ok {
		return nil, nil
	}
	return &st, nil
}

func (s *InMemoryStore) SaveConversationState(ctx context.Context, state models.ConversationState, expectedSeq int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	current, ok := s.states[state.ConversationID]
	switch {
	case !ok && expectedSeq != 0:
		return ErrStaleState
	case ok && current.Seq != expectedSeq:
		return ErrStaleState
	}
	s.states[state.ConversationID] = state
	return nil
}

func (s *InMemoryStore) AppendMessage(ctx context.Context, conversationID string, msg models.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages[conversationID] = append(s.messages[conversationID], msg)
	return nil
}

func (s *InMemoryStore) ListMessages(ctx context.Context, conversationID string) ([]models.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	msgs := s.messages[conversationID]
	out := make([]models.Message, len(msgs))
	copy(out, msgs)
	return out, nil
}

func (s *InMemoryStore) GetProgress(ctx context.Context, studentID string) (*models.StudentProgress, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.progress[studentID]
	if !ok {
		return nil, nil
	}
	return &p, nil
}

func (s *InMemoryStore) UpsertProgress(ctx context.Context, studentID string, update models.ProgressUpdate) (models.StudentProgress, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.progress[studentID]
	if !ok {
		p = models.StudentProgress{StudentID: studentID}
	}
	p = update.Apply(p)
	p.UpdatedAt = s.now()
	s.progress[studentID] = p
	return p, nil
}

func (s *InMemoryStore) AddProgress(ctx context.Context, studentID string, delta models.ProgressDelta) (models.StudentProgress, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.progress[studentID]
	if !ok {
		p = models.StudentProgress{StudentID: studentID}
	}
	p = delta.ApplyTo(p)
	p.UpdatedAt = s.now()
	s.progress[studentID] = p
	return p, nil
}

func (s *InMemoryStore) ListProgress(ctx context.Context, studentIDs []string) ([]models.StudentProgress, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []models.StudentProgress
	for _, id := range studentIDs {
		if p, ok := s.progress[id]; ok {
			out = append(out, p)
		}
	}
	return out, nil
}

func (s *InMemoryStore) SaveStudent(ctx context.Context, st models.Student) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.students[st.ID] = st
	return nil
}

func (s *InMemoryStore) GetStudent(ctx context.Context, studentID string) (*models.Student, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st, ok := s.students[studentID]
	if !ok {
		return nil, nil
	}
	return &st, nil
}

func (s *InMemoryStore) ListStudents(ctx context.Context, organizationID string) ([]models.Student, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []models.Student
	for _, st := range s.students {
		if st.OrganizationID == organizationID {
			out = append(out, st)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Name == out[j].Name {
			return out[i].ID < out[j].ID
		}
		return out[i].Name < out[j].Name
	})
	return out, nil
}

func (s *InMemoryStore) AddLearningSummary(ctx context.Context, sum models.LearningSummary) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sum.OrganizationID == "" {
		if st, ok := s.students[sum.StudentID]; ok {
			sum.OrganizationID = st.OrganizationID
		}
	}
	s.summaries = append(s.summaries, sum)
	return nil
}

func (s *InMemoryStore) ListOrganizationSummaries(ctx context.Context, organizationID string, since time.Time) ([]models.LearningSummary, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []models.LearningSummary
	for _, sum := range s.summaries {
		st, ok := s.students[sum.StudentID]
		if !ok || st.OrganizationID != organizationID || sum.CreatedAt.Before(since) {
			continue
		}
		sum.OrganizationID = organizationID
		out = append(out, sum)
	}
	sortSummariesNewestFirst(out)
	return out, nil
}

func (s *InMemoryStore) ListStudentSummaries(ctx context.Context, studentID string, since time.Time) ([]models.LearningSummary, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []models.LearningSummary
	for _, sum := range s.summaries {
		if sum.StudentID == studentID && !sum.CreatedAt.Before(since) {
			out = append(out, sum)
		}
	}
	sortSummariesNewestFirst(out)
	return out, nil
}

func (s *InMemoryStore) AddLearningEvent(ctx context.Context, e models.LearningEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.eventsEnabled {
		return ErrEventLogUnavailable
	}
	s.events = append(s.events, e)
	return nil
}

func (s *InMemoryStore) ListLearningEvents(ctx context.Context, studentIDs []string, eventType models.LearningEventType, since time.Time) ([]models.LearningEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if !s.eventsEnabled {
		return nil, ErrEventLogUnavailable
	}
	wanted := make(map[string]struct{}, len(studentIDs))
	for _, id := range studentIDs {
		wanted[id] = struct{}{}
	}
	var out []models.LearningEvent
	for _, e := range s.events {
		if _, ok := wanted[e.StudentID]; !ok {
			continue
		}
		if e.Type != eventType || e.CreatedAt.Before(since) {
			continue
		}
		out = append(out, e)
	}
	return out, nil
}

func (s *InMemoryStore) GetGuidelines(ctx context.Context, studentID string) (*models.TeacherGuidelines, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	g, ok := s.guidelines[studentID]
	if !ok {
		return nil, nil
	}
	return &g, nil
}

func (s *InMemoryStore) SaveGuidelines(ctx context.Context, g models.TeacherGuidelines) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.guidelines[g.StudentID] = g
	return nil
}

// Close is a no-op for the in-memory store.
func (s *InMemoryStore) Close() error {
	return nil
}

func sortSummariesNewestFirst(sums []models.LearningSummary) {
	sort.SliceStable(sums, func(i, j int) bool {
		return sums[i].CreatedAt.After(sums[j].CreatedAt)
	})
}
