package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/mentis-edu/mentis/internal/models"
)

// sqlStore implements Store over database/sql. SQLite and PostgreSQL share the
// queries; only placeholders and row locking differ.
type sqlStore struct {
	db        *sql.DB
	name      string
	numbered  bool   // use $1, $2 placeholders
	forUpdate string // row lock suffix for read-modify-write transactions
}

// q rewrites ? placeholders for the dialect.
func (s *sqlStore) q(query string) string {
	if !s.numbered {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// in builds "(?, ?, ...)" for n values.
func in(n int) string {
	return "(" + strings.TrimSuffix(strings.Repeat("?, ", n), ", ") + ")"
}

func stringArgs(ids []string) []interface{} {
	args := make([]interface{}, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	return args
}

func (s *sqlStore) GetConversationState(ctx context.Context, conversationID string) (*models.ConversationState, error) {
	row := s.db.QueryRowContext(ctx, s.q(`SELECT conversation_id, student_id, phase, context_data, seq, created_at, updated_at
		FROM conversation_states WHERE conversation_id = ?`), conversationID)
	var st models.ConversationState
	var contextData string
	err := row.Scan(&st.ConversationID, &st.StudentID, &st.Phase, &contextData, &st.Seq, &st.CreatedAt, &st.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		slog.Error(s.name+".GetConversationState: query failed", "error", err, "conversation_id", conversationID)
		return nil, fmt.Errorf("failed to get conversation state %s: %w", conversationID, err)
	}
	if contextData != "" {
		if err := json.Unmarshal([]byte(contextData), &st.Context); err != nil {
			return nil, fmt.Errorf("failed to decode context of conversation %s: %w", conversationID, err)
		}
	}
	return &st, nil
}

func (s *sqlStore) SaveConversationState(ctx context.Context, state models.ConversationState, expectedSeq int64) error {
	contextData, err := json.Marshal(state.Context)
	if err != nil {
		return fmt.Errorf("failed to encode conversation context: %w", err)
	}

	var res sql.Result
	if expectedSeq == 0 {
		res, err = s.db.ExecContext(ctx, s.q(`INSERT INTO conversation_states
			(conversation_id, student_id, phase, context_data, seq, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT (conversation_id) DO NOTHING`),
			state.ConversationID, state.StudentID, string(state.Phase), string(contextData), state.Seq,
			state.CreatedAt.UTC(), state.UpdatedAt.UTC())
	} else {
		res, err = s.db.ExecContext(ctx, s.q(`UPDATE conversation_states
			SET phase = ?, context_data = ?, seq = ?, updated_at = ?
			WHERE conversation_id = ? AND seq = ?`),
			string(state.Phase), string(contextData), state.Seq, state.UpdatedAt.UTC(),
			state.ConversationID, expectedSeq)
	}
	if err != nil {
		slog.Error(s.name+".SaveConversationState: write failed", "error", err, "conversation_id", state.ConversationID)
		return fmt.Errorf("failed to save conversation state %s: %w", state.ConversationID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read affected rows: %w", err)
	}
	if n == 0 {
		slog.Warn(s.name+".SaveConversationState: stale turn rejected", "conversation_id", state.ConversationID, "expected_seq", expectedSeq)
		return ErrStaleState
	}
	slog.Debug(s.name+".SaveConversationState: saved", "conversation_id", state.ConversationID, "phase", state.Phase, "seq", state.Seq)
	return nil
}

func (s *sqlStore) AppendMessage(ctx context.Context, conversationID string, msg models.Message) error {
	_, err := s.db.ExecContext(ctx, s.q(`INSERT INTO conversation_messages (conversation_id, role, content, kind, created_at)
		VALUES (?, ?, ?, ?, ?)`), conversationID, string(msg.Role), msg.Content, string(msg.Kind), msg.CreatedAt.UTC())
	if err != nil {
		slog.Error(s.name+".AppendMessage: insert failed", "error", err, "conversation_id", conversationID)
		return fmt.Errorf("failed to append message to %s: %w", conversationID, err)
	}
	return nil
}

func (s *sqlStore) ListMessages(ctx context.Context, conversationID string) ([]models.Message, error) {
	rows, err := s.db.QueryContext(ctx, s.q(`SELECT role, content, kind, created_at FROM conversation_messages
		WHERE conversation_id = ? ORDER BY id ASC`), conversationID)
	if err != nil {
		return nil, fmt.Errorf("failed to query messages of %s: %w", conversationID, err)
	}
	defer rows.Close()

	var msgs []models.Message
	for rows.Next() {
		var m models.Message
		if err := rows.Scan(&m.Role, &m.Content, &m.Kind, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan message row: %w", err)
		}
		msgs = append(msgs, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate message rows: %w", err)
	}
	return msgs, nil
}

const progressColumns = `student_id, points, last_activity_at, streak, hints_used, updated_at`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanProgress(r rowScanner) (models.StudentProgress, error) {
	var p models.StudentProgress
	var last sql.NullTime
	if err := r.Scan(&p.StudentID, &p.Points, &last, &p.Streak, &p.HintsUsed, &p.UpdatedAt); err != nil {
		return p, err
	}
	if last.Valid {
		t := last.Time.UTC()
		p.LastActivityAt = &t
	}
	return p, nil
}

func (s *sqlStore) GetProgress(ctx context.Context, studentID string) (*models.StudentProgress, error) {
	p, err := scanProgress(s.db.QueryRowContext(ctx, s.q(`SELECT `+progressColumns+` FROM student_progress WHERE student_id = ?`), studentID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get progress for %s: %w", studentID, err)
	}
	return &p, nil
}

// modifyProgress runs a read-modify-write of one progress row in a transaction.
func (s *sqlStore) modifyProgress(ctx context.Context, studentID string, fn func(models.StudentProgress) models.StudentProgress) (models.StudentProgress, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return models.StudentProgress{}, fmt.Errorf("failed to begin progress transaction: %w", err)
	}
	defer tx.Rollback()

	now := time.Now().UTC()
	if _, err := tx.ExecContext(ctx, s.q(`INSERT INTO student_progress (student_id, points, streak, hints_used, updated_at)
		VALUES (?, 0, 0, 0, ?) ON CONFLICT (student_id) DO NOTHING`), studentID, now); err != nil {
		return models.StudentProgress{}, fmt.Errorf("failed to create progress row for %s: %w", studentID, err)
	}
	current, err := scanProgress(tx.QueryRowContext(ctx, s.q(`SELECT `+progressColumns+` FROM student_progress WHERE student_id = ?`+s.forUpdate), studentID))
	if err != nil {
		return models.StudentProgress{}, fmt.Errorf("failed to read progress for %s: %w", studentID, err)
	}

	next := fn(current)
	next.StudentID = studentID
	next.UpdatedAt = now
	var last interface{}
	if next.LastActivityAt != nil {
		last = next.LastActivityAt.UTC()
	}
	if _, err := tx.ExecContext(ctx, s.q(`UPDATE student_progress
		SET points = ?, last_activity_at = ?, streak = ?, hints_used = ?, updated_at = ?
		WHERE student_id = ?`), next.Points, last, next.Streak, next.HintsUsed, next.UpdatedAt, studentID); err != nil {
		return models.StudentProgress{}, fmt.Errorf("failed to update progress for %s: %w", studentID, err)
	}
	if err := tx.Commit(); err != nil {
		return models.StudentProgress{}, fmt.Errorf("failed to commit progress for %s: %w", studentID, err)
	}
	return next, nil
}

func (s *sqlStore) UpsertProgress(ctx context.Context, studentID string, update models.ProgressUpdate) (models.StudentProgress, error) {
	p, err := s.modifyProgress(ctx, studentID, update.Apply)
	if err != nil {
		slog.Error(s.name+".UpsertProgress: failed", "error", err, "student_id", studentID)
		return p, err
	}
	slog.Debug(s.name+".UpsertProgress: saved", "student_id", studentID, "points", p.Points, "streak", p.Streak)
	return p, nil
}

func (s *sqlStore) AddProgress(ctx context.Context, studentID string, delta models.ProgressDelta) (models.StudentProgress, error) {
	p, err := s.modifyProgress(ctx, studentID, delta.ApplyTo)
	if err != nil {
		slog.Error(s.name+".AddProgress: failed", "error", err, "student_id", studentID)
		return p, err
	}
	return p, nil
}

func (s *sqlStore) ListProgress(ctx context.Context, studentIDs []string) ([]models.StudentProgress, error) {
	if len(studentIDs) == 0 {
		return nil, nil
	}
	rows, err := s.db.QueryContext(ctx, s.q(`SELECT `+progressColumns+` FROM student_progress WHERE student_id IN `+in(len(studentIDs))), stringArgs(studentIDs)...)
	if err != nil {
		return nil, fmt.Errorf("failed to query progress: %w", err)
	}
	defer rows.Close()
	var out []models.StudentProgress
	for rows.Next() {
		p, err := scanProgress(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan progress row: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (s *sqlStore) SaveStudent(ctx context.Context, st models.Student) error {
	_, err := s.db.ExecContext(ctx, s.q(`INSERT INTO students (id, organization_id, name, email) VALUES (?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET organization_id = excluded.organization_id, name = excluded.name, email = excluded.email`),
		st.ID, st.OrganizationID, st.Name, nilIfEmpty(st.Email))
	if err != nil {
		return fmt.Errorf("failed to save student %s: %w", st.ID, err)
	}
	return nil
}

func (s *sqlStore) GetStudent(ctx context.Context, studentID string) (*models.Student, error) {
	var st models.Student
	var email sql.NullString
	err := s.db.QueryRowContext(ctx, s.q(`SELECT id, organization_id, name, email FROM students WHERE id = ?`), studentID).
		Scan(&st.ID, &st.OrganizationID, &st.Name, &email)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get student %s: %w", studentID, err)
	}
	st.Email = email.String
	return &st, nil
}

func (s *sqlStore) ListStudents(ctx context.Context, organizationID string) ([]models.Student, error) {
	rows, err := s.db.QueryContext(ctx, s.q(`SELECT id, organization_id, name, email FROM students
		WHERE organization_id = ? ORDER BY name ASC, id ASC`), organizationID)
	if err != nil {
		return nil, fmt.Errorf("failed to query students: %w", err)
	}
	defer rows.Close()
	var out []models.Student
	for rows.Next() {
		var st models.Student
		var email sql.NullString
		if err := rows.Scan(&st.ID, &st.OrganizationID, &st.Name, &email); err != nil {
			return nil, fmt.Errorf("failed to scan student row: %w", err)
		}
		st.Email = email.String
		out = append(out, st)
	}
	return out, rows.Err()
}

func (s *sqlStore) AddLearningSummary(ctx context.Context, sum models.LearningSummary) error {
	_, err := s.db.ExecContext(ctx, s.q(`INSERT INTO learning_summaries (id, student_id, content, source_type, source_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`), sum.ID, sum.StudentID, sum.Content, nilIfEmpty(sum.SourceType), nilIfEmpty(sum.SourceID), sum.CreatedAt.UTC())
	if err != nil {
		slog.Error(s.name+".AddLearningSummary: insert failed", "error", err, "student_id", sum.StudentID)
		return fmt.Errorf("failed to insert learning summary: %w", err)
	}
	return nil
}

func (s *sqlStore) querySummaries(ctx context.Context, query string, args ...interface{}) ([]models.LearningSummary, error) {
	rows, err := s.db.QueryContext(ctx, s.q(query), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query learning summaries: %w", err)
	}
	defer rows.Close()
	var out []models.LearningSummary
	for rows.Next() {
		var sum models.LearningSummary
		var org, sourceType, sourceID sql.NullString
		if err := rows.Scan(&sum.ID, &sum.StudentID, &org, &sum.Content, &sourceType, &sourceID, &sum.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan learning summary row: %w", err)
		}
		sum.OrganizationID = org.String
		sum.SourceType = sourceType.String
		sum.SourceID = sourceID.String
		out = append(out, sum)
	}
	return out, rows.Err()
}

func (s *sqlStore) ListOrganizationSummaries(ctx context.Context, organizationID string, since time.Time) ([]models.LearningSummary, error) {
	return s.querySummaries(ctx, `SELECT ls.id, ls.student_id, st.organization_id, ls.content, ls.source_type, ls.source_id, ls.created_at
		FROM learning_summaries ls JOIN students st ON st.id = ls.student_id
		WHERE st.organization_id = ? AND ls.created_at >= ?
		ORDER BY ls.created_at DESC`, organizationID, since.UTC())
}

func (s *sqlStore) ListStudentSummaries(ctx context.Context, studentID string, since time.Time) ([]models.LearningSummary, error) {
	return s.querySummaries(ctx, `SELECT ls.id, ls.student_id, st.organization_id, ls.content, ls.source_type, ls.source_id, ls.created_at
		FROM learning_summaries ls LEFT JOIN students st ON st.id = ls.student_id
		WHERE ls.student_id = ? AND ls.created_at >= ?
		ORDER BY ls.created_at DESC`, studentID, since.UTC())
}

func (s *sqlStore) AddLearningEvent(ctx context.Context, e models.LearningEvent) error {
	var meta interface{}
	if len(e.Meta) > 0 {
		data, err := json.Marshal(e.Meta)
		if err != nil {
			return fmt.Errorf("failed to encode event meta: %w", err)
		}
		meta = string(data)
	}
	_, err := s.db.ExecContext(ctx, s.q(`INSERT INTO learning_events (id, student_id, type, meta, created_at) VALUES (?, ?, ?, ?, ?)`),
		e.ID, e.StudentID, string(e.Type), meta, e.CreatedAt.UTC())
	if err != nil {
		slog.Warn(s.name+".AddLearningEvent: insert failed", "error", err, "type", e.Type)
		return fmt.Errorf("%w: %v", ErrEventLogUnavailable, err)
	}
	return nil
}

func (s *sqlStore) ListLearningEvents(ctx context.Context, studentIDs []string, eventType models.LearningEventType, since time.Time) ([]models.LearningEvent, error) {
	if len(studentIDs) == 0 {
		return nil, nil
	}
	args := append(stringArgs(studentIDs), string(eventType), since.UTC())
	rows, err := s.db.QueryContext(ctx, s.q(`SELECT id, student_id, type, meta, created_at FROM learning_events
		WHERE student_id IN `+in(len(studentIDs))+` AND type = ? AND created_at >= ?
		ORDER BY created_at ASC`), args...)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEventLogUnavailable, err)
	}
	defer rows.Close()
	var out []models.LearningEvent
	for rows.Next() {
		var e models.LearningEvent
		var meta sql.NullString
		if err := rows.Scan(&e.ID, &e.StudentID, &e.Type, &meta, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan learning event row: %w", err)
		}
		if meta.Valid && meta.String != "" {
			if err := json.Unmarshal([]byte(meta.String), &e.Meta); err != nil {
				slog.Warn(s.name+".ListLearningEvents: ignoring undecodable meta", "id", e.ID, "error", err)
			}
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *sqlStore) GetGuidelines(ctx context.Context, studentID string) (*models.TeacherGuidelines, error) {
	var g models.TeacherGuidelines
	var prompt, notes sql.NullString
	err := s.db.QueryRowContext(ctx, s.q(`SELECT student_id, teacher_prompt, private_notes, updated_at FROM teacher_guidelines WHERE student_id = ?`), studentID).
		Scan(&g.StudentID, &prompt, &notes, &g.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get guidelines for %s: %w", studentID, err)
	}
	g.TeacherPrompt = prompt.String
	g.PrivateNotes = notes.String
	return &g, nil
}

func (s *sqlStore) SaveGuidelines(ctx context.Context, g models.TeacherGuidelines) error {
	_, err := s.db.ExecContext(ctx, s.q(`INSERT INTO teacher_guidelines (student_id, teacher_prompt, private_notes, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (student_id) DO UPDATE SET teacher_prompt = excluded.teacher_prompt,
			private_notes = excluded.private_notes, updated_at = excluded.updated_at`),
		g.StudentID, nilIfEmpty(g.TeacherPrompt), nilIfEmpty(g.PrivateNotes), g.UpdatedAt.UTC())
	if err != nil {
		return fmt.Errorf("failed to save guidelines for %s: %w", g.StudentID, err)
	}
	return nil
}

// Close closes the database connection.
func (s *sqlStore) Close() error {
	return s.db.Close()
}
