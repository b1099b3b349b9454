package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/lib/pq"

	"patientsim/pkg"
)

// Repositories return (nil, nil) for rows that do not exist; callers map
// absence to their own error taxonomy.

// SessionRepo persists sessions and their disclosure ledger.
type SessionRepo struct {
	DB *sql.DB
}

func NewSessionRepo(db *sql.DB) *SessionRepo { return &SessionRepo{DB: db} }

// Create inserts a fresh session row. Visit and turn counters start at their
// zero values for a new visit.
func (r *SessionRepo) Create(ctx context.Context, s *pkg.Session) error {
	_, err := r.DB.ExecContext(ctx,
		`INSERT INTO sessions (id, doctor_id, case_id, level, visit_no, turn_no, status)
         VALUES ($1, $2, $3, $4, 1, 0, 'active')`,
		s.ID, s.DoctorID, s.CaseID, s.Level,
	)
	if err != nil {
		return fmt.Errorf("create session: %w", err)
	}
	return nil
}

func (r *SessionRepo) Get(ctx context.Context, sessionID string) (*pkg.Session, error) {
	var s pkg.Session
	err := r.DB.QueryRowContext(ctx,
		`SELECT id, doctor_id, case_id, level, visit_no, turn_no, status,
                disclosed_fact_ids, performed_exams, performed_tests,
                created_at, updated_at
         FROM sessions WHERE id = $1`, sessionID,
	).Scan(&s.ID, &s.DoctorID, &s.CaseID, &s.Level, &s.VisitNo, &s.TurnNo, &s.Status,
		pq.Array(&s.DisclosedFactIDs), pq.Array(&s.PerformedExams), pq.Array(&s.PerformedTests),
		&s.CreatedAt, &s.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &s, nil
}

// UpdateLedger replaces the disclosure ledger arrays. The engine computes the
// merged arrays; the row write is a plain overwrite.
func (r *SessionRepo) UpdateLedger(ctx context.Context, sessionID string, disclosed, exams, tests []string) error {
	_, err := r.DB.ExecContext(ctx,
		`UPDATE sessions
         SET disclosed_fact_ids = $1, performed_exams = $2, performed_tests = $3, updated_at = NOW()
         WHERE id = $4`,
		pq.Array(disclosed), pq.Array(exams), pq.Array(tests), sessionID,
	)
	return err
}

// BumpTurn advances the stored turn counter, guarded so a replayed turn never
// moves it backwards.
func (r *SessionRepo) BumpTurn(ctx context.Context, sessionID string, visitNo, turnNo int) error {
	_, err := r.DB.ExecContext(ctx,
		`UPDATE sessions SET turn_no = $1, updated_at = NOW()
         WHERE id = $2 AND visit_no = $3 AND turn_no < $1`,
		turnNo, sessionID, visitNo,
	)
	return err
}

// EndVisit moves the session to the next visit and resets the turn counter.
func (r *SessionRepo) EndVisit(ctx context.Context, sessionID string, newVisitNo int) error {
	_, err := r.DB.ExecContext(ctx,
		`UPDATE sessions SET visit_no = $1, turn_no = 0, updated_at = NOW() WHERE id = $2`,
		newVisitNo, sessionID,
	)
	return err
}

// Close marks a session closed.
func (r *SessionRepo) Close(ctx context.Context, sessionID string) error {
	_, err := r.DB.ExecContext(ctx,
		`UPDATE sessions SET status = 'closed', updated_at = NOW() WHERE id = $1`,
		sessionID,
	)
	return err
}

// ListByDoctor returns the doctor's sessions, newest first.
func (r *SessionRepo) ListByDoctor(ctx context.Context, doctorID string) ([]pkg.Session, error) {
	rows, err := r.DB.QueryContext(ctx,
		`SELECT id, doctor_id, case_id, level, visit_no, turn_no, status,
                disclosed_fact_ids, performed_exams, performed_tests,
                created_at, updated_at
         FROM sessions WHERE doctor_id = $1
         ORDER BY created_at DESC`, doctorID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []pkg.Session
	for rows.Next() {
		var s pkg.Session
		if err := rows.Scan(&s.ID, &s.DoctorID, &s.CaseID, &s.Level, &s.VisitNo, &s.TurnNo, &s.Status,
			pq.Array(&s.DisclosedFactIDs), pq.Array(&s.PerformedExams), pq.Array(&s.PerformedTests),
			&s.CreatedAt, &s.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// CaseRepo reads and seeds authored cases. Case chunks live as a jsonb
// document; they are authored offline and never mutated at runtime.
type CaseRepo struct {
	DB *sql.DB
}

func NewCaseRepo(db *sql.DB) *CaseRepo { return &CaseRepo{DB: db} }

func (r *CaseRepo) Get(ctx context.Context, caseID string) (*pkg.Case, error) {
	var c pkg.Case
	var chunks []byte
	err := r.DB.QueryRowContext(ctx,
		`SELECT case_id, title, dx, case_type, chunks FROM cases WHERE case_id = $1`,
		caseID,
	).Scan(&c.CaseID, &c.Title, &c.Dx, &c.CaseType, &chunks)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(chunks, &c.Chunks); err != nil {
		return nil, fmt.Errorf("decode case chunks for %s: %w", caseID, err)
	}
	return &c, nil
}

// Upsert writes an authored case, replacing any prior version.
func (r *CaseRepo) Upsert(ctx context.Context, c *pkg.Case) error {
	chunks, err := json.Marshal(c.Chunks)
	if err != nil {
		return fmt.Errorf("encode case chunks for %s: %w", c.CaseID, err)
	}
	_, err = r.DB.ExecContext(ctx,
		`INSERT INTO cases (case_id, title, dx, case_type, chunks)
         VALUES ($1, $2, $3, $4, $5)
         ON CONFLICT (case_id) DO UPDATE
         SET title = EXCLUDED.title, dx = EXCLUDED.dx,
             case_type = EXCLUDED.case_type, chunks = EXCLUDED.chunks`,
		c.CaseID, c.Title, c.Dx, c.CaseType, chunks,
	)
	return err
}

// ListIDs returns all case IDs in creation order.
func (r *CaseRepo) ListIDs(ctx context.Context) ([]string, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT case_id FROM cases ORDER BY created_at`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

// MessageRepo appends and reads transcript messages.
type MessageRepo struct {
	DB *sql.DB
}

func NewMessageRepo(db *sql.DB) *MessageRepo { return &MessageRepo{DB: db} }

// Append inserts a message and returns the stored row with its assigned ID.
// The write is insert-if-absent on (session, visit, turn): a retry of a turn
// half that already landed returns the existing row instead of colliding, so
// a turn interrupted between its doctor and patient writes can be completed
// by replaying the same turn identifier.
func (r *MessageRepo) Append(ctx context.Context, m *pkg.Message) (*pkg.Message, error) {
	meta := m.Meta
	if meta == nil {
		meta = map[string]any{}
	}
	metaJSON, err := json.Marshal(meta)
	if err != nil {
		return nil, fmt.Errorf("encode message meta: %w", err)
	}
	stored := *m
	err = r.DB.QueryRowContext(ctx,
		`INSERT INTO messages (session_id, visit_no, turn_no, role, content, meta)
         VALUES ($1, $2, $3, $4, $5, $6)
         ON CONFLICT (session_id, visit_no, turn_no) DO NOTHING
         RETURNING id, created_at`,
		m.SessionID, m.VisitNo, m.TurnNo, m.Role, m.Content, metaJSON,
	).Scan(&stored.ID, &stored.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return r.GetTurnMessage(ctx, m.SessionID, m.VisitNo, m.TurnNo)
	}
	if err != nil {
		return nil, err
	}
	return &stored, nil
}

func (r *MessageRepo) GetTurnMessage(ctx context.Context, sessionID string, visitNo, turnNo int) (*pkg.Message, error) {
	row := r.DB.QueryRowContext(ctx,
		`SELECT id, session_id, visit_no, turn_no, role, content, meta, created_at
         FROM messages
         WHERE session_id = $1 AND visit_no = $2 AND turn_no = $3`,
		sessionID, visitNo, turnNo)
	m, err := scanMessage(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return m, nil
}

// ListLast returns the most recent n messages in chronological order.
func (r *MessageRepo) ListLast(ctx context.Context, sessionID string, n int) ([]pkg.Message, error) {
	rows, err := r.DB.QueryContext(ctx,
		`SELECT id, session_id, visit_no, turn_no, role, content, meta, created_at
         FROM (SELECT * FROM messages WHERE session_id = $1 ORDER BY id DESC LIMIT $2) sub
         ORDER BY id ASC`,
		sessionID, n)
	if err != nil {
		return nil, err
	}
	return collectMessages(rows)
}

func (r *MessageRepo) ListByVisit(ctx context.Context, sessionID string, visitNo int) ([]pkg.Message, error) {
	rows, err := r.DB.QueryContext(ctx,
		`SELECT id, session_id, visit_no, turn_no, role, content, meta, created_at
         FROM messages
         WHERE session_id = $1 AND visit_no = $2
         ORDER BY turn_no ASC`,
		sessionID, visitNo)
	if err != nil {
		return nil, err
	}
	return collectMessages(rows)
}

// ListAll returns the full transcript for a session in order.
func (r *MessageRepo) ListAll(ctx context.Context, sessionID string) ([]pkg.Message, error) {
	rows, err := r.DB.QueryContext(ctx,
		`SELECT id, session_id, visit_no, turn_no, role, content, meta, created_at
         FROM messages WHERE session_id = $1
         ORDER BY id ASC`, sessionID)
	if err != nil {
		return nil, err
	}
	return collectMessages(rows)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMessage(row rowScanner) (*pkg.Message, error) {
	var m pkg.Message
	var metaJSON []byte
	if err := row.Scan(&m.ID, &m.SessionID, &m.VisitNo, &m.TurnNo,
		&m.Role, &m.Content, &metaJSON, &m.CreatedAt); err != nil {
		return nil, err
	}
	if len(metaJSON) > 0 {
		if err := json.Unmarshal(metaJSON, &m.Meta); err != nil {
			return nil, fmt.Errorf("decode message meta: %w", err)
		}
	}
	return &m, nil
}

func collectMessages(rows *sql.Rows) ([]pkg.Message, error) {
	defer rows.Close()
	var out []pkg.Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *m)
	}
	return out, rows.Err()
}

// SummaryRepo persists end-of-visit summaries keyed by (session, visit).
type SummaryRepo struct {
	DB *sql.DB
}

func NewSummaryRepo(db *sql.DB) *SummaryRepo { return &SummaryRepo{DB: db} }

func (r *SummaryRepo) GetVisit(ctx context.Context, sessionID string, visitNo int) (*pkg.VisitSummary, error) {
	var s pkg.VisitSummary
	err := r.DB.QueryRowContext(ctx,
		`SELECT session_id, visit_no, summary_text, created_at
         FROM visit_summaries WHERE session_id = $1 AND visit_no = $2`,
		sessionID, visitNo,
	).Scan(&s.SessionID, &s.VisitNo, &s.SummaryText, &s.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &s, nil
}

// Upsert writes a visit summary, replacing any earlier one for the visit so
// re-running a summary is idempotent.
func (r *SummaryRepo) Upsert(ctx context.Context, s *pkg.VisitSummary) (*pkg.VisitSummary, error) {
	stored := *s
	err := r.DB.QueryRowContext(ctx,
		`INSERT INTO visit_summaries (session_id, visit_no, summary_text)
         VALUES ($1, $2, $3)
         ON CONFLICT (session_id, visit_no) DO UPDATE
         SET summary_text = EXCLUDED.summary_text
         RETURNING created_at`,
		s.SessionID, s.VisitNo, s.SummaryText,
	).Scan(&stored.CreatedAt)
	if err != nil {
		return nil, err
	}
	return &stored, nil
}

// ListUpTo returns the most recent summaries with visit_no <= visitNo, in
// visit order.
func (r *SummaryRepo) ListUpTo(ctx context.Context, sessionID string, visitNo, limit int) ([]pkg.VisitSummary, error) {
	rows, err := r.DB.QueryContext(ctx,
		`SELECT session_id, visit_no, summary_text, created_at
         FROM (SELECT * FROM visit_summaries
               WHERE session_id = $1 AND visit_no <= $2
               ORDER BY visit_no DESC LIMIT $3) sub
         ORDER BY visit_no ASC`,
		sessionID, visitNo, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []pkg.VisitSummary
	for rows.Next() {
		var s pkg.VisitSummary
		if err := rows.Scan(&s.SessionID, &s.VisitNo, &s.SummaryText, &s.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// EmbeddingRepo stores retrieval vectors next to their source rows.
type EmbeddingRepo struct {
	DB *sql.DB
}

func NewEmbeddingRepo(db *sql.DB) *EmbeddingRepo { return &EmbeddingRepo{DB: db} }

func (r *EmbeddingRepo) SetMessageEmbedding(ctx context.Context, messageID int64, vec []float32) error {
	_, err := r.DB.ExecContext(ctx,
		`UPDATE messages SET embedding = $1 WHERE id = $2`,
		pq.Array(toFloat64(vec)), messageID,
	)
	return err
}

func (r *EmbeddingRepo) SetSummaryEmbedding(ctx context.Context, sessionID string, visitNo int, vec []float32) error {
	_, err := r.DB.ExecContext(ctx,
		`UPDATE visit_summaries SET embedding = $1 WHERE session_id = $2 AND visit_no = $3`,
		pq.Array(toFloat64(vec)), sessionID, visitNo,
	)
	return err
}

func toFloat64(vec []float32) []float64 {
	out := make([]float64, len(vec))
	for i, v := range vec {
		out[i] = float64(v)
	}
	return out
}

// TurnRepo records the persistence protocol status per turn identifier.
type TurnRepo struct {
	DB *sql.DB
}

func NewTurnRepo(db *sql.DB) *TurnRepo { return &TurnRepo{DB: db} }

// Start records that a turn began. Replays of an already-recorded turn are
// no-ops.
func (r *TurnRepo) Start(ctx context.Context, rec *pkg.TurnRecord) error {
	_, err := r.DB.ExecContext(ctx,
		`INSERT INTO turns (turn_id, session_id, visit_no, doctor_turn_no, status)
         VALUES ($1, $2, $3, $4, $5)
         ON CONFLICT (turn_id) DO NOTHING`,
		rec.TurnID, rec.SessionID, rec.VisitNo, rec.DoctorTurnNo, rec.Status,
	)
	return err
}

func (r *TurnRepo) MarkStatus(ctx context.Context, turnID string, status pkg.TurnStatus) error {
	_, err := r.DB.ExecContext(ctx,
		`UPDATE turns SET status = $1, updated_at = NOW() WHERE turn_id = $2`,
		status, turnID,
	)
	return err
}
