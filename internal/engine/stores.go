package engine

import (
	"context"

	"patientsim/pkg"
)

// The engine treats storage as a narrow row-store interface. Stores return
// (nil, nil) for rows that do not exist; the engine maps absence to its own
// error taxonomy.

// SessionStore persists sessions and their disclosure ledger.
type SessionStore interface {
	Get(ctx context.Context, sessionID string) (*pkg.Session, error)
	UpdateLedger(ctx context.Context, sessionID string, disclosed, exams, tests []string) error
	BumpTurn(ctx context.Context, sessionID string, visitNo, turnNo int) error
	EndVisit(ctx context.Context, sessionID string, newVisitNo int) error
	Close(ctx context.Context, sessionID string) error
}

// CaseStore reads immutable authored cases.
type CaseStore interface {
	Get(ctx context.Context, caseID string) (*pkg.Case, error)
}

// MessageStore appends and reads transcript messages. Append is
// insert-if-absent on (session, visit, turn) and returns the stored message
// with its assigned ID; replaying a turn half that already exists returns
// the existing row.
type MessageStore interface {
	Append(ctx context.Context, m *pkg.Message) (*pkg.Message, error)
	GetTurnMessage(ctx context.Context, sessionID string, visitNo, turnNo int) (*pkg.Message, error)
	ListLast(ctx context.Context, sessionID string, n int) ([]pkg.Message, error)
	ListByVisit(ctx context.Context, sessionID string, visitNo int) ([]pkg.Message, error)
}

// SummaryStore persists end-of-visit summaries keyed by (session, visit).
type SummaryStore interface {
	GetVisit(ctx context.Context, sessionID string, visitNo int) (*pkg.VisitSummary, error)
}

// TurnStore records the persistence protocol status per turn identifier.
type TurnStore interface {
	Start(ctx context.Context, rec *pkg.TurnRecord) error
	MarkStatus(ctx context.Context, turnID string, status pkg.TurnStatus) error
}
