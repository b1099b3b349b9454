package pkg

import "time"

// MessageRole describes who authored a message. The simulated patient and
// the system (scripted intros) share the transcript with the doctor.
type MessageRole string

const (
	RoleDoctor  MessageRole = "doctor"
	RolePatient MessageRole = "patient"
	RoleSystem  MessageRole = "system"
)

// SessionStatus is the lifecycle state of a training session.
type SessionStatus string

const (
	StatusActive SessionStatus = "active"
	StatusClosed SessionStatus = "closed"
)

// ChunkKind enumerates the categories a case fact can belong to. Exam and
// test chunks are gated behind the disclosure policy's unlocked tools.
type ChunkKind string

const (
	KindBaseline   ChunkKind = "baseline"
	KindSymptoms   ChunkKind = "symptoms"
	KindHistory    ChunkKind = "history"
	KindExam       ChunkKind = "exam"
	KindTests      ChunkKind = "tests"
	KindAssessment ChunkKind = "assessment"
	KindPlan       ChunkKind = "plan"
)

// Session is one doctor's attempt at a case. The disclosure ledger
// (DisclosedFactIDs, PerformedExams, PerformedTests) grows monotonically and
// is the authoritative record of what the simulated patient has revealed.
type Session struct {
	ID               string        `json:"session_id"`
	DoctorID         string        `json:"doctor_id"`
	CaseID           string        `json:"case_id"`
	Level            int           `json:"level"`
	VisitNo          int           `json:"visit_no"`
	TurnNo           int           `json:"turn_no"`
	Status           SessionStatus `json:"status"`
	DisclosedFactIDs []string      `json:"disclosed_fact_ids"`
	PerformedExams   []string      `json:"performed_exams"`
	PerformedTests   []string      `json:"performed_tests"`
	CreatedAt        time.Time     `json:"created_at"`
	UpdatedAt        time.Time     `json:"updated_at"`
}

// Message is one transcript entry. Doctor and patient halves of a turn get
// consecutive turn numbers; turn 0 is reserved for the visit intro.
type Message struct {
	ID        int64          `json:"id,omitempty"`
	SessionID string         `json:"session_id"`
	VisitNo   int            `json:"visit_no"`
	TurnNo    int            `json:"turn_no"`
	Role      MessageRole    `json:"role"`
	Content   string         `json:"content"`
	Meta      map[string]any `json:"meta,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}

// CaseChunk is one progressive-disclosure unit, authored offline and never
// mutated at runtime. Stage breaks ties within a visit; DetailDepth runs
// 1 (coarse) to 3 (full).
type CaseChunk struct {
	ChunkID     string    `json:"chunk_id"`
	VisitNo     int       `json:"visit_no"`
	Stage       int       `json:"stage"`
	Kind        ChunkKind `json:"kind"`
	DetailDepth int       `json:"detail_depth"`
	Content     string    `json:"content"`
	Tags        []string  `json:"tags,omitempty"`
}

// Case is a full authored case. Dx is stored but never handed to the
// generative collaborator directly; it only ever reaches the doctor through
// disclosed chunks.
type Case struct {
	CaseID   string      `json:"case_id"`
	Title    string      `json:"title"`
	Dx       string      `json:"dx,omitempty"`
	CaseType string      `json:"case_type,omitempty"`
	Chunks   []CaseChunk `json:"chunks"`
}

// VisitSummary is the stored end-of-visit summary, keyed by (session, visit).
type VisitSummary struct {
	SessionID   string    `json:"session_id"`
	VisitNo     int       `json:"visit_no"`
	SummaryText string    `json:"summary_text"`
	CreatedAt   time.Time `json:"created_at"`
}

// TurnStatus tracks the persistence protocol for one logical turn.
type TurnStatus string

const (
	TurnStarted   TurnStatus = "started"
	TurnPersisted TurnStatus = "persisted"
	TurnFailed    TurnStatus = "failed"
)

// TurnRecord is the durable row behind the exactly-once turn commit. TurnID
// is derived deterministically as session:v<visit>:t<doctorTurnNo>.
type TurnRecord struct {
	TurnID       string     `json:"turn_id"`
	SessionID    string     `json:"session_id"`
	VisitNo      int        `json:"visit_no"`
	DoctorTurnNo int        `json:"doctor_turn_no"`
	Status       TurnStatus `json:"status"`
}
