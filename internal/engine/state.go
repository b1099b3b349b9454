package engine

import (
	"patientsim/internal/llm"
	"patientsim/internal/rag"
	"patientsim/pkg"
)

// Response sources recorded in message metadata.
const (
	SourceLLM    = "llm"
	SourceTool   = "tool"
	SourceSystem = "system_intro"
)

// TurnState is the ephemeral per-turn aggregate. It is rebuilt from the
// durable session and case at the start of every run and discarded at the
// end; only its effects (messages, ledger deltas) are persisted.
type TurnState struct {
	// Identity
	SessionID string
	DoctorID  string
	CaseID    string
	CaseType  string

	// Session progress
	VisitNo      int
	TurnInVisit  int
	Status       pkg.SessionStatus
	DoctorTurnNo int
	TurnID       string

	// Visit loop
	IsNewVisit       bool
	LastVisitSummary string
	ShouldCallLLM    bool

	// Ledger (authoritative copy for this turn)
	DisclosedFactIDs []string
	PerformedExams   []string
	PerformedTests   []string

	// Inputs
	LastDoctorMessage string
	DoctorLevel       int

	// Derived
	AllowedFacts []AllowedFact
	Retrieved    *rag.Context

	// Outputs
	PatientUtterance        string
	ResponseSource          string
	NewDisclosedFactIDs     []string
	SafetyFlags             []string
	VisitEndRecommendation  bool
	RequestedClarifications []string

	// Precheck bookkeeping: normalized exam/test request texts to merge
	// into the ledger at persist time.
	PendingExamRequests []string
	PendingTestRequests []string

	// Control / QA
	LLMAttempts       int
	LLMUsage          *llm.Usage
	RawLLMOutput      string
	GuardrailRejected bool
}

// ResetTurnOutputs clears per-turn outputs and metadata so a new turn starts
// cleanly.
func (s *TurnState) ResetTurnOutputs() {
	s.PatientUtterance = ""
	s.ResponseSource = SourceLLM
	s.NewDisclosedFactIDs = nil
	s.SafetyFlags = nil
	s.VisitEndRecommendation = false
	s.RequestedClarifications = nil
	s.PendingExamRequests = nil
	s.PendingTestRequests = nil
	s.LLMAttempts = 0
	s.LLMUsage = nil
	s.RawLLMOutput = ""
	s.GuardrailRejected = false
	s.Retrieved = rag.EmptyContext()
	s.DoctorTurnNo = 0
	s.TurnID = ""
	s.ShouldCallLLM = true
}

// stateFromSession seeds a TurnState from a durable session row. The stored
// turn counter advances by two per completed turn (doctor + patient halves).
func stateFromSession(sess *pkg.Session) *TurnState {
	st := &TurnState{
		SessionID:        sess.ID,
		DoctorID:         sess.DoctorID,
		CaseID:           sess.CaseID,
		DoctorLevel:      sess.Level,
		VisitNo:          sess.VisitNo,
		TurnInVisit:      sess.TurnNo / 2,
		Status:           sess.Status,
		IsNewVisit:       sess.TurnNo == 0,
		DisclosedFactIDs: append([]string(nil), sess.DisclosedFactIDs...),
		PerformedExams:   append([]string(nil), sess.PerformedExams...),
		PerformedTests:   append([]string(nil), sess.PerformedTests...),
	}
	st.ResetTurnOutputs()
	return st
}
