package engine

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"patientsim/internal/llm"
	"patientsim/internal/rag"
	"patientsim/pkg"
)

// In-memory stores backing the engine tests. They mirror the row-store
// contract: (nil, nil) for absent rows, unique (session, visit, turn) on
// messages.

type memSessions struct {
	mu   sync.Mutex
	rows map[string]*pkg.Session
}

func newMemSessions(rows ...*pkg.Session) *memSessions {
	m := &memSessions{rows: make(map[string]*pkg.Session)}
	for _, s := range rows {
		cp := *s
		m.rows[s.ID] = &cp
	}
	return m
}

func (m *memSessions) Get(_ context.Context, sessionID string) (*pkg.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.rows[sessionID]
	if !ok {
		return nil, nil
	}
	cp := *s
	cp.DisclosedFactIDs = append([]string(nil), s.DisclosedFactIDs...)
	cp.PerformedExams = append([]string(nil), s.PerformedExams...)
	cp.PerformedTests = append([]string(nil), s.PerformedTests...)
	return &cp, nil
}

func (m *memSessions) UpdateLedger(_ context.Context, sessionID string, disclosed, exams, tests []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.rows[sessionID]
	if !ok {
		return fmt.Errorf("session %s not found", sessionID)
	}
	s.DisclosedFactIDs = append([]string(nil), disclosed...)
	s.PerformedExams = append([]string(nil), exams...)
	s.PerformedTests = append([]string(nil), tests...)
	return nil
}

func (m *memSessions) BumpTurn(_ context.Context, sessionID string, visitNo, turnNo int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.rows[sessionID]
	if !ok {
		return fmt.Errorf("session %s not found", sessionID)
	}
	if s.VisitNo == visitNo && s.TurnNo < turnNo {
		s.TurnNo = turnNo
	}
	return nil
}

func (m *memSessions) EndVisit(_ context.Context, sessionID string, newVisitNo int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.rows[sessionID]
	if !ok {
		return fmt.Errorf("session %s not found", sessionID)
	}
	s.VisitNo = newVisitNo
	s.TurnNo = 0
	return nil
}

func (m *memSessions) Close(_ context.Context, sessionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.rows[sessionID]
	if !ok {
		return fmt.Errorf("session %s not found", sessionID)
	}
	s.Status = pkg.StatusClosed
	return nil
}

// setTurn rewinds the stored counter to simulate a lost bump before a
// redelivery.
func (m *memSessions) setTurn(sessionID string, turnNo int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rows[sessionID].TurnNo = turnNo
}

type memCases struct {
	rows map[string]*pkg.Case
}

func newMemCases(cases ...*pkg.Case) *memCases {
	m := &memCases{rows: make(map[string]*pkg.Case)}
	for _, c := range cases {
		m.rows[c.CaseID] = c
	}
	return m
}

func (m *memCases) Get(_ context.Context, caseID string) (*pkg.Case, error) {
	c, ok := m.rows[caseID]
	if !ok {
		return nil, nil
	}
	return c, nil
}

type memMessages struct {
	mu     sync.Mutex
	rows   []pkg.Message
	nextID int64
}

func (m *memMessages) Append(_ context.Context, msg *pkg.Message) (*pkg.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	// Insert-if-absent on (session, visit, turn), matching the row store.
	for _, r := range m.rows {
		if r.SessionID == msg.SessionID && r.VisitNo == msg.VisitNo && r.TurnNo == msg.TurnNo {
			cp := r
			return &cp, nil
		}
	}
	m.nextID++
	stored := *msg
	stored.ID = m.nextID
	m.rows = append(m.rows, stored)
	return &stored, nil
}

func (m *memMessages) GetTurnMessage(_ context.Context, sessionID string, visitNo, turnNo int) (*pkg.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range m.rows {
		if r.SessionID == sessionID && r.VisitNo == visitNo && r.TurnNo == turnNo {
			cp := r
			return &cp, nil
		}
	}
	return nil, nil
}

func (m *memMessages) ListLast(_ context.Context, sessionID string, n int) ([]pkg.Message, error) {
	all, _ := m.ListAll(context.Background(), sessionID)
	if len(all) > n {
		all = all[len(all)-n:]
	}
	return all, nil
}

func (m *memMessages) ListByVisit(_ context.Context, sessionID string, visitNo int) ([]pkg.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []pkg.Message
	for _, r := range m.rows {
		if r.SessionID == sessionID && r.VisitNo == visitNo {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TurnNo < out[j].TurnNo })
	return out, nil
}

func (m *memMessages) ListAll(_ context.Context, sessionID string) ([]pkg.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []pkg.Message
	for _, r := range m.rows {
		if r.SessionID == sessionID {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *memMessages) count(sessionID string) int {
	all, _ := m.ListAll(context.Background(), sessionID)
	return len(all)
}

type memSummaries struct {
	mu   sync.Mutex
	rows map[string]*pkg.VisitSummary
}

func newMemSummaries() *memSummaries {
	return &memSummaries{rows: make(map[string]*pkg.VisitSummary)}
}

func summaryKey(sessionID string, visitNo int) string {
	return fmt.Sprintf("%s:%d", sessionID, visitNo)
}

func (m *memSummaries) GetVisit(_ context.Context, sessionID string, visitNo int) (*pkg.VisitSummary, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.rows[summaryKey(sessionID, visitNo)]
	if !ok {
		return nil, nil
	}
	cp := *s
	return &cp, nil
}

func (m *memSummaries) put(s *pkg.VisitSummary) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rows[summaryKey(s.SessionID, s.VisitNo)] = s
}

type memTurns struct {
	mu   sync.Mutex
	rows map[string]*pkg.TurnRecord
}

func newMemTurns() *memTurns {
	return &memTurns{rows: make(map[string]*pkg.TurnRecord)}
}

func (m *memTurns) Start(_ context.Context, rec *pkg.TurnRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.rows[rec.TurnID]; !ok {
		cp := *rec
		m.rows[rec.TurnID] = &cp
	}
	return nil
}

func (m *memTurns) MarkStatus(_ context.Context, turnID string, status pkg.TurnStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if rec, ok := m.rows[turnID]; ok {
		rec.Status = status
	} else {
		m.rows[turnID] = &pkg.TurnRecord{TurnID: turnID, Status: status}
	}
	return nil
}

func (m *memTurns) get(turnID string) *pkg.TurnRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.rows[turnID]
	if !ok {
		return nil
	}
	cp := *rec
	return &cp
}

// scriptedLLM pops one queued result per PatientReply call and fails when
// the queue runs dry, so a test that expects the deterministic tool path
// catches any stray generative call.
type scriptedLLM struct {
	mu      sync.Mutex
	replies []*llm.PatientResult
	err     error
	calls   int
	prompts []string
}

func (s *scriptedLLM) PatientReply(_ context.Context, prompt string) (*llm.PatientResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	s.prompts = append(s.prompts, prompt)
	if s.err != nil {
		return nil, s.err
	}
	if len(s.replies) == 0 {
		return nil, fmt.Errorf("unexpected generative call %d", s.calls)
	}
	r := s.replies[0]
	s.replies = s.replies[1:]
	return r, nil
}

func (s *scriptedLLM) Summarize(_ context.Context, _ string) (*llm.SummaryResult, error) {
	return &llm.SummaryResult{SummaryText: "scripted summary"}, nil
}

func (s *scriptedLLM) Embed(_ context.Context, _ string) ([]float32, error) {
	return []float32{0.1, 0.2}, nil
}

func patientReply(utterance string, factIDs ...string) *llm.PatientResult {
	return &llm.PatientResult{
		Parsed: llm.PatientResponse{
			Utterance:           utterance,
			NewDisclosedFactIDs: factIDs,
		},
		Usage: &llm.Usage{PromptTokens: 10, CompletionTokens: 5, TotalTokens: 15},
	}
}

type fakeRetriever struct {
	summaries []rag.Doc
	recent    []pkg.Message
	embedded  int
}

func (f *fakeRetriever) Retrieve(_ context.Context, _, _ string, _ int) (*rag.Context, error) {
	out := rag.EmptyContext()
	out.Summaries = append(out.Summaries, f.summaries...)
	out.Recent = append(out.Recent, f.recent...)
	return out, nil
}

func (f *fakeRetriever) StoreMessageEmbedding(_ context.Context, _ *pkg.Message) error {
	f.embedded++
	return nil
}

type fakeSummarizer struct {
	text  string
	err   error
	calls int
}

func (f *fakeSummarizer) SummarizeVisit(_ context.Context, _ string, _ int, _ []pkg.Message) (string, error) {
	f.calls++
	if f.err != nil {
		return "", f.err
	}
	return f.text, nil
}
