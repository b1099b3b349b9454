package engine

import (
	"context"
	"fmt"
	"strings"

	"patientsim/internal/policy"
	"patientsim/pkg"
)

const visitOneIntro = "Hi, thanks for seeing me today. " +
	"I'm the patient for this case, and my main concern is that I've been feeling unwell lately. " +
	"Please ask me any questions you need so I can give you the full picture."

const followupIntroNoSummary = "Welcome back. " +
	"I don't have a summary from our last visit, but this is a follow-up. " +
	"Today I'd like to discuss what we should focus on next."

// composeVisitIntro builds the scripted greeting that opens a visit. Later
// visits carry the prior summary verbatim; any paraphrasing belongs to the
// summarizer collaborator, not here.
func composeVisitIntro(st *TurnState) string {
	if st.VisitNo <= 1 {
		return visitOneIntro
	}
	summary := strings.TrimSpace(st.LastVisitSummary)
	if summary == "" {
		return followupIntroNoSummary
	}
	if !strings.ContainsAny(summary[len(summary)-1:], ".!?") {
		summary += "."
	}
	return "Welcome back. Here's a brief recap from last time: " + summary +
		" Today I'd like to discuss what we should focus on next."
}

// StartVisit persists the visit-opening patient intro as turn zero. It is
// idempotent: if turn zero already exists for the visit it only refreshes
// the in-memory counters.
func (e *Engine) StartVisit(ctx context.Context, st *TurnState) error {
	if !st.IsNewVisit {
		return nil
	}
	intro := composeVisitIntro(st)

	id := turnID(st.SessionID, st.VisitNo, 0)
	if err := e.turns.Start(ctx, &pkg.TurnRecord{
		TurnID:    id,
		SessionID: st.SessionID,
		VisitNo:   st.VisitNo,
		Status:    pkg.TurnStarted,
	}); err != nil {
		return fmt.Errorf("start intro turn: %w", err)
	}
	existing, err := e.messages.GetTurnMessage(ctx, st.SessionID, st.VisitNo, 0)
	if err != nil {
		return fmt.Errorf("check intro message: %w", err)
	}
	if existing == nil {
		msg, err := e.messages.Append(ctx, &pkg.Message{
			SessionID: st.SessionID,
			VisitNo:   st.VisitNo,
			TurnNo:    0,
			Role:      pkg.RolePatient,
			Content:   intro,
			Meta:      map[string]any{"response_source": SourceSystem, "is_visit_intro": true},
		})
		if err != nil {
			if markErr := e.turns.MarkStatus(ctx, id, pkg.TurnFailed); markErr != nil {
				e.log.Error("mark intro turn failed", "turn_id", id, "error", markErr)
			}
			return fmt.Errorf("persist visit intro: %w", err)
		}
		e.embedBestEffort(ctx, msg)
	}
	if err := e.turns.MarkStatus(ctx, id, pkg.TurnPersisted); err != nil {
		e.log.Error("mark intro turn persisted", "turn_id", id, "error", err)
	}
	st.TurnInVisit = 0
	st.IsNewVisit = false
	return nil
}

// InitSession composes and persists the opening intro for a freshly created
// session and returns the intro text.
func (e *Engine) InitSession(ctx context.Context, sessionID, doctorID string) (string, error) {
	st, _, err := e.loadState(ctx, sessionID, doctorID)
	if err != nil {
		return "", err
	}
	if err := e.StartVisit(ctx, st); err != nil {
		return "", err
	}
	return composeVisitIntro(st), nil
}

// VisitEndResult reports an explicit end-of-visit transition.
type VisitEndResult struct {
	SessionID   string `json:"session_id"`
	VisitNo     int    `json:"visit_no"`
	SummaryText string `json:"summary_text"`
}

// EndVisit closes the current visit: summarizes it, stores the summary and
// advances the session to the next visit with a reset turn counter. Visit
// endings are always explicit; the engine never infers them from
// conversation content.
func (e *Engine) EndVisit(ctx context.Context, sessionID, doctorID string) (*VisitEndResult, error) {
	st, _, err := e.loadState(ctx, sessionID, doctorID)
	if err != nil {
		return nil, err
	}
	if st.Status != pkg.StatusActive {
		return nil, ErrSessionClosed
	}
	if st.VisitNo >= policy.MaxVisits(st.DoctorLevel) {
		return nil, fmt.Errorf("%w: level %d allows %d visits", ErrMaxVisitsReached, st.DoctorLevel, policy.MaxVisits(st.DoctorLevel))
	}

	summary, err := e.SummarizeVisit(ctx, sessionID, st.VisitNo)
	if err != nil {
		return nil, err
	}

	newVisit := st.VisitNo + 1
	if err := e.sessions.EndVisit(ctx, sessionID, newVisit); err != nil {
		return nil, fmt.Errorf("advance visit: %w", err)
	}
	return &VisitEndResult{SessionID: sessionID, VisitNo: newVisit, SummaryText: summary}, nil
}

// CloseSession marks the session closed so no further turns or visit
// transitions run against it. Closing an already-closed session is a no-op.
func (e *Engine) CloseSession(ctx context.Context, sessionID, doctorID string) error {
	sess, err := e.sessions.Get(ctx, sessionID)
	if err != nil {
		return fmt.Errorf("load session: %w", err)
	}
	if sess == nil {
		return ErrSessionNotFound
	}
	if sess.Status == pkg.StatusClosed {
		return nil
	}
	if err := e.sessions.Close(ctx, sessionID); err != nil {
		return fmt.Errorf("close session: %w", err)
	}
	return nil
}

// SummarizeVisit produces and stores the summary for a visit without
// advancing the session.
func (e *Engine) SummarizeVisit(ctx context.Context, sessionID string, visitNo int) (string, error) {
	messages, err := e.messages.ListByVisit(ctx, sessionID, visitNo)
	if err != nil {
		return "", fmt.Errorf("list visit messages: %w", err)
	}
	if len(messages) == 0 {
		return "", ErrEmptyVisit
	}
	summary, err := e.summarizer.SummarizeVisit(ctx, sessionID, visitNo, messages)
	if err != nil {
		return "", err
	}
	return summary, nil
}
