package engine

import (
	"context"
	"fmt"
	"strings"

	"patientsim/internal/policy"
	"patientsim/pkg"
)

// turnID derives the deterministic idempotency key for a turn.
func turnID(sessionID string, visitNo, doctorTurnNo int) string {
	return fmt.Sprintf("%s:v%d:t%d", sessionID, visitNo, doctorTurnNo)
}

// persistTurn is the exactly-once commit protocol for one turn. The
// idempotency check runs before any write: a turn whose doctor+patient pair
// already exists reloads ledger state and returns without writing. Ledger
// mutation happens only after both messages are durably written.
func (e *Engine) persistTurn(ctx context.Context, st *TurnState, caseDoc *pkg.Case) error {
	if st.LastDoctorMessage == "" {
		return ErrEmptyMessage
	}
	if strings.TrimSpace(st.PatientUtterance) == "" {
		return ErrEmptyUtterance
	}

	// Re-read the session so the turn sequence reflects storage, not the
	// possibly stale in-memory counter.
	sess, err := e.sessions.Get(ctx, st.SessionID)
	if err != nil {
		return fmt.Errorf("persist turn: reload session: %w", err)
	}
	if sess == nil {
		return ErrSessionNotFound
	}
	currentTurn := sess.TurnNo / 2
	if st.TurnInVisit > currentTurn {
		currentTurn = st.TurnInVisit
	}
	doctorTurnNo := sess.TurnNo + 1
	patientTurnNo := doctorTurnNo + 1
	st.DoctorTurnNo = doctorTurnNo
	st.TurnID = turnID(st.SessionID, st.VisitNo, doctorTurnNo)

	persisted, err := e.turnAlreadyPersisted(ctx, st.SessionID, st.VisitNo, doctorTurnNo)
	if err != nil {
		return fmt.Errorf("persist turn: idempotency check: %w", err)
	}
	if err := e.turns.Start(ctx, &pkg.TurnRecord{
		TurnID:       st.TurnID,
		SessionID:    st.SessionID,
		VisitNo:      st.VisitNo,
		DoctorTurnNo: doctorTurnNo,
		Status:       pkg.TurnStarted,
	}); err != nil {
		return fmt.Errorf("persist turn: start: %w", err)
	}
	if persisted {
		// Retried delivery of a committed turn: reload the ledger, no-op.
		return e.reloadLedger(ctx, st)
	}

	if err := e.writeTurn(ctx, st, caseDoc, doctorTurnNo, patientTurnNo); err != nil {
		if markErr := e.turns.MarkStatus(ctx, st.TurnID, pkg.TurnFailed); markErr != nil {
			e.log.Error("mark turn failed", "turn_id", st.TurnID, "error", markErr)
		}
		return err
	}
	if err := e.turns.MarkStatus(ctx, st.TurnID, pkg.TurnPersisted); err != nil {
		e.log.Error("mark turn persisted", "turn_id", st.TurnID, "error", err)
	}
	st.TurnInVisit = currentTurn + 1
	return nil
}

// turnAlreadyPersisted reports whether both halves of the turn exist.
func (e *Engine) turnAlreadyPersisted(ctx context.Context, sessionID string, visitNo, doctorTurnNo int) (bool, error) {
	doctorMsg, err := e.messages.GetTurnMessage(ctx, sessionID, visitNo, doctorTurnNo)
	if err != nil {
		return false, err
	}
	if doctorMsg == nil {
		return false, nil
	}
	patientMsg, err := e.messages.GetTurnMessage(ctx, sessionID, visitNo, doctorTurnNo+1)
	if err != nil {
		return false, err
	}
	return patientMsg != nil, nil
}

func (e *Engine) reloadLedger(ctx context.Context, st *TurnState) error {
	sess, err := e.sessions.Get(ctx, st.SessionID)
	if err != nil {
		return fmt.Errorf("reload ledger: %w", err)
	}
	if sess == nil {
		return ErrSessionNotFound
	}
	st.TurnInVisit = sess.TurnNo / 2
	st.VisitNo = sess.VisitNo
	st.DisclosedFactIDs = append([]string(nil), sess.DisclosedFactIDs...)
	st.PerformedExams = append([]string(nil), sess.PerformedExams...)
	st.PerformedTests = append([]string(nil), sess.PerformedTests...)
	return nil
}

// writeTurn performs the NOT_PERSISTED branch: doctor message, patient
// message, ledger merge, turn bump. Embedding writes are best-effort.
func (e *Engine) writeTurn(ctx context.Context, st *TurnState, caseDoc *pkg.Case, doctorTurnNo, patientTurnNo int) error {
	doctorMsg, err := e.messages.Append(ctx, &pkg.Message{
		SessionID: st.SessionID,
		VisitNo:   st.VisitNo,
		TurnNo:    doctorTurnNo,
		Role:      pkg.RoleDoctor,
		Content:   st.LastDoctorMessage,
		Meta:      map[string]any{"turn_id": st.TurnID},
	})
	if err != nil {
		return fmt.Errorf("persist doctor message: %w", err)
	}
	e.embedBestEffort(ctx, doctorMsg)

	meta := map[string]any{
		"turn_id":                  st.TurnID,
		"response_source":          st.ResponseSource,
		"new_fact_ids":             st.NewDisclosedFactIDs,
		"allowed_tools":            allowedToolNames(st.DoctorLevel, st.VisitNo),
		"max_depth":                policy.MaxDetailDepth(st.DoctorLevel, st.VisitNo),
		"visit_end_recommendation": st.VisitEndRecommendation,
		"safety_flags":             st.SafetyFlags,
		"guardrail_rejected":       st.GuardrailRejected,
		"llm_attempts":             st.LLMAttempts,
	}
	if st.RequestedClarifications != nil {
		meta["requested_clarifications"] = st.RequestedClarifications
	}
	if st.LLMUsage != nil {
		meta["llm_usage"] = st.LLMUsage
	}
	if st.Retrieved != nil && len(st.Retrieved.Summaries) > 0 {
		ids := make([]string, 0, len(st.Retrieved.Summaries))
		for _, d := range st.Retrieved.Summaries {
			ids = append(ids, d.DocID)
		}
		meta["retrieved_summary_ids"] = ids
	}
	patientMsg, err := e.messages.Append(ctx, &pkg.Message{
		SessionID: st.SessionID,
		VisitNo:   st.VisitNo,
		TurnNo:    patientTurnNo,
		Role:      pkg.RolePatient,
		Content:   st.PatientUtterance,
		Meta:      meta,
	})
	if err != nil {
		return fmt.Errorf("persist patient message: %w", err)
	}
	e.embedBestEffort(ctx, patientMsg)

	e.mergeLedger(st, caseDoc)
	if err := e.sessions.UpdateLedger(ctx, st.SessionID, st.DisclosedFactIDs, st.PerformedExams, st.PerformedTests); err != nil {
		return fmt.Errorf("persist ledger: %w", err)
	}
	if err := e.sessions.BumpTurn(ctx, st.SessionID, st.VisitNo, patientTurnNo); err != nil {
		return fmt.Errorf("advance turn counter: %w", err)
	}
	return nil
}

// mergeLedger folds accepted fact IDs and precheck exam/test markers into
// the in-memory ledger copy.
func (e *Engine) mergeLedger(st *TurnState, caseDoc *pkg.Case) {
	idx := chunkIndex(caseDoc)
	for _, fid := range st.NewDisclosedFactIDs {
		if !containsString(st.DisclosedFactIDs, fid) {
			st.DisclosedFactIDs = append(st.DisclosedFactIDs, fid)
		}
		ch, ok := idx[fid]
		if !ok {
			continue
		}
		if ch.Kind == pkg.KindExam && !containsString(st.PerformedExams, fid) {
			st.PerformedExams = append(st.PerformedExams, fid)
		}
		if ch.Kind == pkg.KindTests && !containsString(st.PerformedTests, fid) {
			st.PerformedTests = append(st.PerformedTests, fid)
		}
	}
	for _, req := range st.PendingExamRequests {
		if !containsString(st.PerformedExams, req) {
			st.PerformedExams = append(st.PerformedExams, req)
		}
	}
	for _, req := range st.PendingTestRequests {
		if !containsString(st.PerformedTests, req) {
			st.PerformedTests = append(st.PerformedTests, req)
		}
	}
}

func (e *Engine) embedBestEffort(ctx context.Context, m *pkg.Message) {
	if e.retriever == nil || m == nil {
		return
	}
	if err := e.retriever.StoreMessageEmbedding(ctx, m); err != nil {
		e.log.Warn("store message embedding failed",
			"session_id", m.SessionID, "turn_no", m.TurnNo, "error", err)
	}
}

func allowedToolNames(level, visitNo int) []string {
	tools := policy.AllowedTools(level, visitNo)
	names := make([]string, 0, len(tools))
	for _, kind := range []pkg.ChunkKind{pkg.KindHistory, pkg.KindExam, pkg.KindTests} {
		if tools[kind] {
			names = append(names, string(kind))
		}
	}
	return names
}

func containsString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
