package engine

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"patientsim/internal/config"
	"patientsim/internal/llm"
	"patientsim/pkg"
)

func testCase(caseType string) *pkg.Case {
	return &pkg.Case{
		CaseID:   "case-1",
		Title:    "Abdominal pain",
		Dx:       "gastritis",
		CaseType: caseType,
		Chunks: []pkg.CaseChunk{
			{ChunkID: "v1-baseline", VisitNo: 1, Stage: 1, Kind: pkg.KindBaseline, DetailDepth: 1, Content: "34 year old, two days of stomach pain"},
			{ChunkID: "v1-symptoms", VisitNo: 1, Stage: 2, Kind: pkg.KindSymptoms, DetailDepth: 1, Content: "burning pain after meals"},
			{ChunkID: "v1-symptoms-deep", VisitNo: 1, Stage: 3, Kind: pkg.KindSymptoms, DetailDepth: 2, Content: "pain radiates at night"},
			{ChunkID: "v1-exam", VisitNo: 1, Stage: 4, Kind: pkg.KindExam, DetailDepth: 1, Content: "mild epigastric tenderness"},
			{ChunkID: "v1-tests", VisitNo: 1, Stage: 5, Kind: pkg.KindTests, DetailDepth: 1, Content: "cbc unremarkable"},
			{ChunkID: "v2-tests", VisitNo: 2, Stage: 1, Kind: pkg.KindTests, DetailDepth: 2, Content: "h pylori positive"},
			{ChunkID: "v2-history", VisitNo: 2, Stage: 2, Kind: pkg.KindHistory, DetailDepth: 2, Content: "daily ibuprofen use"},
		},
	}
}

type testEnv struct {
	eng       *Engine
	sessions  *memSessions
	messages  *memMessages
	summaries *memSummaries
	turns     *memTurns
	llm       *scriptedLLM
	retriever *fakeRetriever
	summar    *fakeSummarizer
}

func newTestEnv(t *testing.T, sess *pkg.Session, caseDoc *pkg.Case, client *scriptedLLM) *testEnv {
	t.Helper()
	classifier, err := NewClassifier(config.Default().Precheck)
	require.NoError(t, err)

	env := &testEnv{
		sessions:  newMemSessions(sess),
		messages:  &memMessages{},
		summaries: newMemSummaries(),
		turns:     newMemTurns(),
		llm:       client,
		retriever: &fakeRetriever{},
		summar:    &fakeSummarizer{text: "visit summary text"},
	}
	env.eng = New(Deps{
		Sessions:   env.sessions,
		Cases:      newMemCases(caseDoc),
		Messages:   env.messages,
		Summaries:  env.summaries,
		Turns:      env.turns,
		LLM:        client,
		Retriever:  env.retriever,
		Summarizer: env.summar,
		Classifier: classifier,
		Config:     config.Default().Engine,
	})
	return env
}

func activeSession(visitNo, turnNo, level int) *pkg.Session {
	return &pkg.Session{
		ID:       "sess-1",
		DoctorID: "doc-1",
		CaseID:   "case-1",
		Level:    level,
		VisitNo:  visitNo,
		TurnNo:   turnNo,
		Status:   pkg.StatusActive,
	}
}

func TestHandleMessageRejectsEmptyMessage(t *testing.T) {
	env := newTestEnv(t, activeSession(1, 0, 0), testCase(""), &scriptedLLM{})
	_, err := env.eng.HandleMessage(context.Background(), "sess-1", "doc-1", "   ")
	assert.ErrorIs(t, err, ErrEmptyMessage)
}

func TestHandleMessageUnknownSession(t *testing.T) {
	env := newTestEnv(t, activeSession(1, 0, 0), testCase(""), &scriptedLLM{})
	_, err := env.eng.HandleMessage(context.Background(), "nope", "doc-1", "hello")
	assert.ErrorIs(t, err, ErrSessionNotFound)
}

func TestHandleMessageClosedSession(t *testing.T) {
	sess := activeSession(1, 0, 0)
	sess.Status = pkg.StatusClosed
	env := newTestEnv(t, sess, testCase(""), &scriptedLLM{})
	_, err := env.eng.HandleMessage(context.Background(), "sess-1", "doc-1", "hello")
	assert.ErrorIs(t, err, ErrSessionClosed)
}

func TestGenerativeTurnPersistsIntroAndPair(t *testing.T) {
	client := &scriptedLLM{replies: []*llm.PatientResult{patientReply("I've had stomach pain for two days.", "v1-baseline")}}
	env := newTestEnv(t, activeSession(1, 0, 0), testCase(""), client)

	res, err := env.eng.HandleMessage(context.Background(), "sess-1", "doc-1", "What brings you in today?")
	require.NoError(t, err)

	assert.Equal(t, "I've had stomach pain for two days.", res.PatientMessage)
	assert.Equal(t, SourceLLM, res.ResponseSource)
	assert.Contains(t, res.DisclosedFactIDs, "v1-baseline")
	assert.Equal(t, 1, res.TurnInVisit)

	// Intro plus doctor and patient halves.
	all, _ := env.messages.ListAll(context.Background(), "sess-1")
	require.Len(t, all, 3)
	assert.Equal(t, 0, all[0].TurnNo)
	assert.Equal(t, pkg.RolePatient, all[0].Role)
	assert.Equal(t, pkg.RoleDoctor, all[1].Role)
	assert.Equal(t, 1, all[1].TurnNo)
	assert.Equal(t, pkg.RolePatient, all[2].Role)
	assert.Equal(t, 2, all[2].TurnNo)

	sess, _ := env.sessions.Get(context.Background(), "sess-1")
	assert.Equal(t, 2, sess.TurnNo)
	assert.Contains(t, sess.DisclosedFactIDs, "v1-baseline")
}

func TestDisallowedFactNeverReachesLedger(t *testing.T) {
	// Both attempts propose a visit-2 fact during visit 1.
	client := &scriptedLLM{replies: []*llm.PatientResult{
		patientReply("The test came back positive.", "v2-tests"),
		patientReply("I'm not sure about that.", "v2-tests"),
	}}
	env := newTestEnv(t, activeSession(1, 0, 0), testCase(""), client)

	res, err := env.eng.HandleMessage(context.Background(), "sess-1", "doc-1", "Tell me more about how you're feeling")
	require.NoError(t, err)

	assert.Empty(t, res.DisclosedFactIDs)
	assert.Contains(t, res.SafetyFlags, "fact_id_not_allowed")
	assert.Equal(t, 2, client.calls)

	sess, _ := env.sessions.Get(context.Background(), "sess-1")
	assert.NotContains(t, sess.DisclosedFactIDs, "v2-tests")
}

func TestTestRequestDeniedOnFirstVisit(t *testing.T) {
	env := newTestEnv(t, activeSession(1, 0, 0), testCase(""), &scriptedLLM{})

	res, err := env.eng.HandleMessage(context.Background(), "sess-1", "doc-1", "Can we run a blood test?")
	require.NoError(t, err)

	assert.Equal(t, testDeniedResponse, res.PatientMessage)
	assert.Equal(t, SourceTool, res.ResponseSource)
	assert.Zero(t, env.llm.calls)

	sess, _ := env.sessions.Get(context.Background(), "sess-1")
	assert.Empty(t, sess.PerformedTests)
}

func TestTestRequestAcknowledgedOnSecondVisit(t *testing.T) {
	env := newTestEnv(t, activeSession(2, 0, 2), testCase(""), &scriptedLLM{})

	res, err := env.eng.HandleMessage(context.Background(), "sess-1", "doc-1", "Please order an   H pylori Test")
	require.NoError(t, err)

	assert.Equal(t, testAllowedResponse, res.PatientMessage)
	assert.Equal(t, SourceTool, res.ResponseSource)
	assert.Zero(t, env.llm.calls)

	sess, _ := env.sessions.Get(context.Background(), "sess-1")
	assert.Contains(t, sess.PerformedTests, "please order an h pylori test")
}

func TestMedicationRequestBlocked(t *testing.T) {
	env := newTestEnv(t, activeSession(1, 0, 0), testCase(""), &scriptedLLM{})

	res, err := env.eng.HandleMessage(context.Background(), "sess-1", "doc-1", "I want to prescribe you something")
	require.NoError(t, err)
	assert.Equal(t, medBlockedResponse, res.PatientMessage)
	assert.Equal(t, SourceTool, res.ResponseSource)
}

func TestViralCaseMedicationGoesGenerative(t *testing.T) {
	client := &scriptedLLM{replies: []*llm.PatientResult{patientReply("Okay, I'll rest and drink fluids.")}}
	env := newTestEnv(t, activeSession(1, 0, 0), testCase("viral_uri"), client)

	res, err := env.eng.HandleMessage(context.Background(), "sess-1", "doc-1", "I'd suggest some medication for the symptoms")
	require.NoError(t, err)
	assert.Equal(t, SourceLLM, res.ResponseSource)
	assert.Equal(t, 1, client.calls)
}

func TestViralFollowupRecommendsVisitEnd(t *testing.T) {
	client := &scriptedLLM{replies: []*llm.PatientResult{patientReply("Sure, I can do that.")}}
	env := newTestEnv(t, activeSession(1, 0, 0), testCase("viral_uri"), client)

	res, err := env.eng.HandleMessage(context.Background(), "sess-1", "doc-1", "Let's have you come back next week")
	require.NoError(t, err)
	assert.True(t, res.VisitEndRecommendation)
	assert.Contains(t, res.PatientMessage, "Thanks.")
}

func TestGenerativeFailureLeavesNothingPersisted(t *testing.T) {
	client := &scriptedLLM{err: assert.AnError}
	env := newTestEnv(t, activeSession(1, 0, 0), testCase(""), client)

	_, err := env.eng.HandleMessage(context.Background(), "sess-1", "doc-1", "How are you feeling?")
	assert.ErrorIs(t, err, ErrGenerativeUnavailable)

	// Only the visit intro was written; the turn counter never moved.
	assert.Equal(t, 1, env.messages.count("sess-1"))
	sess, _ := env.sessions.Get(context.Background(), "sess-1")
	assert.Equal(t, 0, sess.TurnNo)
}

func TestRedeliveredTurnIsNoOp(t *testing.T) {
	client := &scriptedLLM{replies: []*llm.PatientResult{
		patientReply("First answer.", "v1-baseline"),
		patientReply("Replayed answer.", "v1-symptoms"),
	}}
	env := newTestEnv(t, activeSession(1, 0, 0), testCase(""), client)

	_, err := env.eng.HandleMessage(context.Background(), "sess-1", "doc-1", "What brings you in?")
	require.NoError(t, err)
	require.Equal(t, 3, env.messages.count("sess-1"))

	// Simulate a lost turn bump followed by a redelivery of the same turn.
	env.sessions.setTurn("sess-1", 0)
	res, err := env.eng.HandleMessage(context.Background(), "sess-1", "doc-1", "What brings you in?")
	require.NoError(t, err)

	assert.Equal(t, 3, env.messages.count("sess-1"))
	assert.NotContains(t, res.DisclosedFactIDs, "v1-symptoms")
	sess, _ := env.sessions.Get(context.Background(), "sess-1")
	assert.NotContains(t, sess.DisclosedFactIDs, "v1-symptoms")
}

func TestSecondVisitPromptCarriesSummary(t *testing.T) {
	client := &scriptedLLM{replies: []*llm.PatientResult{patientReply("Still some discomfort after meals.")}}
	env := newTestEnv(t, activeSession(2, 0, 2), testCase(""), client)
	env.summaries.put(&pkg.VisitSummary{SessionID: "sess-1", VisitNo: 1, SummaryText: "Visit 1: burning epigastric pain"})

	_, err := env.eng.HandleMessage(context.Background(), "sess-1", "doc-1", "How have you been since last time?")
	require.NoError(t, err)

	intro, _ := env.messages.GetTurnMessage(context.Background(), "sess-1", 2, 0)
	require.NotNil(t, intro)
	assert.Contains(t, intro.Content, "Visit 1: burning epigastric pain")
}

func TestRetryAfterPartialTurnWriteCompletes(t *testing.T) {
	client := &scriptedLLM{replies: []*llm.PatientResult{patientReply("Two days of stomach pain.", "v1-baseline")}}
	env := newTestEnv(t, activeSession(1, 0, 0), testCase(""), client)

	// A previous delivery wrote the doctor half and then died before the
	// patient half and the counter bump.
	_, err := env.messages.Append(context.Background(), &pkg.Message{
		SessionID: "sess-1", VisitNo: 1, TurnNo: 1,
		Role: pkg.RoleDoctor, Content: "What brings you in today?",
	})
	require.NoError(t, err)

	res, err := env.eng.HandleMessage(context.Background(), "sess-1", "doc-1", "What brings you in today?")
	require.NoError(t, err)

	assert.Contains(t, res.DisclosedFactIDs, "v1-baseline")
	assert.Equal(t, 3, env.messages.count("sess-1"))
	patient, _ := env.messages.GetTurnMessage(context.Background(), "sess-1", 1, 2)
	require.NotNil(t, patient)
	assert.Equal(t, pkg.RolePatient, patient.Role)

	sess, _ := env.sessions.Get(context.Background(), "sess-1")
	assert.Equal(t, 2, sess.TurnNo)
	assert.Contains(t, sess.DisclosedFactIDs, "v1-baseline")
}

func TestTurnRecordCarriesDoctorTurnNo(t *testing.T) {
	client := &scriptedLLM{replies: []*llm.PatientResult{patientReply("My stomach hurts.", "v1-baseline")}}
	env := newTestEnv(t, activeSession(1, 0, 0), testCase(""), client)

	_, err := env.eng.HandleMessage(context.Background(), "sess-1", "doc-1", "What brings you in?")
	require.NoError(t, err)

	rec := env.turns.get("sess-1:v1:t1")
	require.NotNil(t, rec)
	assert.Equal(t, 1, rec.DoctorTurnNo)
	assert.Equal(t, pkg.TurnPersisted, rec.Status)
}

func TestPromptRecentWindowFollowsConfig(t *testing.T) {
	client := &scriptedLLM{replies: []*llm.PatientResult{patientReply("Yes, still the same.")}}
	env := newTestEnv(t, activeSession(1, 4, 0), testCase(""), client)
	env.eng.cfg.RecentMessages = 2
	env.retriever.recent = []pkg.Message{
		{Role: pkg.RoleDoctor, Content: "recent turn one"},
		{Role: pkg.RolePatient, Content: "recent turn two"},
		{Role: pkg.RoleDoctor, Content: "recent turn three"},
	}

	_, err := env.eng.HandleMessage(context.Background(), "sess-1", "doc-1", "Any change?")
	require.NoError(t, err)

	require.Len(t, env.llm.prompts, 1)
	assert.NotContains(t, env.llm.prompts[0], "recent turn one")
	assert.Contains(t, env.llm.prompts[0], "recent turn two")
	assert.Contains(t, env.llm.prompts[0], "recent turn three")
}
