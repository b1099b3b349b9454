package engine

import (
	"context"
	"fmt"
	"strings"

	"patientsim/internal/config"
	"patientsim/internal/llm"
	"patientsim/internal/logging"
	"patientsim/internal/rag"
	"patientsim/pkg"
)

// Retriever assembles prior-visit context and stores embeddings. Embedding
// failures are non-fatal to the turn.
type Retriever interface {
	Retrieve(ctx context.Context, sessionID, query string, visitNo int) (*rag.Context, error)
	StoreMessageEmbedding(ctx context.Context, m *pkg.Message) error
}

// Summarizer produces the end-of-visit summary text.
type Summarizer interface {
	SummarizeVisit(ctx context.Context, sessionID string, visitNo int, messages []pkg.Message) (string, error)
}

// Engine is the turn state machine. Each doctor message runs the fixed
// pipeline: load state, (intro), precheck, [generate + validate], persist.
// Callers must serialize turns per session; concurrent deliveries of the
// same turn identifier are safe via the persistence idempotency check.
type Engine struct {
	sessions   SessionStore
	cases      CaseStore
	messages   MessageStore
	summaries  SummaryStore
	turns      TurnStore
	llm        llm.Client
	retriever  Retriever
	summarizer Summarizer
	classifier *Classifier
	cfg        config.EngineConfig
	log        *logging.Logger
}

// Deps bundles the engine's collaborators.
type Deps struct {
	Sessions   SessionStore
	Cases      CaseStore
	Messages   MessageStore
	Summaries  SummaryStore
	Turns      TurnStore
	LLM        llm.Client
	Retriever  Retriever
	Summarizer Summarizer
	Classifier *Classifier
	Config     config.EngineConfig
	Log        *logging.Logger
}

// New constructs the engine.
func New(d Deps) *Engine {
	log := d.Log
	if log == nil {
		log = logging.NewNop()
	}
	return &Engine{
		sessions:   d.Sessions,
		cases:      d.Cases,
		messages:   d.Messages,
		summaries:  d.Summaries,
		turns:      d.Turns,
		llm:        d.LLM,
		retriever:  d.Retriever,
		summarizer: d.Summarizer,
		classifier: d.Classifier,
		cfg:        d.Config,
		log:        log,
	}
}

// recentWindow is the configured bound on the conversation tail forwarded
// to the patient agent.
func (e *Engine) recentWindow() int {
	if e.cfg.RecentMessages > 0 {
		return e.cfg.RecentMessages
	}
	return config.Default().Engine.RecentMessages
}

// TurnResult is what one processed doctor message produced.
type TurnResult struct {
	PatientMessage          string     `json:"patient_message"`
	ResponseSource          string     `json:"response_source"`
	SafetyFlags             []string   `json:"safety_flags"`
	GuardrailRejected       bool       `json:"guardrail_rejected"`
	VisitEndRecommendation  bool       `json:"visit_end_recommendation"`
	RequestedClarifications []string   `json:"requested_clarifications,omitempty"`
	RetrievedSummaries      []rag.Doc  `json:"retrieved_summaries"`
	VisitNo                 int        `json:"visit_no"`
	TurnInVisit             int        `json:"turn_in_visit"`
	DisclosedFactIDs        []string   `json:"disclosed_fact_ids"`
	Usage                   *llm.Usage `json:"usage,omitempty"`
}

// HandleMessage runs one full turn for an inbound doctor message. The engine
// is re-invoked per message; awaiting the next message is a suspension, not
// an in-process block.
func (e *Engine) HandleMessage(ctx context.Context, sessionID, doctorID, message string) (*TurnResult, error) {
	if strings.TrimSpace(message) == "" {
		return nil, ErrEmptyMessage
	}

	st, caseDoc, err := e.loadState(ctx, sessionID, doctorID)
	if err != nil {
		return nil, err
	}
	if st.Status != pkg.StatusActive {
		return nil, ErrSessionClosed
	}

	if st.IsNewVisit {
		if err := e.StartVisit(ctx, st); err != nil {
			return nil, err
		}
	}

	st.ResetTurnOutputs()
	st.LastDoctorMessage = strings.TrimSpace(message)

	e.toolPrecheck(st)

	if st.ShouldCallLLM {
		e.retrieveContext(ctx, st)
		if err := e.generate(ctx, st); err != nil {
			return nil, err
		}
		if err := e.validate(ctx, st); err != nil {
			return nil, err
		}
	}

	if err := e.persistTurn(ctx, st, caseDoc); err != nil {
		return nil, err
	}

	res := &TurnResult{
		PatientMessage:          st.PatientUtterance,
		ResponseSource:          st.ResponseSource,
		SafetyFlags:             st.SafetyFlags,
		GuardrailRejected:       st.GuardrailRejected,
		VisitEndRecommendation:  st.VisitEndRecommendation,
		RequestedClarifications: st.RequestedClarifications,
		VisitNo:                 st.VisitNo,
		TurnInVisit:             st.TurnInVisit,
		DisclosedFactIDs:        st.DisclosedFactIDs,
		Usage:                   st.LLMUsage,
	}
	if st.Retrieved != nil {
		res.RetrievedSummaries = st.Retrieved.Summaries
	}
	return res, nil
}

// loadState rebuilds the ephemeral turn context from durable rows.
func (e *Engine) loadState(ctx context.Context, sessionID, doctorID string) (*TurnState, *pkg.Case, error) {
	sess, err := e.sessions.Get(ctx, sessionID)
	if err != nil {
		return nil, nil, fmt.Errorf("load session: %w", err)
	}
	if sess == nil {
		return nil, nil, ErrSessionNotFound
	}
	caseDoc, err := e.cases.Get(ctx, sess.CaseID)
	if err != nil {
		return nil, nil, fmt.Errorf("load case: %w", err)
	}
	if caseDoc == nil {
		return nil, nil, ErrCaseNotFound
	}

	st := stateFromSession(sess)
	if doctorID != "" {
		st.DoctorID = doctorID
	}
	st.CaseType = caseDoc.CaseType
	st.AllowedFacts = BuildAllowedFacts(caseDoc, st.DoctorLevel, st.VisitNo, st.DisclosedFactIDs, e.cfg.MaxFacts)

	if st.VisitNo > 1 {
		prior, err := e.summaries.GetVisit(ctx, sessionID, st.VisitNo-1)
		if err != nil {
			return nil, nil, fmt.Errorf("load prior visit summary: %w", err)
		}
		if prior != nil {
			st.LastVisitSummary = strings.TrimSpace(prior.SummaryText)
		}
	}
	return st, caseDoc, nil
}

// retrieveContext fills in the retrieval window. Retrieval failures degrade
// to an empty context rather than failing the turn.
func (e *Engine) retrieveContext(ctx context.Context, st *TurnState) {
	if e.retriever == nil {
		st.Retrieved = rag.EmptyContext()
		return
	}
	rc, err := e.retriever.Retrieve(ctx, st.SessionID, st.LastDoctorMessage, st.VisitNo)
	if err != nil {
		e.log.Warn("context retrieval failed", "session_id", st.SessionID, "error", err)
		rc = rag.EmptyContext()
	}
	st.Retrieved = rc
}

// generate invokes the patient agent once and records the attempt.
func (e *Engine) generate(ctx context.Context, st *TurnState) error {
	res, err := e.llm.PatientReply(ctx, buildPrompt(st, e.recentWindow()))
	if err != nil {
		return fmt.Errorf("%w: %w", ErrGenerativeUnavailable, err)
	}
	st.LLMAttempts = 1
	applyPatientResponse(st, res)
	return nil
}

func applyPatientResponse(st *TurnState, res *llm.PatientResult) {
	st.PatientUtterance = res.Parsed.Utterance
	st.NewDisclosedFactIDs = append([]string(nil), res.Parsed.NewDisclosedFactIDs...)
	st.SafetyFlags = append([]string(nil), res.Parsed.SafetyFlags...)
	st.VisitEndRecommendation = res.Parsed.VisitEndRecommendation
	st.RequestedClarifications = res.Parsed.RequestedClarifications
	st.LLMUsage = res.Usage
	st.RawLLMOutput = res.RawText
	st.GuardrailRejected = false
}

// validate enforces the disclosure boundary. A policy violation triggers at
// most one regeneration with a correction notice; the second pass runs in
// strip-only mode.
func (e *Engine) validate(ctx context.Context, st *TurnState) error {
	decision := ApplyGuardrails(llm.PatientResponse{
		Utterance:           st.PatientUtterance,
		NewDisclosedFactIDs: st.NewDisclosedFactIDs,
		SafetyFlags:         st.SafetyFlags,
	}, st.AllowedFacts, st.DisclosedFactIDs, RejectOnceElseStrip)

	st.PatientUtterance = decision.Utterance
	st.NewDisclosedFactIDs = decision.NewDisclosedFactIDs
	st.SafetyFlags = decision.SafetyFlags
	st.GuardrailRejected = decision.Rejected

	if decision.Rejected && e.cfg.RegenOnReject && st.LLMAttempts < 2 {
		e.log.Info("guardrail rejected response, regenerating",
			"session_id", st.SessionID, "visit_no", st.VisitNo)
		res, err := e.llm.PatientReply(ctx, buildPrompt(st, e.recentWindow())+correctionNotice)
		if err != nil {
			return fmt.Errorf("%w: %w", ErrGenerativeUnavailable, err)
		}
		firstUsage := st.LLMUsage
		applyPatientResponse(st, res)
		st.LLMAttempts = 2
		if firstUsage != nil && res.Usage != nil {
			st.LLMUsage = &llm.Usage{
				PromptTokens:     firstUsage.PromptTokens + res.Usage.PromptTokens,
				CompletionTokens: firstUsage.CompletionTokens + res.Usage.CompletionTokens,
				TotalTokens:      firstUsage.TotalTokens + res.Usage.TotalTokens,
			}
		}

		second := ApplyGuardrails(llm.PatientResponse{
			Utterance:           st.PatientUtterance,
			NewDisclosedFactIDs: st.NewDisclosedFactIDs,
			SafetyFlags:         st.SafetyFlags,
		}, st.AllowedFacts, st.DisclosedFactIDs, StripOnly)
		st.PatientUtterance = second.Utterance
		st.NewDisclosedFactIDs = second.NewDisclosedFactIDs
		st.SafetyFlags = second.SafetyFlags
		st.GuardrailRejected = second.Rejected
	}

	if isViralCase(st.CaseType) && e.classifier.IsFollowupRequest(st.LastDoctorMessage) {
		st.VisitEndRecommendation = true
		if st.PatientUtterance != "" && !strings.Contains(strings.ToLower(st.PatientUtterance), "thank") {
			st.PatientUtterance = appendThanks(st.PatientUtterance)
		}
	}
	return nil
}
