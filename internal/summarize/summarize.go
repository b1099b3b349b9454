// Package summarize produces the structured end-of-visit summaries that seed
// the next visit's context window.
package summarize

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"patientsim/internal/llm"
	"patientsim/internal/logging"
	"patientsim/pkg"
)

// maxConversationTurns bounds how much of the visit transcript goes into the
// summarizer prompt.
const maxConversationTurns = 30

const summaryInstructions = "You are a clinical visit summarizer for a simulated doctor-patient encounter. " +
	"Summarize the conversation below into a concise handoff note for the next visit. " +
	"Cover: chief complaint, key history disclosed, exams or tests performed and their findings, " +
	"treatments or medications the doctor instructed, and agreed next steps. " +
	"Write in neutral clinical prose or short bullet lines. Do not invent findings. " +
	"Return ONLY a JSON object matching the output_schema."

// medPattern catches doctor instructions about treatment. A visit summary
// that drops the medication plan breaks continuity for the next visit, so
// any matching doctor line must survive into the summary.
var medPattern = regexp.MustCompile(`(?i)\b(take|start|prescrib\w*|rx|medication|tablet|pill|capsule|dose|dolo|ibuprofen|acetaminophen|paracetamol)\b`)

// Store persists visit summaries.
type Store interface {
	Upsert(ctx context.Context, s *pkg.VisitSummary) (*pkg.VisitSummary, error)
}

// Embedder stores a retrieval embedding for a finished summary.
type Embedder interface {
	StoreSummaryEmbedding(ctx context.Context, sessionID string, visitNo int, text string) error
}

// Summarizer runs the one-call visit summary flow: prompt, validate, apply
// the medication safeguard, persist, embed.
type Summarizer struct {
	llm      llm.Client
	store    Store
	embedder Embedder
	log      *logging.Logger
}

func New(client llm.Client, store Store, embedder Embedder, log *logging.Logger) *Summarizer {
	if log == nil {
		log = logging.NewNop()
	}
	return &Summarizer{llm: client, store: store, embedder: embedder, log: log}
}

type promptTurn struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type summaryPrompt struct {
	Instructions string         `json:"instructions"`
	SessionID    string         `json:"session_id"`
	VisitNo      int            `json:"visit_no"`
	Conversation []promptTurn   `json:"conversation"`
	OutputSchema map[string]any `json:"output_schema"`
}

func buildPrompt(sessionID string, visitNo int, messages []pkg.Message) string {
	if len(messages) > maxConversationTurns {
		messages = messages[len(messages)-maxConversationTurns:]
	}
	turns := make([]promptTurn, 0, len(messages))
	for _, m := range messages {
		turns = append(turns, promptTurn{Role: string(m.Role), Content: m.Content})
	}
	payload := summaryPrompt{
		Instructions: summaryInstructions,
		SessionID:    sessionID,
		VisitNo:      visitNo,
		Conversation: turns,
		OutputSchema: map[string]any{"summary_text": "string"},
	}
	b, err := json.Marshal(payload)
	if err != nil {
		return summaryInstructions
	}
	return string(b)
}

// doctorMedInstruction returns the last doctor message that mentions a
// treatment or medication, or "" if the visit had none. The last one wins
// so a revised prescription supersedes earlier instructions.
func doctorMedInstruction(messages []pkg.Message) string {
	last := ""
	for _, m := range messages {
		if m.Role != pkg.RoleDoctor {
			continue
		}
		text := strings.TrimSpace(m.Content)
		if text == "" {
			continue
		}
		if medPattern.MatchString(text) {
			last = text
		}
	}
	return last
}

// ensureMedicationNoted appends the doctor's treatment instruction unless
// its exact wording already appears in the summary. A summary that only
// mentions medications generically still gets the instruction appended.
func ensureMedicationNoted(summary string, messages []pkg.Message) string {
	instruction := doctorMedInstruction(messages)
	if instruction == "" || strings.Contains(strings.ToLower(summary), strings.ToLower(instruction)) {
		return summary
	}
	trimmed := strings.TrimRight(summary, " \n")
	if trimmed == "" {
		return "- Treatments/Medications: " + instruction
	}
	return trimmed + "\n- Treatments/Medications: " + instruction
}

// SummarizeVisit generates, safeguards and stores the summary for one visit.
// It satisfies the engine's Summarizer dependency.
func (s *Summarizer) SummarizeVisit(ctx context.Context, sessionID string, visitNo int, messages []pkg.Message) (string, error) {
	res, err := s.llm.Summarize(ctx, buildPrompt(sessionID, visitNo, messages))
	if err != nil {
		return "", fmt.Errorf("summarize visit %d: %w", visitNo, err)
	}
	text := ensureMedicationNoted(strings.TrimSpace(res.SummaryText), messages)

	if _, err := s.store.Upsert(ctx, &pkg.VisitSummary{
		SessionID:   sessionID,
		VisitNo:     visitNo,
		SummaryText: text,
	}); err != nil {
		return "", fmt.Errorf("store visit summary: %w", err)
	}
	if s.embedder != nil {
		if err := s.embedder.StoreSummaryEmbedding(ctx, sessionID, visitNo, text); err != nil {
			s.log.Warn("store summary embedding failed",
				"session_id", sessionID, "visit_no", visitNo, "error", err)
		}
	}
	s.log.Info("visit summarized",
		"session_id", sessionID, "visit_no", visitNo, "chars", len(text))
	return text, nil
}
