// Package rag provides prior-visit context retrieval and best-effort
// embedding storage for messages and visit summaries.
package rag

import (
	"context"
	"fmt"
	"strings"

	"patientsim/internal/llm"
	"patientsim/internal/logging"
	"patientsim/pkg"
)

// Doc is one retrieved context document handed to the patient agent for
// continuity. Retrieved context never expands what may be newly disclosed.
type Doc struct {
	DocID   string `json:"doc_id"`
	VisitNo int    `json:"visit_no"`
	Role    string `json:"role,omitempty"`
	Kind    string `json:"kind,omitempty"`
	Text    string `json:"text"`
}

// Context is everything retrieved for one turn.
type Context struct {
	Summaries     []Doc
	PriorMessages []Doc
	CaseChunks    []Doc
	Recent        []pkg.Message
}

// EmptyContext returns a Context with no retrieved documents.
func EmptyContext() *Context {
	return &Context{Summaries: []Doc{}, PriorMessages: []Doc{}, CaseChunks: []Doc{}}
}

// SummaryLister reads stored visit summaries up to a visit number.
type SummaryLister interface {
	ListUpTo(ctx context.Context, sessionID string, visitNo, limit int) ([]pkg.VisitSummary, error)
}

// MessageLister reads the recent conversation window.
type MessageLister interface {
	ListLast(ctx context.Context, sessionID string, n int) ([]pkg.Message, error)
}

// EmbeddingWriter persists embedding vectors next to their source rows.
type EmbeddingWriter interface {
	SetMessageEmbedding(ctx context.Context, messageID int64, vec []float32) error
	SetSummaryEmbedding(ctx context.Context, sessionID string, visitNo int, vec []float32) error
}

// Retriever assembles the per-turn context and stores embeddings.
type Retriever struct {
	summaries    SummaryLister
	messages     MessageLister
	embeddings   EmbeddingWriter
	llm          llm.Client
	topSummaries int
	recentMsgs   int
	log          *logging.Logger
}

func NewRetriever(
	summaries SummaryLister,
	messages MessageLister,
	embeddings EmbeddingWriter,
	client llm.Client,
	topSummaries, recentMsgs int,
	log *logging.Logger,
) *Retriever {
	return &Retriever{
		summaries:    summaries,
		messages:     messages,
		embeddings:   embeddings,
		llm:          client,
		topSummaries: topSummaries,
		recentMsgs:   recentMsgs,
		log:          log,
	}
}

// SummaryDocID derives the doc id for a stored visit summary.
func SummaryDocID(sessionID string, visitNo int) string {
	return fmt.Sprintf("%s:v%d", sessionID, visitNo)
}

// MessageDocID derives the doc id for a stored message.
func MessageDocID(sessionID string, visitNo, turnNo int) string {
	return fmt.Sprintf("%s:m:%d:%d", sessionID, visitNo, turnNo)
}

// Retrieve returns prior-visit summaries (visit <= visitNo) plus the recent
// conversation window for the session.
func (r *Retriever) Retrieve(ctx context.Context, sessionID, query string, visitNo int) (*Context, error) {
	out := EmptyContext()
	if strings.TrimSpace(query) == "" {
		return out, nil
	}

	if r.topSummaries > 0 {
		rows, err := r.summaries.ListUpTo(ctx, sessionID, visitNo, r.topSummaries)
		if err != nil {
			return nil, fmt.Errorf("list visit summaries: %w", err)
		}
		for _, s := range rows {
			out.Summaries = append(out.Summaries, Doc{
				DocID:   SummaryDocID(sessionID, s.VisitNo),
				VisitNo: s.VisitNo,
				Text:    s.SummaryText,
			})
		}
	}

	recent, err := r.messages.ListLast(ctx, sessionID, r.recentMsgs)
	if err != nil {
		return nil, fmt.Errorf("list recent messages: %w", err)
	}
	out.Recent = recent
	return out, nil
}

// StoreMessageEmbedding embeds a persisted message and stores the vector.
// Failures are reported to the caller, which treats them as non-fatal.
func (r *Retriever) StoreMessageEmbedding(ctx context.Context, m *pkg.Message) error {
	if m == nil || strings.TrimSpace(m.Content) == "" || m.ID == 0 {
		return nil
	}
	vec, err := r.llm.Embed(ctx, m.Content)
	if err != nil {
		return fmt.Errorf("embed message %s: %w", MessageDocID(m.SessionID, m.VisitNo, m.TurnNo), err)
	}
	return r.embeddings.SetMessageEmbedding(ctx, m.ID, vec)
}

// StoreSummaryEmbedding embeds a stored visit summary and stores the vector.
func (r *Retriever) StoreSummaryEmbedding(ctx context.Context, sessionID string, visitNo int, text string) error {
	if strings.TrimSpace(text) == "" {
		return nil
	}
	vec, err := r.llm.Embed(ctx, text)
	if err != nil {
		return fmt.Errorf("embed summary %s: %w", SummaryDocID(sessionID, visitNo), err)
	}
	return r.embeddings.SetSummaryEmbedding(ctx, sessionID, visitNo, vec)
}
