package llm

import (
	"context"
	"errors"
)

// PatientResponse is the structured contract the patient agent must return.
// The guardrail layer never trusts NewDisclosedFactIDs; they are re-validated
// against the allowed set on every turn.
type PatientResponse struct {
	Utterance               string   `json:"patient_utterance"`
	NewDisclosedFactIDs     []string `json:"new_disclosed_fact_ids"`
	RequestedClarifications []string `json:"requested_clarifications,omitempty"`
	VisitEndRecommendation  bool     `json:"visit_end_recommendation"`
	SafetyFlags             []string `json:"safety_flags"`
}

// Usage is the provider-reported token accounting for one call.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// PatientResult is one validated patient-agent response plus call metadata.
type PatientResult struct {
	Parsed  PatientResponse
	Usage   *Usage
	RawText string
}

// SummaryResult is one validated visit-summary response.
type SummaryResult struct {
	SummaryText string
	Usage       *Usage
	RawText     string
}

// ErrQuotaExhausted marks a provider-side quota/rate-limit exhaustion. The
// turn engine surfaces it as a distinct "try again later" condition instead
// of persisting a turn without a patient utterance.
var ErrQuotaExhausted = errors.New("llm quota exhausted")

// Client is the generative collaborator. Implementations own their retry and
// malformed-output recovery; callers make exactly one logical call per
// attempt and treat failures as fatal to the turn.
type Client interface {
	PatientReply(ctx context.Context, prompt string) (*PatientResult, error)
	Summarize(ctx context.Context, prompt string) (*SummaryResult, error)
	Embed(ctx context.Context, text string) ([]float32, error)
}
