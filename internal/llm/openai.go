package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	openai "github.com/sashabaranov/go-openai"

	"patientsim/internal/config"
)

// OpenAIClient calls the OpenAI API for patient replies, visit summaries and
// embeddings. Malformed-JSON outputs are retried with a corrective prefix;
// exhausted quota surfaces as ErrQuotaExhausted.
type OpenAIClient struct {
	client       *openai.Client
	model        string
	summaryModel string
	embedModel   string
	timeout      time.Duration
	maxRetries   int
}

// NewOpenAIClient constructs an OpenAI-backed collaborator from config.
func NewOpenAIClient(cfg config.LLMConfig) *OpenAIClient {
	oc := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		oc.BaseURL = cfg.BaseURL
	}
	timeout := time.Duration(cfg.TimeoutS * float64(time.Second))
	if timeout <= 0 {
		timeout = 20 * time.Second
	}
	summaryModel := cfg.SummaryModel
	if summaryModel == "" {
		summaryModel = cfg.Model
	}
	return &OpenAIClient{
		client:       openai.NewClientWithConfig(oc),
		model:        cfg.Model,
		summaryModel: summaryModel,
		embedModel:   cfg.EmbedModel,
		timeout:      timeout,
		maxRetries:   cfg.MaxRetries,
	}
}

const patientFormatWarning = "SYSTEM: Your last response was not valid PatientResponse JSON. " +
	"You must output ONLY JSON with keys patient_utterance, new_disclosed_fact_ids, " +
	"requested_clarifications, visit_end_recommendation, safety_flags. Do not include any extra text.\n" +
	"Regenerate now using the same instructions."

// PatientReply sends the prompt and returns a validated PatientResponse.
func (c *OpenAIClient) PatientReply(ctx context.Context, prompt string) (*PatientResult, error) {
	toSend := prompt
	var lastErr error
	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		raw, usage, err := c.complete(ctx, c.model, toSend)
		if err != nil {
			if isQuotaErr(err) {
				return nil, fmt.Errorf("%w: %v", ErrQuotaExhausted, err)
			}
			lastErr = err
			if err := c.backoff(ctx, attempt); err != nil {
				return nil, err
			}
			continue
		}
		parsed, err := parsePatientResponse(raw)
		if err != nil {
			lastErr = err
			toSend = patientFormatWarning + "\n\n" + prompt
			if err := c.backoff(ctx, attempt); err != nil {
				return nil, err
			}
			continue
		}
		return &PatientResult{Parsed: *parsed, Usage: usage, RawText: raw}, nil
	}
	return nil, fmt.Errorf("patient agent call failed after retries: %w", lastErr)
}

const summaryFormatWarning = "SYSTEM: Output MUST be JSON with exactly one key summary_text (string). " +
	"Regenerate using the same instructions."

// Summarize sends the prompt and returns a validated visit summary.
func (c *OpenAIClient) Summarize(ctx context.Context, prompt string) (*SummaryResult, error) {
	toSend := prompt
	var lastErr error
	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		raw, usage, err := c.complete(ctx, c.summaryModel, toSend)
		if err != nil {
			if isQuotaErr(err) {
				return nil, fmt.Errorf("%w: %v", ErrQuotaExhausted, err)
			}
			lastErr = err
			if err := c.backoff(ctx, attempt); err != nil {
				return nil, err
			}
			continue
		}
		var data struct {
			SummaryText string `json:"summary_text"`
		}
		if err := json.Unmarshal([]byte(stripCodeFence(raw)), &data); err != nil {
			lastErr = err
		} else if strings.TrimSpace(data.SummaryText) == "" {
			lastErr = errors.New("missing summary_text in response")
		} else {
			return &SummaryResult{SummaryText: strings.TrimSpace(data.SummaryText), Usage: usage, RawText: raw}, nil
		}
		toSend = summaryFormatWarning + "\n\n" + prompt
		if err := c.backoff(ctx, attempt); err != nil {
			return nil, err
		}
	}
	return nil, fmt.Errorf("summary agent call failed after retries: %w", lastErr)
}

// Embed returns the embedding vector for text.
func (c *OpenAIClient) Embed(ctx context.Context, text string) ([]float32, error) {
	cleaned := strings.TrimSpace(text)
	if cleaned == "" {
		return nil, errors.New("cannot embed empty text")
	}
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	resp, err := c.client.CreateEmbeddings(ctx, openai.EmbeddingRequest{
		Input: []string{cleaned},
		Model: openai.EmbeddingModel(c.embedModel),
	})
	if err != nil {
		if isQuotaErr(err) {
			return nil, fmt.Errorf("%w: %v", ErrQuotaExhausted, err)
		}
		return nil, err
	}
	if len(resp.Data) == 0 {
		return nil, errors.New("embedding API returned no data")
	}
	return resp.Data[0].Embedding, nil
}

func (c *OpenAIClient) complete(ctx context.Context, model, prompt string) (string, *Usage, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	resp, err := c.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:       model,
		Temperature: 0,
		ResponseFormat: &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONObject,
		},
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleUser, Content: prompt},
		},
	})
	if err != nil {
		return "", nil, err
	}
	if len(resp.Choices) == 0 {
		return "", nil, errors.New("completion returned no choices")
	}
	usage := &Usage{
		PromptTokens:     resp.Usage.PromptTokens,
		CompletionTokens: resp.Usage.CompletionTokens,
		TotalTokens:      resp.Usage.TotalTokens,
	}
	return resp.Choices[0].Message.Content, usage, nil
}

func (c *OpenAIClient) backoff(ctx context.Context, attempt int) error {
	if attempt >= c.maxRetries {
		return nil
	}
	delay := time.Duration(500*(1<<attempt)) * time.Millisecond
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(delay):
		return nil
	}
}

// parsePatientResponse decodes raw model output into a PatientResponse,
// coercing the loose shapes models actually emit (string booleans, missing
// keys) before validating the non-empty-utterance invariant.
func parsePatientResponse(raw string) (*PatientResponse, error) {
	var data map[string]json.RawMessage
	if err := json.Unmarshal([]byte(stripCodeFence(raw)), &data); err != nil {
		return nil, fmt.Errorf("patient response was not a JSON object: %w", err)
	}

	out := PatientResponse{
		NewDisclosedFactIDs: []string{},
		SafetyFlags:         []string{},
	}
	if v, ok := data["patient_utterance"]; ok {
		_ = json.Unmarshal(v, &out.Utterance)
	}
	if v, ok := data["new_disclosed_fact_ids"]; ok {
		_ = json.Unmarshal(v, &out.NewDisclosedFactIDs)
	}
	if v, ok := data["requested_clarifications"]; ok {
		_ = json.Unmarshal(v, &out.RequestedClarifications)
	}
	if v, ok := data["safety_flags"]; ok {
		_ = json.Unmarshal(v, &out.SafetyFlags)
	}
	if v, ok := data["visit_end_recommendation"]; ok {
		out.VisitEndRecommendation = coerceBool(v)
	}
	if out.NewDisclosedFactIDs == nil {
		out.NewDisclosedFactIDs = []string{}
	}
	if out.SafetyFlags == nil {
		out.SafetyFlags = []string{}
	}
	if strings.TrimSpace(out.Utterance) == "" {
		return nil, errors.New("patient_utterance must be non-empty")
	}
	return &out, nil
}

func coerceBool(raw json.RawMessage) bool {
	var b bool
	if err := json.Unmarshal(raw, &b); err == nil {
		return b
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		switch strings.ToLower(strings.TrimSpace(s)) {
		case "true", "yes", "end", "finish", "close", "stop":
			return true
		}
	}
	return false
}

// stripCodeFence removes a surrounding markdown fence if the model wrapped
// its JSON in one.
func stripCodeFence(s string) string {
	trimmed := strings.TrimSpace(s)
	if !strings.HasPrefix(trimmed, "```") {
		return s
	}
	body := trimmed[3:]
	if idx := strings.IndexByte(body, '\n'); idx != -1 {
		body = body[idx+1:]
	}
	body = strings.TrimSpace(body)
	body = strings.TrimSuffix(body, "```")
	body = strings.TrimSpace(body)
	if body == "" {
		return s
	}
	return body
}

func isQuotaErr(err error) bool {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) && apiErr.HTTPStatusCode == 429 {
		return true
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) && reqErr.HTTPStatusCode == 429 {
		return true
	}
	text := strings.ToLower(err.Error())
	return strings.Contains(text, "quota") || strings.Contains(text, "rate limit") || strings.Contains(text, "429")
}
