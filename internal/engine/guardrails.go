package engine

import (
	"regexp"
	"strings"

	"patientsim/internal/llm"
)

// GuardrailMode selects how a policy violation is handled.
type GuardrailMode int

const (
	// RejectOnceElseStrip flags the response for one regeneration attempt
	// when the agent proposed a disallowed fact ID.
	RejectOnceElseStrip GuardrailMode = iota
	// StripOnly accepts and sanitizes whatever came back. Used on the
	// second attempt to bound latency and cost.
	StripOnly
)

// Guardrail safety flags.
const (
	flagFactNotAllowed  = "fact_id_not_allowed"
	flagFactRepeated    = "fact_id_repeated"
	flagRedactedDx      = "utterance_redacted_possible_dx"
	flagSafeFallback    = "utterance_replaced_safe_fallback"
	flagRejectRegen     = "guardrail_reject_regenerate"
	redactedPlaceholder = "[redacted]"
)

const safeFallbackUtterance = "I can share what I'm experiencing, but I'm not sure about specifics beyond what we've discussed."

// GuardrailDecision is the outcome of one guardrail pass.
type GuardrailDecision struct {
	Utterance           string
	NewDisclosedFactIDs []string
	SafetyFlags         []string
	Rejected            bool
}

// ValidateFactIDs partitions proposed IDs into accepted IDs and violation
// flags. Accepted IDs are within the allowed set and not already disclosed.
// The agent's proposals are never trusted directly.
func ValidateFactIDs(proposed []string, allowed, alreadyDisclosed map[string]bool) (safe []string, flags []string) {
	safe = []string{}
	for _, id := range proposed {
		switch {
		case !allowed[id]:
			flags = append(flags, flagFactNotAllowed)
		case alreadyDisclosed[id]:
			flags = append(flags, flagFactRepeated)
		default:
			safe = append(safe, id)
		}
	}
	return safe, flags
}

// Diagnosis-declaration phrasing is stripped conservatively. True policy
// enforcement is via fact IDs; this is text hygiene only.
var diagnosisPattern = regexp.MustCompile(`(?i)\b(diagnosis|i have|it is|it's)\b.*\b(cancer|tumor|appendicitis|ulcer)\b`)

// StripUnsafeMentions applies the text-hygiene pass: redacts diagnosis
// declarations and substitutes a safe fallback for empty or fully-redacted
// utterances.
func StripUnsafeMentions(text string) (string, []string) {
	var flags []string
	t := strings.TrimSpace(text)

	if diagnosisPattern.MatchString(t) {
		t = diagnosisPattern.ReplaceAllString(t, redactedPlaceholder)
		flags = append(flags, flagRedactedDx)
	}
	if t == "" || t == redactedPlaceholder {
		t = safeFallbackUtterance
		flags = append(flags, flagSafeFallback)
	}
	return t, flags
}

// ApplyGuardrails hard-filters the agent's proposed fact IDs against the
// allowed set and sanitizes the utterance. Under RejectOnceElseStrip a
// disallowed ID marks the decision rejected so the caller can request one
// regeneration; under StripOnly the sanitized response is always kept.
func ApplyGuardrails(resp llm.PatientResponse, allowedFacts []AllowedFact, alreadyDisclosed []string, mode GuardrailMode) GuardrailDecision {
	allowed := make(map[string]bool, len(allowedFacts))
	for _, f := range allowedFacts {
		allowed[f.ID] = true
	}
	already := make(map[string]bool, len(alreadyDisclosed))
	for _, id := range alreadyDisclosed {
		already[id] = true
	}

	safeIDs, idFlags := ValidateFactIDs(resp.NewDisclosedFactIDs, allowed, already)
	flags := append(append([]string{}, resp.SafetyFlags...), idFlags...)

	utterance, textFlags := StripUnsafeMentions(resp.Utterance)
	flags = append(flags, textFlags...)

	triedDisallowed := false
	for _, f := range idFlags {
		if f == flagFactNotAllowed {
			triedDisallowed = true
			break
		}
	}
	if triedDisallowed && mode == RejectOnceElseStrip {
		return GuardrailDecision{
			Utterance:           utterance,
			NewDisclosedFactIDs: safeIDs,
			SafetyFlags:         append(flags, flagRejectRegen),
			Rejected:            true,
		}
	}
	return GuardrailDecision{
		Utterance:           utterance,
		NewDisclosedFactIDs: safeIDs,
		SafetyFlags:         flags,
	}
}

var sentenceSplit = regexp.MustCompile(`[.!?]+`)

// appendThanks adds a short gratitude clause unless the utterance already
// runs three sentences or more.
func appendThanks(text string) string {
	count := 0
	for _, s := range sentenceSplit.Split(text, -1) {
		if strings.TrimSpace(s) != "" {
			count++
		}
	}
	if count >= 3 {
		return text
	}
	return strings.TrimRight(text, " \t\n") + " Thanks."
}
