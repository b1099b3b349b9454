package engine

import (
	"fmt"
	"regexp"
	"strings"

	"patientsim/internal/config"
	"patientsim/internal/policy"
	"patientsim/pkg"
)

// Intent is the tool-precheck classification of a doctor message.
type Intent int

const (
	IntentNone Intent = iota
	IntentTests
	IntentExam
	IntentMedication
)

// Fixed precheck responses. These are deterministic: a classified and
// handled request never reaches the generative collaborator.
const (
	testAllowedResponse = "OK, I'll get that test ordered and will get back with the results."
	testDeniedResponse  = "I'm sorry, that test isn't permitted right now."
	examAllowedResponse = "OK, we can do that exam now."
	examDeniedResponse  = "I'm sorry, that exam isn't available right now."
	medBlockedResponse  = "I'm not able to discuss medications or prescriptions right now."
)

// Classifier matches doctor messages against the configured pattern
// families. Matching is case-insensitive; families are checked in fixed
// priority order (tests, exam, medication).
type Classifier struct {
	tests     []*regexp.Regexp
	exams     []*regexp.Regexp
	meds      []*regexp.Regexp
	followups []*regexp.Regexp
}

// NewClassifier compiles the configured pattern families.
func NewClassifier(cfg config.PrecheckConfig) (*Classifier, error) {
	c := &Classifier{}
	for _, set := range []struct {
		patterns []string
		dst      *[]*regexp.Regexp
	}{
		{cfg.TestPatterns, &c.tests},
		{cfg.ExamPatterns, &c.exams},
		{cfg.MedPatterns, &c.meds},
		{cfg.FollowupPatterns, &c.followups},
	} {
		for _, p := range set.patterns {
			re, err := regexp.Compile("(?i)" + p)
			if err != nil {
				return nil, fmt.Errorf("compile precheck pattern %q: %w", p, err)
			}
			*set.dst = append(*set.dst, re)
		}
	}
	return c, nil
}

func matchAny(res []*regexp.Regexp, text string) bool {
	for _, re := range res {
		if re.MatchString(text) {
			return true
		}
	}
	return false
}

// Classify returns the first matching intent family, in priority order.
func (c *Classifier) Classify(text string) Intent {
	if strings.TrimSpace(text) == "" {
		return IntentNone
	}
	switch {
	case matchAny(c.tests, text):
		return IntentTests
	case matchAny(c.exams, text):
		return IntentExam
	case matchAny(c.meds, text):
		return IntentMedication
	default:
		return IntentNone
	}
}

// IsFollowupRequest reports whether the message looks like a follow-up /
// return-visit request.
func (c *Classifier) IsFollowupRequest(text string) bool {
	return text != "" && matchAny(c.followups, text)
}

// isViralCase reports whether the case is tagged as a self-limiting viral
// illness, which permits prescribing dialogue.
func isViralCase(caseType string) bool {
	return strings.HasPrefix(strings.ToLower(strings.TrimSpace(caseType)), "viral")
}

var whitespaceRun = regexp.MustCompile(`\s+`)

// normalizeRequest canonicalizes an exam/test request for the ledger.
func normalizeRequest(s string) string {
	return whitespaceRun.ReplaceAllString(strings.ToLower(strings.TrimSpace(s)), " ")
}

// toolPrecheck classifies the doctor message and, for handled requests,
// answers deterministically without the generative collaborator. Unclassified
// messages leave ShouldCallLLM set and change nothing else.
func (e *Engine) toolPrecheck(st *TurnState) {
	text := st.LastDoctorMessage
	if text == "" {
		st.ShouldCallLLM = true
		return
	}

	intent := e.classifier.Classify(text)
	if intent == IntentNone {
		st.ShouldCallLLM = true
		return
	}
	if intent == IntentMedication && isViralCase(st.CaseType) {
		// Self-limiting-illness cases permit prescribing dialogue; fall
		// through to the generative path.
		st.ShouldCallLLM = true
		return
	}

	switch intent {
	case IntentTests, IntentExam:
		kind := pkg.KindTests
		if intent == IntentExam {
			kind = pkg.KindExam
		}
		allowed := false
		if policy.AllowedTools(st.DoctorLevel, st.VisitNo)[kind] {
			for _, f := range st.AllowedFacts {
				if f.Kind == kind {
					allowed = true
					break
				}
			}
		}
		if kind == pkg.KindTests {
			if allowed {
				st.PatientUtterance = testAllowedResponse
				st.PendingTestRequests = append(st.PendingTestRequests, normalizeRequest(text))
			} else {
				st.PatientUtterance = testDeniedResponse
			}
		} else {
			if allowed {
				st.PatientUtterance = examAllowedResponse
				st.PendingExamRequests = append(st.PendingExamRequests, normalizeRequest(text))
			} else {
				st.PatientUtterance = examDeniedResponse
			}
		}
	case IntentMedication:
		st.PatientUtterance = medBlockedResponse
	}

	st.NewDisclosedFactIDs = nil
	st.RequestedClarifications = nil
	st.VisitEndRecommendation = false
	st.ResponseSource = SourceTool
	st.ShouldCallLLM = false

	// Clear stale generative bookkeeping from any prior attempt.
	st.LLMAttempts = 0
	st.LLMUsage = nil
	st.RawLLMOutput = ""
	st.GuardrailRejected = false
	st.SafetyFlags = nil
}
