package engine

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"patientsim/internal/config"
)

func defaultClassifier(t *testing.T) *Classifier {
	t.Helper()
	c, err := NewClassifier(config.Default().Precheck)
	require.NoError(t, err)
	return c
}

func TestClassifyIntentFamilies(t *testing.T) {
	c := defaultClassifier(t)

	cases := []struct {
		message string
		want    Intent
	}{
		{"Can we run some blood work?", IntentTests},
		{"Let's get an X-ray done", IntentTests},
		{"I'd like to examine your abdomen", IntentExam},
		{"a quick physical first", IntentExam},
		{"I'll prescribe you antibiotics", IntentMedication},
		{"any meds you're taking?", IntentMedication},
		{"How long has this been going on?", IntentNone},
		{"", IntentNone},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, c.Classify(tc.message), "message: %q", tc.message)
	}
}

func TestClassifyPriorityTestsBeforeMeds(t *testing.T) {
	c := defaultClassifier(t)
	// A message naming both a test and a medication routes to tests.
	assert.Equal(t, IntentTests, c.Classify("order a culture before we prescribe anything"))
}

func TestIsFollowupRequest(t *testing.T) {
	c := defaultClassifier(t)
	assert.True(t, c.IsFollowupRequest("come back in a week for a follow-up"))
	assert.False(t, c.IsFollowupRequest("tell me about the pain"))
}

func TestIsViralCase(t *testing.T) {
	assert.True(t, isViralCase("viral_uri"))
	assert.True(t, isViralCase("  Viral pharyngitis"))
	assert.False(t, isViralCase("bacterial_pneumonia"))
	assert.False(t, isViralCase(""))
}

func TestNormalizeRequest(t *testing.T) {
	assert.Equal(t, "order a cbc panel", normalizeRequest("  Order   a CBC\tPanel "))
}

func invalidPatternConfig() config.PrecheckConfig {
	cfg := config.Default().Precheck
	cfg.TestPatterns = append(cfg.TestPatterns, "(unclosed")
	return cfg
}

func TestNewClassifierRejectsBadPattern(t *testing.T) {
	_, err := NewClassifier(invalidPatternConfig())
	assert.Error(t, err)
}
