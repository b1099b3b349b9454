package llm

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParsePatientResponseFullObject(t *testing.T) {
	raw := `{
		"patient_utterance": "My stomach hurts.",
		"new_disclosed_fact_ids": ["f1", "f2"],
		"requested_clarifications": ["where exactly?"],
		"visit_end_recommendation": true,
		"safety_flags": ["x"]
	}`
	out, err := parsePatientResponse(raw)
	require.NoError(t, err)
	assert.Equal(t, "My stomach hurts.", out.Utterance)
	assert.Equal(t, []string{"f1", "f2"}, out.NewDisclosedFactIDs)
	assert.Equal(t, []string{"where exactly?"}, out.RequestedClarifications)
	assert.True(t, out.VisitEndRecommendation)
	assert.Equal(t, []string{"x"}, out.SafetyFlags)
}

func TestParsePatientResponseDefaultsMissingKeys(t *testing.T) {
	out, err := parsePatientResponse(`{"patient_utterance": "Hello."}`)
	require.NoError(t, err)
	assert.NotNil(t, out.NewDisclosedFactIDs)
	assert.Empty(t, out.NewDisclosedFactIDs)
	assert.NotNil(t, out.SafetyFlags)
	assert.False(t, out.VisitEndRecommendation)
}

func TestParsePatientResponseCoercesStringBool(t *testing.T) {
	out, err := parsePatientResponse(`{"patient_utterance": "Bye.", "visit_end_recommendation": "yes"}`)
	require.NoError(t, err)
	assert.True(t, out.VisitEndRecommendation)

	out, err = parsePatientResponse(`{"patient_utterance": "Hi.", "visit_end_recommendation": "nope"}`)
	require.NoError(t, err)
	assert.False(t, out.VisitEndRecommendation)
}

func TestParsePatientResponseRejectsEmptyUtterance(t *testing.T) {
	_, err := parsePatientResponse(`{"patient_utterance": "  "}`)
	assert.Error(t, err)

	_, err = parsePatientResponse(`not json at all`)
	assert.Error(t, err)
}

func TestParsePatientResponseUnwrapsCodeFence(t *testing.T) {
	raw := "```json\n{\"patient_utterance\": \"Fenced.\"}\n```"
	out, err := parsePatientResponse(raw)
	require.NoError(t, err)
	assert.Equal(t, "Fenced.", out.Utterance)
}

func TestStripCodeFence(t *testing.T) {
	assert.Equal(t, `{"a":1}`, stripCodeFence("```json\n{\"a\":1}\n```"))
	assert.Equal(t, `{"a":1}`, stripCodeFence(`{"a":1}`))
	// A bare fence with no body is left alone.
	assert.Equal(t, "```", stripCodeFence("```"))
}

func TestCoerceBool(t *testing.T) {
	assert.True(t, coerceBool([]byte(`true`)))
	assert.True(t, coerceBool([]byte(`"END"`)))
	assert.False(t, coerceBool([]byte(`"maybe"`)))
	assert.False(t, coerceBool([]byte(`0`)))
}
