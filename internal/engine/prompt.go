package engine

import (
	"encoding/json"

	"patientsim/pkg"
)

type conversationTurn struct {
	Role string `json:"role"`
	Text string `json:"text"`
}

type retrievedDocPayload struct {
	DocID   string `json:"doc_id"`
	VisitNo int    `json:"visit_no"`
	Role    string `json:"role,omitempty"`
	Kind    string `json:"kind,omitempty"`
	Text    string `json:"text"`
}

type retrievedPayload struct {
	Summaries     []retrievedDocPayload `json:"summaries"`
	PriorMessages []retrievedDocPayload `json:"prior_messages"`
	CaseChunks    []retrievedDocPayload `json:"case_chunks"`
}

type promptPayload struct {
	VisitNo                 int                `json:"visit_no"`
	DoctorLevel             int                `json:"doctor_level"`
	CaseType                string             `json:"case_type"`
	DoctorMessage           string             `json:"doctor_message"`
	RecentConversation      []conversationTurn `json:"recent_conversation"`
	LastVisitSummary        string             `json:"last_visit_summary"`
	RetrievedContext        retrievedPayload   `json:"retrieved_context"`
	AllowedFacts            []AllowedFact      `json:"allowed_facts"`
	AlreadyDisclosedFactIDs []string           `json:"already_disclosed_fact_ids"`
	OutputSchema            map[string]any     `json:"output_schema"`
}

const promptHardRules = "You are simulating a patient in a medical training system.\n" +
	"\n" +
	"Hard rules:\n" +
	"1) You MUST NOT introduce any clinical facts that are not present in allowed_facts.\n" +
	"2) You MUST ONLY disclose new facts by returning their IDs in new_disclosed_fact_ids.\n" +
	"3) Every ID in new_disclosed_fact_ids MUST be from allowed_facts.\n" +
	"4) Retrieved context is for continuity only; it does NOT expand what you can newly disclose.\n" +
	"5) Output MUST be valid JSON and MUST match the PatientResponse schema exactly. No extra keys.\n" +
	"6) Keep patient_utterance short (1-3 sentences).\n" +
	"\n"

const viralExtraRules = "Viral-case behavior:\n" +
	"- If the doctor recommends or prescribes a treatment/medication, acknowledge and accept it.\n" +
	"- If asked about medications already prescribed, reuse the exact wording from prior messages or the " +
	"last_visit_summary. If it is not mentioned there, say you are not sure.\n" +
	"- If the doctor asks you to return or follow up later, include a brief thanks and set " +
	"visit_end_recommendation to true.\n" +
	"- You may reference prior doctor-prescribed treatments from retrieved_context or last_visit_summary; " +
	"do NOT add those as new_disclosed_fact_ids.\n" +
	"\n"

// correctionNotice is appended when requesting the single bounded
// regeneration after a policy violation.
const correctionNotice = "\n\nSYSTEM: Your prior output violated policy (disallowed fact IDs). Regenerate strictly."

// buildPrompt renders the structured patient prompt from the turn state.
// recentWindow bounds the conversation tail included in the payload.
func buildPrompt(st *TurnState, recentWindow int) string {
	recent := []conversationTurn{}
	if st.Retrieved != nil {
		msgs := st.Retrieved.Recent
		if recentWindow > 0 && len(msgs) > recentWindow {
			msgs = msgs[len(msgs)-recentWindow:]
		}
		for _, m := range msgs {
			recent = append(recent, conversationTurn{Role: string(m.Role), Text: m.Content})
		}
	}

	retrieved := retrievedPayload{
		Summaries:     []retrievedDocPayload{},
		PriorMessages: []retrievedDocPayload{},
		CaseChunks:    []retrievedDocPayload{},
	}
	if st.Retrieved != nil {
		for _, d := range st.Retrieved.Summaries {
			retrieved.Summaries = append(retrieved.Summaries, retrievedDocPayload(d))
		}
		for _, d := range st.Retrieved.PriorMessages {
			retrieved.PriorMessages = append(retrieved.PriorMessages, retrievedDocPayload(d))
		}
		for _, d := range st.Retrieved.CaseChunks {
			retrieved.CaseChunks = append(retrieved.CaseChunks, retrievedDocPayload(d))
		}
	}

	allowed := st.AllowedFacts
	if allowed == nil {
		allowed = []AllowedFact{}
	}
	disclosed := st.DisclosedFactIDs
	if disclosed == nil {
		disclosed = []string{}
	}

	payload := promptPayload{
		VisitNo:                 st.VisitNo,
		DoctorLevel:             st.DoctorLevel,
		CaseType:                st.CaseType,
		DoctorMessage:           st.LastDoctorMessage,
		RecentConversation:      recent,
		LastVisitSummary:        st.LastVisitSummary,
		RetrievedContext:        retrieved,
		AllowedFacts:            allowed,
		AlreadyDisclosedFactIDs: disclosed,
		OutputSchema: map[string]any{
			"patient_utterance":        "string",
			"new_disclosed_fact_ids":   []string{"string"},
			"requested_clarifications": []string{"string (optional)"},
			"visit_end_recommendation": "boolean",
			"safety_flags":             []string{"string"},
		},
	}
	body, _ := json.Marshal(payload)

	extraRules := ""
	if isViralCase(st.CaseType) {
		extraRules = viralExtraRules
	}
	return promptHardRules + extraRules + "Input JSON:\n" + string(body) + "\n\nReturn JSON now.\n"
}

// chunkIndex maps chunk IDs to their chunks for ledger classification.
func chunkIndex(c *pkg.Case) map[string]pkg.CaseChunk {
	idx := make(map[string]pkg.CaseChunk, len(c.Chunks))
	for _, ch := range c.Chunks {
		if ch.ChunkID != "" {
			idx[ch.ChunkID] = ch
		}
	}
	return idx
}
