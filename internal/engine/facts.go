package engine

import (
	"sort"

	"patientsim/internal/policy"
	"patientsim/pkg"
)

// AllowedFact is one fact the patient agent may cite this turn. The allowed
// list is the sole knowledge boundary passed to the generative collaborator.
type AllowedFact struct {
	ID   string        `json:"id"`
	Kind pkg.ChunkKind `json:"kind"`
	Text string        `json:"text"`
}

// BuildAllowedFacts filters case chunks into prompt facts, respecting the
// visit, depth and tool gating of the disclosure policy. Output is ordered
// by (visit, stage, id) and capped at maxFacts.
func BuildAllowedFacts(c *pkg.Case, level, visitNo int, disclosedFactIDs []string, maxFacts int) []AllowedFact {
	disclosed := make(map[string]bool, len(disclosedFactIDs))
	for _, id := range disclosedFactIDs {
		disclosed[id] = true
	}
	maxDepth := policy.MaxDetailDepth(level, visitNo)
	tools := policy.AllowedTools(level, visitNo)

	chunks := append([]pkg.CaseChunk(nil), c.Chunks...)
	sort.Slice(chunks, func(i, j int) bool {
		if chunks[i].VisitNo != chunks[j].VisitNo {
			return chunks[i].VisitNo < chunks[j].VisitNo
		}
		if chunks[i].Stage != chunks[j].Stage {
			return chunks[i].Stage < chunks[j].Stage
		}
		return chunks[i].ChunkID < chunks[j].ChunkID
	})

	facts := make([]AllowedFact, 0, maxFacts)
	for _, ch := range chunks {
		if ch.ChunkID == "" || disclosed[ch.ChunkID] {
			continue
		}
		if ch.VisitNo != visitNo {
			continue
		}
		depth := ch.DetailDepth
		if depth < 1 {
			depth = 1
		}
		if depth > maxDepth {
			continue
		}
		if ch.Kind == pkg.KindExam && !tools[pkg.KindExam] {
			continue
		}
		if ch.Kind == pkg.KindTests && !tools[pkg.KindTests] {
			continue
		}
		facts = append(facts, AllowedFact{ID: ch.ChunkID, Kind: ch.Kind, Text: ch.Content})
		if len(facts) >= maxFacts {
			break
		}
	}
	return facts
}
