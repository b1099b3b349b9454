package http

import (
	"net/http"

	"github.com/google/uuid"
)

// doctorIDNamespace scopes derived doctor identities so the same header
// value always maps to the same stable UUID.
var doctorIDNamespace = uuid.NewSHA1(uuid.NameSpaceURL, []byte("patientsim-doctors"))

// doctorID resolves the caller's identity from the X-Doctor-Id header, or
// from X-Guest-Id for anonymous trainees. Raw header values are normalized
// to a deterministic UUID so free-form IDs never leak into storage keys.
func doctorID(r *http.Request) string {
	raw := r.Header.Get("X-Doctor-Id")
	if raw == "" {
		raw = r.Header.Get("X-Guest-Id")
	}
	if raw == "" {
		return ""
	}
	if parsed, err := uuid.Parse(raw); err == nil {
		return parsed.String()
	}
	return uuid.NewSHA1(doctorIDNamespace, []byte(raw)).String()
}
