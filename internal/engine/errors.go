package engine

import "errors"

// Error taxonomy for the turn engine. Policy violations by the patient agent
// are recovered internally (one bounded regeneration) and never surface here.
var (
	ErrSessionNotFound = errors.New("session not found")
	ErrCaseNotFound    = errors.New("case not found")
	ErrSessionClosed   = errors.New("session is closed")

	// ErrEmptyMessage rejects a turn before any write when the doctor
	// message is empty.
	ErrEmptyMessage = errors.New("doctor message must be non-empty")

	// ErrEmptyUtterance guards the persistence step: a turn must never
	// commit without a patient utterance.
	ErrEmptyUtterance = errors.New("patient utterance must be non-empty")

	// ErrGenerativeUnavailable marks an exhausted generative collaborator.
	// The turn is not persisted and is safe to retry later.
	ErrGenerativeUnavailable = errors.New("patient agent unavailable, try again later")

	ErrMaxVisitsReached = errors.New("maximum visits reached for this level")
	ErrEmptyVisit       = errors.New("no messages in this visit to summarize")
)
