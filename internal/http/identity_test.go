package http

import (
	"net/http/httptest"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
)

func TestDoctorIDPrefersDoctorHeader(t *testing.T) {
	r := httptest.NewRequest("GET", "/api/sessions", nil)
	r.Header.Set("X-Doctor-Id", "dr-jones")
	r.Header.Set("X-Guest-Id", "guest-1")

	fromDoctor := doctorID(r)
	assert.NotEmpty(t, fromDoctor)

	r2 := httptest.NewRequest("GET", "/api/sessions", nil)
	r2.Header.Set("X-Guest-Id", "guest-1")
	assert.NotEqual(t, fromDoctor, doctorID(r2))
}

func TestDoctorIDIsDeterministic(t *testing.T) {
	r := httptest.NewRequest("GET", "/", nil)
	r.Header.Set("X-Doctor-Id", "dr-jones")
	first := doctorID(r)
	second := doctorID(r)
	assert.Equal(t, first, second)
	_, err := uuid.Parse(first)
	assert.NoError(t, err)
}

func TestDoctorIDPassesThroughUUID(t *testing.T) {
	id := uuid.New().String()
	r := httptest.NewRequest("GET", "/", nil)
	r.Header.Set("X-Doctor-Id", id)
	assert.Equal(t, id, doctorID(r))
}

func TestDoctorIDMissingHeaders(t *testing.T) {
	r := httptest.NewRequest("GET", "/", nil)
	assert.Empty(t, doctorID(r))
}
