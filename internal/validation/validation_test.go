package validation

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type sample struct {
	Email    string `json:"patient_email" validate:"required,email"`
	Date     string `json:"date" validate:"required,ymd"`
	Time     string `json:"time" validate:"required,hhmm"`
	Duration int    `json:"duration_minutes" validate:"omitempty,min=15,max=480"`
	Window   string `json:"time_window" validate:"timewindow"`
}

func valid() sample {
	return sample{Email: "ana@example.com", Date: "2024-01-15", Time: "14:00", Duration: 30}
}

func TestStructAcceptsValid(t *testing.T) {
	assert.Nil(t, Struct(valid()))
}

func TestStructReportsJSONFieldNames(t *testing.T) {
	cases := []struct {
		name  string
		mut   func(*sample)
		field string
	}{
		{"bad email", func(s *sample) { s.Email = "not-an-email" }, "patient_email"},
		{"bad date", func(s *sample) { s.Date = "15/01/2024" }, "date"},
		{"loose date", func(s *sample) { s.Date = "2024-1-5" }, "date"},
		{"bad time", func(s *sample) { s.Time = "2pm" }, "time"},
		{"hour out of range", func(s *sample) { s.Time = "24:00" }, "time"},
		{"short duration", func(s *sample) { s.Duration = 10 }, "duration_minutes"},
		{"long duration", func(s *sample) { s.Duration = 481 }, "duration_minutes"},
		{"window", func(s *sample) { s.Window = "night" }, "time_window"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			s := valid()
			tc.mut(&s)
			fe := Struct(s)
			require.NotNil(t, fe)
			assert.Equal(t, tc.field, fe.Field)
			assert.NotEmpty(t, fe.Message)
		})
	}
}

func TestScalarHelpers(t *testing.T) {
	assert.True(t, IsDate("2024-02-29"))
	assert.False(t, IsDate("2023-02-29"))
	assert.True(t, IsTime("08:30"))
	assert.False(t, IsTime("8:30"))
	assert.True(t, IsEmail("x@y.io"))
	assert.False(t, IsEmail("x@"))
	assert.True(t, IsUUID("6f1c1d2e-0c1a-4c59-9d64-0c5d0b6a1f11"))
	assert.False(t, IsUUID("42"))
}
