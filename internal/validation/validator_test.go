package validation

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/matteram/ensemble/pkg/schema"
)

func newTestValidator(t *testing.T) *Validator {
	t.Helper()
	v, err := NewValidator()
	require.NoError(t, err)
	return v
}

func TestValidateExecuteRequest_Valid(t *testing.T) {
	v := newTestValidator(t)

	cases := []string{
		`{"request": "summarize the report"}`,
		`{"workflow_id": "wf-1", "request": "hello", "metadata": {"project_id": "proj-1"}}`,
		`{"request": "hello", "deadline_seconds": 600}`,
	}
	for _, raw := range cases {
		assert.NoError(t, v.ValidateExecuteRequest([]byte(raw)), raw)
	}
}

func TestValidateExecuteRequest_Invalid(t *testing.T) {
	v := newTestValidator(t)

	cases := map[string]string{
		"missing request":        `{"workflow_id": "wf-1"}`,
		"empty request":          `{"request": ""}`,
		"non-string metadata":    `{"request": "x", "metadata": {"n": 1}}`,
		"deadline out of range":  `{"request": "x", "deadline_seconds": 0}`,
		"unknown field":          `{"request": "x", "surprise": true}`,
		"malformed JSON":         `{"request": `,
		"empty payload":          ``,
	}
	for name, raw := range cases {
		err := v.ValidateExecuteRequest([]byte(raw))
		require.Error(t, err, name)
		var se *schema.Error
		require.ErrorAs(t, err, &se, name)
		assert.Equal(t, schema.ErrCodeValidation, se.Code, name)
	}
}

func TestValidateClientFrame_Valid(t *testing.T) {
	v := newTestValidator(t)

	cases := []string{
		`{"action": "subscribe", "room": "proj-1"}`,
		`{"action": "subscribe", "room": "proj-1", "filter": "type == \"workflow_step\"", "filter_lang": "expr"}`,
		`{"action": "subscribe", "room": "proj-1", "projection": "{state}"}`,
		`{"action": "unsubscribe", "room": "proj-1"}`,
	}
	for _, raw := range cases {
		assert.NoError(t, v.ValidateClientFrame([]byte(raw)), raw)
	}
}

func TestValidateClientFrame_Invalid(t *testing.T) {
	v := newTestValidator(t)

	cases := map[string]string{
		"unknown action":   `{"action": "shout", "room": "proj-1"}`,
		"missing room":     `{"action": "subscribe"}`,
		"empty room":       `{"action": "subscribe", "room": ""}`,
		"bad filter lang":  `{"action": "subscribe", "room": "r", "filter_lang": "lua"}`,
		"unknown field":    `{"action": "subscribe", "room": "r", "volume": 11}`,
	}
	for name, raw := range cases {
		err := v.ValidateClientFrame([]byte(raw))
		require.Error(t, err, name)
	}
}

func TestValidationError_ReportsViolationLocations(t *testing.T) {
	v := newTestValidator(t)

	err := v.ValidateExecuteRequest([]byte(`{"request": "", "deadline_seconds": -5}`))
	require.Error(t, err)
	var se *schema.Error
	require.ErrorAs(t, err, &se)
	violations, ok := se.Details["violations"].([]string)
	require.True(t, ok)
	assert.NotEmpty(t, violations)
}
