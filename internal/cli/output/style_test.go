package output

import (
	"bytes"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStyler_NoColor(t *testing.T) {
	s := NewStyler(true)
	result := s.Success("test")
	assert.Equal(t, "✓ test", result)
}

func TestStyler_WithColor(t *testing.T) {
	s := NewStyler(false)
	result := s.Success("test")
	assert.Contains(t, result, "✓")
	assert.Contains(t, result, "test")
	assert.Contains(t, result, "\x1b[", "color is forced even without a terminal")
}

func TestStyler_Error(t *testing.T) {
	s := NewStyler(true)
	assert.Equal(t, "✗ failed", s.Error("failed"))
}

func TestStyler_Info(t *testing.T) {
	s := NewStyler(true)
	assert.Equal(t, "ℹ info message", s.Info("info message"))
}

func TestStyler_Warn(t *testing.T) {
	s := NewStyler(true)
	assert.Equal(t, "⚠ warning", s.Warn("warning"))
}

func TestStyler_State(t *testing.T) {
	plain := NewStyler(true)
	assert.Equal(t, "connected", plain.State("connected"))

	colored := NewStyler(false)
	assert.Contains(t, colored.State("connected"), "\x1b[32")
	assert.Contains(t, colored.State("failed"), "\x1b[31")
	assert.Equal(t, "mystery", colored.State("mystery"))
}

func TestFormatJSON(t *testing.T) {
	data := map[string]interface{}{
		"tenant_id": "acme",
		"state":     "connected",
	}

	result, err := FormatJSON(data)
	assert.NoError(t, err)
	assert.Contains(t, result, "acme")
	assert.Contains(t, result, "connected")
	assert.Contains(t, result, "\n")
}

func TestFormatJSON_Error(t *testing.T) {
	// channels cannot be marshaled
	_, err := FormatJSON(make(chan int))
	assert.Error(t, err)
}

func TestFprintFields(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, FprintFields(&buf, []Field{
		{"Tenant ID", "acme"},
		{"Last Error", ""},
		{"State", "connected"},
	}))
	out := buf.String()
	assert.Contains(t, out, "Tenant ID:")
	assert.Contains(t, out, "acme")
	assert.NotContains(t, out, "Last Error")
}

func TestTimestamp(t *testing.T) {
	assert.Empty(t, Timestamp(time.Time{}))
	assert.Equal(t, "2026-03-01T12:00:00Z", Timestamp(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)))
}
