package logger

import (
	"bytes"
	"testing"
	"time"

	"github.com/fatih/color"
	"github.com/stretchr/testify/assert"
)

func TestLogger_LevelsAndCategories(t *testing.T) {
	color.NoColor = true
	var buf bytes.Buffer
	l := NewTestLogger(&buf)
	l.SetLevel("warn")

	l.Info("CHECKIN", "dropped")
	l.Warn("feed", "kept")

	out := buf.String()
	assert.NotContains(t, out, "dropped")
	assert.Contains(t, out, "[FEED    ]")
	assert.Contains(t, out, "kept")
}

func TestLogger_Helpers(t *testing.T) {
	color.NoColor = true
	var buf bytes.Buffer
	l := NewTestLogger(&buf)

	l.LogCheckin("CHECKED_IN", "ABC123", "T1")
	l.LogPrintJob("FAILED", "job-1", "paper jam")
	l.LogAPI("POST", "/checkin", 409, 3*time.Millisecond)

	out := buf.String()
	assert.Contains(t, out, "[CHECKED_IN] ticket=ABC123 terminal=T1")
	assert.Contains(t, out, "[FAILED] job-1 - paper jam")
	assert.Contains(t, out, "POST /checkin - 409")
}
