package cronutil

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flowmill-org/flowmill/internal/models"
)

func TestParseStandardExpression(t *testing.T) {
	sched, loc, err := Parse("30 2 * * *", "")
	require.NoError(t, err)
	assert.Equal(t, time.UTC, loc)

	after := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	next := Next(sched, loc, after)
	assert.Equal(t, time.Date(2026, 3, 1, 2, 30, 0, 0, time.UTC), next)
}

func TestParseSecondsExpression(t *testing.T) {
	sched, loc, err := Parse("*/10 * * * * *", "")
	require.NoError(t, err)

	after := time.Date(2026, 3, 1, 0, 0, 5, 0, time.UTC)
	next := Next(sched, loc, after)
	assert.Equal(t, time.Date(2026, 3, 1, 0, 0, 10, 0, time.UTC), next)
}

func TestParseWithTimezone(t *testing.T) {
	sched, loc, err := Parse("0 9 * * *", "America/New_York")
	require.NoError(t, err)
	require.Equal(t, "America/New_York", loc.String())

	// 9am New York is 14:00 UTC in winter.
	after := time.Date(2026, 1, 15, 0, 0, 0, 0, time.UTC)
	next := Next(sched, loc, after)
	assert.Equal(t, time.Date(2026, 1, 15, 14, 0, 0, 0, time.UTC), next.UTC())
}

func TestParseRejectsMalformedExpression(t *testing.T) {
	for _, expr := range []string{"", "* *", "not a cron", "61 * * * *", "* * * * * * *"} {
		_, _, err := Parse(expr, "")
		require.Error(t, err, expr)
		assert.True(t, models.IsValidationError(err), expr)
	}
}

func TestParseRejectsUnknownTimezone(t *testing.T) {
	_, _, err := Parse("* * * * *", "Mars/Olympus_Mons")
	require.Error(t, err)
	assert.True(t, models.IsValidationError(err))
}
