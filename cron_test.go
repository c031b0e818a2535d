package scheduler

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseCronExpression(t *testing.T) {
	from := time.Date(2024, time.January, 5, 10, 0, 0, 0, time.UTC) // a Friday

	t.Run("invalid cron expression returns error", func(t *testing.T) {
		schedule, err := ParseCronExpression("invalid cron")
		assert.Error(t, err)
		assert.Nil(t, schedule)
	})

	t.Run("five fields are rejected", func(t *testing.T) {
		_, err := ParseCronExpression("*/5 * * * *")
		assert.Error(t, err)
	})

	t.Run("seconds field", func(t *testing.T) {
		schedule, err := ParseCronExpression("*/5 * * * * *") // every 5 seconds
		require.NoError(t, err)
		assert.Equal(t, from.Add(5*time.Second), schedule.Next(from))
	})

	t.Run("question mark in day-of-month", func(t *testing.T) {
		schedule, err := ParseCronExpression("0 30 9 ? * MON")
		require.NoError(t, err)
		assert.Equal(t, time.Date(2024, time.January, 8, 9, 30, 0, 0, time.UTC), schedule.Next(from))
	})

	t.Run("descriptor", func(t *testing.T) {
		schedule, err := ParseCronExpression("@daily")
		require.NoError(t, err)
		assert.Equal(t, time.Date(2024, time.January, 6, 0, 0, 0, 0, time.UTC), schedule.Next(from))
	})
}
