package mywant

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseTimeExpression(t *testing.T) {
	tests := []struct {
		expr         string
		hour, minute int
		wantErr      bool
	}{
		{"7am", 7, 0, false},
		{"12am", 0, 0, false},
		{"12pm", 12, 0, false},
		{"9 PM", 21, 0, false},
		{"17:30", 17, 30, false},
		{"midnight", 0, 0, false},
		{"noon", 12, 0, false},
		{"25:00", 0, 0, true},
		{"13pm", 0, 0, true},
		{"", 0, 0, true},
		{"tomorrow", 0, 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.expr, func(t *testing.T) {
			h, m, err := ParseTimeExpression(tt.expr)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.hour, h)
			assert.Equal(t, tt.minute, m)
		})
	}
}

func TestParseFrequencyExpression(t *testing.T) {
	tests := []struct {
		expr    string
		want    time.Duration
		wantErr bool
	}{
		{"20s", 20 * time.Second, false},
		{"1h30m", 90 * time.Minute, false},
		{"day", 24 * time.Hour, false},
		{"5 minutes", 5 * time.Minute, false},
		{"2 hours", 2 * time.Hour, false},
		{"1 week", 7 * 24 * time.Hour, false},
		{"0s", 0, true},
		{"-5s", 0, true},
		{"0 minutes", 0, true},
		{"5 fortnights", 0, true},
		{"often", 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.expr, func(t *testing.T) {
			d, err := ParseFrequencyExpression(tt.expr)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, d)
		})
	}
}

func TestParseWhen(t *testing.T) {
	created := testEpoch // 09:00 UTC

	rule, err := ParseWhen(WhenSpec{Every: "20s"}, created)
	require.NoError(t, err)
	assert.Equal(t, created.Add(20*time.Second), rule.Base)
	assert.Equal(t, 20*time.Second, rule.Interval)

	// a time of day already passed today rolls to tomorrow
	rule, err = ParseWhen(WhenSpec{At: "7am", Every: "day"}, created)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 3, 2, 7, 0, 0, 0, time.UTC), rule.Base)

	rule, err = ParseWhen(WhenSpec{At: "17:30"}, created)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 3, 1, 17, 30, 0, 0, time.UTC), rule.Base)
	assert.Zero(t, rule.Interval)

	rule, err = ParseWhen(WhenSpec{At: "2026-04-01T00:00:00Z"}, created)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC), rule.Base)

	_, err = ParseWhen(WhenSpec{}, created)
	assert.Error(t, err)
	_, err = ParseWhen(WhenSpec{Every: "sometimes"}, created)
	assert.Error(t, err)

	assert.NoError(t, ValidateWhen([]WhenSpec{{Every: "1m"}, {At: "noon"}}))
	assert.ErrorContains(t, ValidateWhen([]WhenSpec{{Every: "1m"}, {At: "later"}}), "when[1]")
}

func TestScheduleRule_Next(t *testing.T) {
	base := testEpoch
	rule := ScheduleRule{Base: base, Interval: 10 * time.Second}

	next, ok := rule.Next(time.Time{}, base.Add(-time.Second))
	require.True(t, ok)
	assert.Equal(t, base, next)

	next, ok = rule.Next(base, base.Add(time.Second))
	require.True(t, ok)
	assert.Equal(t, base.Add(10*time.Second), next)

	// three missed instants collapse into the latest one at or before now
	next, ok = rule.Next(base, base.Add(45*time.Second))
	require.True(t, ok)
	assert.Equal(t, base.Add(40*time.Second), next)

	once := ScheduleRule{Base: base}
	next, ok = once.Next(time.Time{}, base.Add(time.Hour))
	require.True(t, ok)
	assert.Equal(t, base, next)
	_, ok = once.Next(base, base.Add(time.Hour))
	assert.False(t, ok)
}
