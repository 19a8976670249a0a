package usage

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testNow = time.Date(2026, 3, 10, 15, 0, 0, 0, time.Local)

func writeRollout(t *testing.T, home string, day time.Time, name string, lines ...string) {
	t.Helper()
	dir := filepath.Join(home, "sessions", day.Format("2006"), day.Format("01"), day.Format("02"))
	require.NoError(t, os.MkdirAll(dir, 0o750))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "rollout-"+name+".jsonl"),
		[]byte(strings.Join(lines, "\n")+"\n"), 0o600))
}

func ts(day time.Time) string { return day.Add(time.Hour).Format(time.RFC3339) }

func tokens(day time.Time, input, cached, output int) string {
	return `{"timestamp":"` + ts(day) + `","type":"event_msg","payload":{"type":"token_count","info":{"last_token_usage":{"input_tokens":` +
		strconv.Itoa(input) + `,"cached_input_tokens":` + strconv.Itoa(cached) + `,"output_tokens":` + strconv.Itoa(output) + `,"total_tokens":` + strconv.Itoa(input+output) + `}}}}`
}

func newTestScanner(home string) *Scanner {
	s := NewScanner(home)
	s.now = func() time.Time { return testNow }
	return s
}

func TestSnapshot_AggregatesDaysAndModels(t *testing.T) {
	home := t.TempDir()
	today := time.Date(2026, 3, 10, 0, 0, 0, 0, time.Local)
	earlier := today.AddDate(0, 0, -9)

	writeRollout(t, home, today, "a",
		`{"type":"session_meta","payload":{"cwd":"/work/app"}}`,
		`{"type":"turn_context","payload":{"model":"gpt-5"}}`,
		`{"timestamp":"`+ts(today)+`","type":"event_msg","payload":{"type":"user_message","message":"hi"}}`,
		tokens(today, 100, 50, 20),
		`not json`,
		tokens(today, 200, 50, 30),
	)
	writeRollout(t, home, earlier, "b",
		`{"type":"session_meta","payload":{"cwd":"/work/other"}}`,
		`{"type":"turn_context","payload":{"model":"o3"}}`,
		tokens(earlier, 1000, 0, 0),
	)

	snap, err := newTestScanner(home).Snapshot(14, "")
	require.NoError(t, err)
	require.Len(t, snap.Days, 14)
	last := snap.Days[13]
	assert.Equal(t, "2026-03-10", last.Day)
	assert.Equal(t, int64(350), last.TotalTokens)
	assert.Equal(t, int64(1), last.AgentRuns)
	assert.Equal(t, int64(1000), snap.Days[4].TotalTokens)

	assert.Equal(t, int64(350), snap.Totals.Last7DaysTokens)
	assert.Equal(t, int64(1350), snap.Totals.Last30DaysTokens)
	assert.Equal(t, int64(1350/14), snap.Totals.AverageDailyTokens)
	assert.InDelta(t, 7.7, snap.Totals.CacheHitRatePercent, 0.01)
	require.NotNil(t, snap.Totals.PeakDay)
	assert.Equal(t, "2026-03-01", *snap.Totals.PeakDay)

	require.Len(t, snap.TopModels, 2)
	assert.Equal(t, "o3", snap.TopModels[0].Model)
	assert.Equal(t, "gpt-5", snap.TopModels[1].Model)
	assert.Equal(t, testNow.UnixMilli(), snap.UpdatedAt)
}

func TestSnapshot_WorkspaceFilter(t *testing.T) {
	home := t.TempDir()
	today := time.Date(2026, 3, 10, 0, 0, 0, 0, time.Local)
	writeRollout(t, home, today, "in",
		`{"type":"session_meta","payload":{"cwd":"/work/app/sub"}}`,
		tokens(today, 10, 0, 0),
	)
	writeRollout(t, home, today, "out",
		`{"type":"session_meta","payload":{"cwd":"/work/application"}}`,
		tokens(today, 500, 0, 0),
	)

	snap, err := newTestScanner(home).Snapshot(1, "/work/app")
	require.NoError(t, err)
	require.Len(t, snap.Days, 1)
	assert.Equal(t, int64(10), snap.Days[0].TotalTokens)
}

func TestSnapshot_EmptyHome(t *testing.T) {
	snap, err := newTestScanner(t.TempDir()).Snapshot(0, "")
	require.NoError(t, err)
	assert.Len(t, snap.Days, DefaultDays)
	assert.Nil(t, snap.Totals.PeakDay)
	assert.Empty(t, snap.TopModels)
}
