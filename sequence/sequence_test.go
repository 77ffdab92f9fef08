package sequence

import (
	"errors"
	"testing"
	"time"

	"github.com/depassivation-station/depassivation-controller/history"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func test(id int64, ts string, duration float64, result string) history.Test {
	t := history.Test{ID: id, Timestamp: ts, DurationSeconds: duration}
	if result != "" {
		t.Result = &result
	}
	return t
}

func TestGroupFullSequence(t *testing.T) {
	tests := []history.Test{
		test(1, "2024-03-01 09:00:00", 10, "Baseline Test - PASS"),
		test(2, "2024-03-01 09:01:00", 60, "Depassivation Cycle - PASS"),
		test(3, "2024-03-01 09:07:05", 10, "Depassivation Check - FAIL"),
	}
	items := Group(tests)
	require.Len(t, items, 1)
	item := items[0]
	assert.Equal(t, Sequence, item.Kind)
	assert.Equal(t, int64(1), item.ID())
	assert.Equal(t, "Sequence", item.Label())
	assert.Equal(t, []int64{1, 2, 3}, item.TestIDs())
	// Depassivation ends 09:02:00, check starts 09:07:05.
	assert.Equal(t, 5*time.Minute+5*time.Second, item.Rest)
	assert.Equal(t, "Completed - FAIL (5m 5s rest)", item.Result())
}

func TestGroupMissingDepassivation(t *testing.T) {
	tests := []history.Test{
		test(1, "2024-03-01 09:00:00", 10, "Baseline Test - PASS"),
		test(2, "2024-03-01 09:05:00", 10, "Depassivation Check - PASS"),
	}
	items := Group(tests)
	require.Len(t, items, 2)
	assert.Equal(t, Standalone, items[0].Kind)
	assert.Equal(t, "Baseline", items[0].Label())
	assert.Equal(t, Standalone, items[1].Kind)
	assert.Equal(t, "Check", items[1].Label())
}

func TestGroupMixedHistory(t *testing.T) {
	tests := []history.Test{
		test(1, "2024-03-01 08:00:00", 10, ""),
		test(2, "2024-03-01 09:00:00", 10, "Baseline Test - PASS"),
		test(3, "2024-03-01 09:01:00", 60, "Depassivation Cycle - PASS"),
		test(4, "2024-03-01 09:01:30", 10, "Depassivation Check - PASS"),
		test(5, "2024-03-01 10:00:00", 10, "Baseline Test - FAIL"),
	}
	items := Group(tests)
	require.Len(t, items, 3)
	assert.Equal(t, "Unknown", items[0].Label())
	assert.Equal(t, "Incomplete", items[0].Result())
	assert.Equal(t, Sequence, items[1].Kind)
	// Check started before the cycle's nominal end, rest clamps to zero.
	assert.Equal(t, time.Duration(0), items[1].Rest)
	assert.Equal(t, "Completed - PASS (0s rest)", items[1].Result())
	assert.Equal(t, int64(5), items[2].ID())
}

func TestGroupBadTimestampFallsBack(t *testing.T) {
	tests := []history.Test{
		test(1, "2024-03-01 09:00:00", 10, "Baseline Test - PASS"),
		test(2, "yesterday", 60, "Depassivation Cycle - PASS"),
		test(3, "2024-03-01 09:07:05", 10, "Depassivation Check - PASS"),
	}
	items := Group(tests)
	require.Len(t, items, 3)
	for _, item := range items {
		assert.Equal(t, Standalone, item.Kind)
	}
}

func TestChronological(t *testing.T) {
	newest := []history.Test{{ID: 3}, {ID: 2}, {ID: 1}}
	got := Chronological(newest)
	assert.Equal(t, []history.Test{{ID: 1}, {ID: 2}, {ID: 3}}, got)
	assert.Equal(t, int64(3), newest[0].ID)
}

func TestFormatRest(t *testing.T) {
	tests := []struct {
		d    time.Duration
		want string
	}{
		{0, "0s"},
		{-5 * time.Second, "0s"},
		{59 * time.Second, "59s"},
		{61 * time.Second, "1m 1s"},
		{time.Hour + 5*time.Second, "1h 5s"},
		{2*time.Hour + 3*time.Minute + 4*time.Second + 900*time.Millisecond, "2h 3m 4s"},
	}
	for _, tc := range tests {
		assert.Equal(t, tc.want, FormatRest(tc.d), tc.d.String())
	}
}

type fakeSamples map[int64][]history.Point

func (f fakeSamples) GetSamples(testID int64) ([]history.Point, error) {
	if testID < 0 {
		return nil, errors.New("boom")
	}
	return f[testID], nil
}

func TestCompare(t *testing.T) {
	minV, maxI := 3.05, 152.0
	tests := []history.Test{
		test(1, "2024-03-01 09:00:00", 10, "Baseline Test - PASS"),
		test(2, "2024-03-01 09:01:00", 60, "Depassivation Cycle - PASS"),
		test(3, "2024-03-01 09:10:00", 10, "Depassivation Check - PASS"),
	}
	tests[1].MinVoltage = &minV
	tests[1].MaxCurrent = &maxI
	items := Group(tests)
	require.Len(t, items, 1)

	samples := fakeSamples{
		2: {{Seconds: 0, Voltage: 3.4}, {Seconds: 59, Voltage: 3.1}},
	}
	c, err := Compare(items[0], samples)
	require.NoError(t, err)
	assert.Equal(t, int64(2), c.Depassivation.TestID)
	assert.Equal(t, 60.0, c.Depassivation.DurationSeconds)
	require.NotNil(t, c.Depassivation.LastVoltage)
	assert.Equal(t, 3.1, *c.Depassivation.LastVoltage)
	assert.Equal(t, &minV, c.Depassivation.MinVoltage)
	assert.Nil(t, c.Baseline.LastVoltage)
	assert.Equal(t, "8m 0s", c.Rest)

	_, err = Compare(Item{Kind: Standalone}, samples)
	assert.ErrorIs(t, err, ErrNotSequence)
}
