package domain

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseWeekRange(t *testing.T) {
	r, err := ParseWeekRange("5-8")
	require.NoError(t, err)
	assert.Equal(t, WeekRange{Start: 5, End: 8}, r)
	assert.Equal(t, "5-8", r.String())
	assert.Equal(t, 4, r.Len())
	assert.True(t, r.Contains(7))
	assert.False(t, r.Contains(9))

	for _, bad := range []string{"", "5", "8-5", "0-3", "a-b", "1-2-3"} {
		_, err := ParseWeekRange(bad)
		assert.ErrorIs(t, err, ErrInvalidWeekRange, bad)
	}
}

func TestFirstRange(t *testing.T) {
	assert.Equal(t, WeekRange{Start: 1, End: 4}, FirstRange(16))
	assert.Equal(t, WeekRange{Start: 1, End: 3}, FirstRange(3))
	assert.Equal(t, WeekRange{Start: 1, End: 4}, FirstRange(0))
}

func TestIntake_DeclaredWeeks(t *testing.T) {
	cases := map[string]struct {
		n  int
		ok bool
	}{
		"16 Weeks": {16, true},
		"12":       {12, true},
		"about 20": {20, true},
		"":         {0, false},
		"sixteen":  {0, false},
		"0 weeks":  {0, false},
	}
	for in, want := range cases {
		n, ok := (&Intake{PlanLength: in}).DeclaredWeeks()
		assert.Equal(t, want.ok, ok, in)
		assert.Equal(t, want.n, n, in)
	}

	assert.Equal(t, DefaultPlanWeeks, (&Intake{}).TotalWeeks())
	var nilIntake *Intake
	_, ok := nilIntake.DeclaredWeeks()
	assert.False(t, ok)
}

func TestIntake_HeartRateZones(t *testing.T) {
	in := &Intake{MaxHR: 190, RestingHR: 50}
	zones := in.HeartRateZones()
	require.Len(t, zones, 5)
	assert.Equal(t, HeartRateZone{Name: "Z1", Low: 120, High: 134}, zones[0])
	assert.Equal(t, HeartRateZone{Name: "Z5", Low: 176, High: 190}, zones[4])

	assert.Nil(t, (&Intake{MaxHR: 150, RestingHR: 160}).HeartRateZones())
	assert.Nil(t, (&Intake{MaxHR: 190}).HeartRateZones())
}

func TestChunkStatus(t *testing.T) {
	assert.True(t, ChunkPending.InFlight())
	assert.True(t, ChunkProcessing.InFlight())
	assert.False(t, ChunkComplete.InFlight())
	assert.True(t, ChunkError.Terminal())
	assert.False(t, ChunkPending.Terminal())
}
