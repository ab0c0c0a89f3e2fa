package ids_test

import (
	"sort"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/boternity/boternity/internal/ids"
)

func TestSystemGenProducesSortableIDs(t *testing.T) {
	gen := ids.System()
	var generated []ids.ID
	for i := 0; i < 5; i++ {
		generated = append(generated, gen.New())
		time.Sleep(2 * time.Millisecond)
	}
	sorted := append([]ids.ID{}, generated...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	require.Equal(t, generated, sorted, "IDs must sort in creation order")
}

func TestParseRoundTrip(t *testing.T) {
	id := ids.System().New()
	parsed, err := ids.Parse(id.String())
	require.NoError(t, err)
	require.Equal(t, id, parsed)
}

func TestParseRejectsGarbage(t *testing.T) {
	_, err := ids.Parse("not-a-valid-ulid")
	require.Error(t, err)
}

func TestFromClockUsesSuppliedTime(t *testing.T) {
	fixed := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	gen := ids.FromClock(func() time.Time { return fixed })
	id := gen.New()
	ts, err := id.Time()
	require.NoError(t, err)
	require.WithinDuration(t, fixed, ts, time.Millisecond)
}
