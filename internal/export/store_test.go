// ABOUTME: Tests for the SQLite session archive
// ABOUTME: Round-trips a summary and event timeline through a temp database
package export

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Hearback-Project/hearback-go/pkg/hearback"
	"github.com/Hearback-Project/hearback-go/pkg/timeline"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := Open(filepath.Join(t.TempDir(), "sessions.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func sampleSummary() hearback.Summary {
	return hearback.Summary{
		SessionID:     "session-1",
		Start:         time.Unix(1000, 0),
		End:           time.Unix(1060, 0),
		Events:        3,
		Late:          1,
		Uncompensated: 0,
		Invalid:       0,
		Domains: map[timeline.DomainID]hearback.DomainStats{
			timeline.DomainKeyboard:   {Events: 2, Pushed: 2},
			timeline.DomainAudioHeard: {Events: 1, Late: 1, Pushed: 1},
		},
		Pairs: []hearback.PairStats{
			{
				Stimulus: timeline.DomainKeyboard,
				Response: timeline.DomainAudioHeard,
				Count:    1,
				Mean:     12_000, Median: 12_000, P95: 12_000, P99: 12_000,
				Min: 12_000, Max: 12_000,
			},
		},
	}
}

func sampleEvents() []timeline.Event {
	return []timeline.Event{
		{Tick: 0, Domain: timeline.DomainKeyboard, Seq: 1,
			Payload: timeline.Payload{Kind: timeline.PayloadKey, Code: 32}},
		{Tick: 12_000, Domain: timeline.DomainAudioHeard, Seq: 1},
		{Tick: 15_000, Domain: timeline.DomainKeyboard, Seq: 2, Flags: timeline.FlagLate},
	}
}

func TestSaveAndLoadSession(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.SaveSession(ctx, sampleSummary(), sampleEvents()))

	ids, err := store.SessionIDs(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"session-1"}, ids)

	events, err := store.LoadEvents(ctx, "session-1")
	require.NoError(t, err)
	require.Len(t, events, 3)
	assert.Equal(t, sampleEvents(), events)

	pairs, err := store.LoadPairStats(ctx, "session-1")
	require.NoError(t, err)
	require.Len(t, pairs, 1)
	assert.Equal(t, timeline.DomainKeyboard, pairs[0].Stimulus)
	assert.Equal(t, float64(12_000), pairs[0].Mean)
	assert.Equal(t, 1, pairs[0].Count)
}

func TestDuplicateSessionRejected(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.SaveSession(ctx, sampleSummary(), nil))
	assert.Error(t, store.SaveSession(ctx, sampleSummary(), nil))
}

func TestOpenIsIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sessions.db")

	first, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, first.SaveSession(context.Background(), sampleSummary(), nil))
	require.NoError(t, first.Close())

	second, err := Open(path)
	require.NoError(t, err)
	defer second.Close()

	ids, err := second.SessionIDs(context.Background())
	require.NoError(t, err)
	assert.Len(t, ids, 1)
}

func TestEmptyStore(t *testing.T) {
	store := openTestStore(t)

	ids, err := store.SessionIDs(context.Background())
	require.NoError(t, err)
	assert.Empty(t, ids)

	events, err := store.LoadEvents(context.Background(), "nope")
	require.NoError(t, err)
	assert.Empty(t, events)
}
