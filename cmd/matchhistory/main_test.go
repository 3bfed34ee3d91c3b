// cmd/matchhistory/main_test.go
package main

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ppy/osu-server-spectator/internal/multiplayer"
)

func newTestService(t *testing.T) (*HistoryService, *[][]multiplayer.MatchRecord) {
	t.Helper()
	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)

	hs := NewHistoryService(logger)
	hs.batchSize = 3

	var flushed [][]multiplayer.MatchRecord
	hs.insert = func(_ context.Context, recs []multiplayer.MatchRecord) error {
		flushed = append(flushed, recs)
		return nil
	}
	return hs, &flushed
}

func TestRecordDecodesFromJournalPayload(t *testing.T) {
	rec := multiplayer.MatchRecord{
		RoomID:         7,
		PlaylistItemID: 42,
		UserIDs:        []int64{1, 2, 3},
		FinishedAt:     time.Now().UTC().Truncate(time.Millisecond),
	}
	data, err := json.Marshal(rec)
	require.NoError(t, err)

	var decoded multiplayer.MatchRecord
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, rec, decoded)
}

func TestBatchFlushesAtThreshold(t *testing.T) {
	hs, flushed := newTestService(t)

	hs.appendToBatch(multiplayer.MatchRecord{RoomID: 1})
	hs.appendToBatch(multiplayer.MatchRecord{RoomID: 2})
	assert.Empty(t, *flushed)

	hs.appendToBatch(multiplayer.MatchRecord{RoomID: 3})
	require.Len(t, *flushed, 1)
	assert.Len(t, (*flushed)[0], 3)
	assert.Equal(t, int64(1), (*flushed)[0][0].RoomID)
}

func TestFlushDrainsPartialBatch(t *testing.T) {
	hs, flushed := newTestService(t)

	hs.appendToBatch(multiplayer.MatchRecord{RoomID: 9})
	hs.flushBatch()
	require.Len(t, *flushed, 1)
	assert.Len(t, (*flushed)[0], 1)

	// A second flush with nothing batched is a no-op.
	hs.flushBatch()
	assert.Len(t, *flushed, 1)
}
