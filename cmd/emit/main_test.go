package main

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/coachpo/pgoutbox/internal/domain/messages"
)

func TestSampleBatch(t *testing.T) {
	registry, err := messages.NewRegistry()
	require.NoError(t, err)
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

	batch, err := sampleBatch(registry, 7, 9, "req-1", now)
	require.NoError(t, err)
	require.Len(t, batch, 3)
	require.Equal(t, messages.TagOrganizationCreated, batch[0].EventType)
	require.Equal(t, messages.TagTeamCreated, batch[1].EventType)
	require.Equal(t, messages.TagRepositoryCreated, batch[2].EventType)
	require.JSONEq(t, `{"teamId":9,"organizationId":7}`, string(batch[1].Payload))
	for _, evt := range batch {
		require.Equal(t, "req-1", evt.CorrelationIDs[0])
		require.Equal(t, int64(messages.GhostUserID), evt.LastEditedBy)
		require.True(t, evt.EventTime.Equal(now))
	}
}

func TestSampleBatchKeepsGeneratedCorrelation(t *testing.T) {
	registry, err := messages.NewRegistry()
	require.NoError(t, err)
	batch, err := sampleBatch(registry, 1, 1, "", time.Now())
	require.NoError(t, err)
	require.NotEmpty(t, batch[0].CorrelationIDs[0])
}
