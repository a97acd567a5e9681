package durable

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAcknowledgeRemovesFromPending(t *testing.T) {
	s := newTestStore(t)
	_, err := s.SaveMessage(testMsg("m1", "r1", "hi"))
	require.NoError(t, err)

	ack, err := s.Acknowledge("m1", "r1", AckSaved)
	require.NoError(t, err)
	assert.NotEmpty(t, ack.AckID)
	assert.Equal(t, AckSaved, ack.Status)
	assert.Equal(t, 0, s.PendingCount())
	assert.True(t, s.IsAcked("m1"))

	acks, err := s.LoadAcks()
	require.NoError(t, err)
	require.Len(t, acks, 1)
	assert.Equal(t, "m1", acks[0].MsgID)
}

func TestUnacknowledgedDerivation(t *testing.T) {
	s := newTestStore(t)
	_, err := s.SaveMessage(testMsg("m1", "r1", "hi"))
	require.NoError(t, err)
	_, err = s.SaveMessage(testMsg("m2", "r1", "yo"))
	require.NoError(t, err)
	_, err = s.Acknowledge("m1", "r1", AckSaved)
	require.NoError(t, err)

	unacked, err := s.Unacknowledged()
	require.NoError(t, err)
	require.Len(t, unacked, 1)
	assert.Equal(t, "m2", unacked[0].MsgID)
}

func TestUnacknowledgedSurvivesMemoryLoss(t *testing.T) {
	s := newTestStore(t)
	_, err := s.SaveMessage(testMsg("m1", "r1", "hi"))
	require.NoError(t, err)

	// simulate a restart that never ran Restore: memory is empty but the
	// log still knows about m1
	s.ClearPending()

	unacked, err := s.Unacknowledged()
	require.NoError(t, err)
	require.Len(t, unacked, 1)
	assert.Equal(t, "m1", unacked[0].MsgID)
}

func TestStaleAcks(t *testing.T) {
	s := newTestStore(t)
	_, err := s.SaveMessage(testMsg("m1", "r1", "hi"))
	require.NoError(t, err)
	ack, err := s.Acknowledge("m1", "r1", AckSaved)
	require.NoError(t, err)

	// fresh ack is not stale
	stale, err := s.StaleAcks(time.Minute)
	require.NoError(t, err)
	assert.Empty(t, stale)

	// with a zero timeout every unverified ack is stale
	stale, err = s.StaleAcks(0)
	require.NoError(t, err)
	require.Len(t, stale, 1)
	assert.Equal(t, ack.AckID, stale[0].AckID)

	s.MarkAckVerified(ack.AckID)
	stale, err = s.StaleAcks(0)
	require.NoError(t, err)
	assert.Empty(t, stale)
}

func TestAckRecordsAreNeverDeleted(t *testing.T) {
	s := newTestStore(t)
	_, err := s.SaveMessage(testMsg("m1", "r1", "hi"))
	require.NoError(t, err)
	_, err = s.Acknowledge("m1", "r1", AckSaved)
	require.NoError(t, err)
	_, err = s.Acknowledge("m1", "r1", AckDelivered)
	require.NoError(t, err)
	require.NoError(t, s.Compact())

	acks, err := s.LoadAcks()
	require.NoError(t, err)
	assert.Len(t, acks, 2)
}
