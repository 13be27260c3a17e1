package game

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"triviad/internal/pkg/errs"
	"triviad/internal/pkg/randx"
)

func newTestMatchmaker(t *testing.T) (*Matchmaker, *stubBroadcaster, *stubRecorder) {
	t.Helper()

	bc := newStubBroadcaster()
	rec := &stubRecorder{}
	questions := &stubQuestions{set: newStubSet([]string{"q1", "q2"})}

	types := map[string]GameType{
		"classic": {Capacity: 2, QuestionCount: 2},
		"blitz":   {Capacity: 4, QuestionCount: 2},
	}

	return NewMatchmaker(types, questions, rec, bc), bc, rec
}

func TestMatchmakerPairSharesCandidateRoom(t *testing.T) {
	m, _, _ := newTestMatchmaker(t)

	info, err := m.Pair("alice", "classic")
	require.Nil(t, err)
	assert.Empty(t, info.RoomID, "paired rooms carry no explicit id")
	assert.Equal(t, 1, info.Size)
	assert.Equal(t, 2, info.Capacity)
	assert.Equal(t, 1, m.QueueLen("classic"))

	info, err = m.Pair("bob", "classic")
	require.Nil(t, err)
	assert.Equal(t, 2, info.Size)

	aliceRoom, ok := m.RoomOf("alice")
	require.True(t, ok)
	bobRoom, ok := m.RoomOf("bob")
	require.True(t, ok)
	assert.Same(t, aliceRoom, bobRoom)

	// The filled room left the queue; the next Pair gets a fresh room.
	assert.Equal(t, 0, m.QueueLen("classic"))
	assert.Equal(t, StateStarting, aliceRoom.State())

	info, err = m.Pair("carol", "classic")
	require.Nil(t, err)
	assert.Equal(t, 1, info.Size)
	carolRoom, ok := m.RoomOf("carol")
	require.True(t, ok)
	assert.NotSame(t, aliceRoom, carolRoom)
}

func TestMatchmakerPairValidation(t *testing.T) {
	m, _, _ := newTestMatchmaker(t)

	_, err := m.Pair("alice", "unknown")
	require.NotNil(t, err)
	assert.Equal(t, errs.ErrNoGameType, err.Code)

	_, err = m.Pair("alice", "classic")
	require.Nil(t, err)

	_, err = m.Pair("alice", "classic")
	require.NotNil(t, err)
	assert.Equal(t, errs.ErrGameInRoom, err.Code)

	_, err = m.Create("alice", "classic")
	require.NotNil(t, err)
	assert.Equal(t, errs.ErrGameInRoom, err.Code)
}

func TestMatchmakerQueueSkipsStartedHead(t *testing.T) {
	m, _, _ := newTestMatchmaker(t)

	_, err := m.Pair("alice", "blitz")
	require.Nil(t, err)
	room, ok := m.RoomOf("alice")
	require.True(t, ok)

	// Force the head out of Filling without filling it through the queue.
	require.Nil(t, room.Join("x1"))
	require.Nil(t, room.Join("x2"))
	require.Nil(t, room.Join("x3"))
	require.Equal(t, StateStarting, room.State())

	_, err = m.Pair("bob", "blitz")
	require.Nil(t, err)
	bobRoom, ok := m.RoomOf("bob")
	require.True(t, ok)
	assert.NotSame(t, room, bobRoom)
	assert.False(t, room.Queued())
}

func TestMatchmakerCreateAndJoinPrivateRoom(t *testing.T) {
	m, _, _ := newTestMatchmaker(t)

	info, err := m.Create("alice", "classic")
	require.Nil(t, err)
	assert.True(t, randx.IsValidRoomID(info.RoomID))
	assert.Equal(t, 0, m.QueueLen("classic"), "private rooms never enter the pairing queue")

	joined, err := m.Join("bob", info.RoomID)
	require.Nil(t, err)
	assert.Equal(t, info.RoomID, joined.RoomID)
	assert.Equal(t, 2, joined.Size)

	room, ok := m.RoomOf("bob")
	require.True(t, ok)
	assert.Equal(t, StateStarting, room.State())

	_, err = m.Join("carol", info.RoomID)
	require.NotNil(t, err)
	assert.Equal(t, errs.ErrRoomFull, err.Code)

	_, err = m.Join("carol", "ZZZZZZ")
	require.NotNil(t, err)
	assert.Equal(t, errs.ErrRoomNotFound, err.Code)
}

func TestMatchmakerLeaveDiscardsEmptyPrivateRoom(t *testing.T) {
	m, _, _ := newTestMatchmaker(t)

	info, err := m.Create("alice", "classic")
	require.Nil(t, err)

	m.Leave("alice")

	_, ok := m.RoomOf("alice")
	assert.False(t, ok)

	_, joinErr := m.Join("bob", info.RoomID)
	require.NotNil(t, joinErr)
	assert.Equal(t, errs.ErrRoomNotFound, joinErr.Code)
}

func TestMatchmakerDiscardStopsRoomTimers(t *testing.T) {
	m, _, _ := newTestMatchmaker(t)

	_, err := m.Pair("alice", "classic")
	require.Nil(t, err)
	room, ok := m.RoomOf("alice")
	require.True(t, ok)

	room.mu.Lock()
	pendingGen := room.batchGen
	room.mu.Unlock()

	m.Leave("alice")
	require.Equal(t, 0, m.QueueLen("classic"))

	// A discarded room is terminally cleared, so the batch window armed
	// while it was filling fires against a stale generation and dies out.
	assert.Equal(t, StateSettled, room.State())

	room.batchFire(pendingGen)

	room.mu.Lock()
	defer room.mu.Unlock()
	assert.Equal(t, StateSettled, room.state)
	assert.Equal(t, pendingGen+1, room.batchGen, "stale fire must not re-arm the window")
}

func TestMatchmakerLeaveRequeuesVacatedRoom(t *testing.T) {
	m, _, _ := newTestMatchmaker(t)

	_, err := m.Pair("alice", "classic")
	require.Nil(t, err)
	_, err = m.Pair("bob", "classic")
	require.Nil(t, err)
	require.Equal(t, 0, m.QueueLen("classic"))

	m.Leave("bob")

	// The room fell back to Filling with a free seat, so it becomes the
	// pairing candidate again.
	assert.Equal(t, 1, m.QueueLen("classic"))

	_, err = m.Pair("carol", "classic")
	require.Nil(t, err)
	aliceRoom, ok := m.RoomOf("alice")
	require.True(t, ok)
	carolRoom, ok := m.RoomOf("carol")
	require.True(t, ok)
	assert.Same(t, aliceRoom, carolRoom)
}

func TestMatchmakerAnswerRouting(t *testing.T) {
	m, _, _ := newTestMatchmaker(t)

	err := m.Answer("alice", 0, 1)
	require.NotNil(t, err)
	assert.Equal(t, errs.ErrBadAnswer, err.Code)

	_, pairErr := m.Pair("alice", "classic")
	require.Nil(t, pairErr)
	_, pairErr = m.Pair("bob", "classic")
	require.Nil(t, pairErr)

	room, ok := m.RoomOf("alice")
	require.True(t, ok)
	fireCountdown(room)
	require.Equal(t, StateActive, room.State())

	require.Nil(t, m.Answer("alice", 1, 1))
}

func TestMatchmakerSettlementReleasesMembers(t *testing.T) {
	m, _, rec := newTestMatchmaker(t)

	_, err := m.Pair("alice", "classic")
	require.Nil(t, err)
	_, err = m.Pair("bob", "classic")
	require.Nil(t, err)

	room, ok := m.RoomOf("alice")
	require.True(t, ok)
	fireCountdown(room)

	for round := 1; round <= 2; round++ {
		require.Nil(t, m.Answer("alice", 1, round))
		require.Nil(t, m.Answer("bob", 1, round))
		fireDebounce(room)
	}

	require.Equal(t, StateSettled, room.State())

	require.Eventually(t, func() bool {
		_, aliceIn := m.RoomOf("alice")
		_, bobIn := m.RoomOf("bob")
		return !aliceIn && !bobIn
	}, time.Second, 10*time.Millisecond)

	require.Eventually(t, func() bool { return len(rec.recorded()) == 1 }, time.Second, 10*time.Millisecond)

	// Both are free to pair again.
	_, err = m.Pair("alice", "classic")
	require.Nil(t, err)
}

func TestMatchmakerRosterEventsPauseAndResume(t *testing.T) {
	m, _, _ := newTestMatchmaker(t)

	_, err := m.Pair("alice", "classic")
	require.Nil(t, err)
	_, err = m.Pair("bob", "classic")
	require.Nil(t, err)

	room, ok := m.RoomOf("alice")
	require.True(t, ok)
	fireCountdown(room)

	m.UserPending("bob")
	assert.Equal(t, 1, room.LiveCount())
	assert.Equal(t, 2, room.Size())

	m.UserResumed("bob")
	assert.Equal(t, 2, room.LiveCount())

	m.UserLeft("bob")
	assert.Equal(t, 1, room.LiveCount())
	assert.True(t, room.Has("bob"), "mid-match eviction keeps the user in settlement membership")
}
