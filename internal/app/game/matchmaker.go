/*
Package game contains the core logic of the trivia backend.

This file defines the Matchmaker, which maintains one FIFO pairing queue of
candidate rooms per game type plus a registry of private rooms joined by
explicit id. It decides which room a joining user enters or whether a new room
is created, routes the generic game commands, and observes identity lifecycle
events from the session manager.
*/
package game

import (
	"encoding/json"
	"sync"

	"github.com/rs/zerolog"

	"triviad/internal/pkg/errs"
	"triviad/internal/pkg/logx"
	"triviad/internal/pkg/randx"
)

// Matchmaker owns the pairing queues, the private-room registry, and the
// user-to-room index. It implements Roster and CommandRouter for the session
// manager.
type Matchmaker struct {
	// mu protects queues, private, and byUser. Rooms guard their own state.
	mu sync.Mutex

	// types maps game type name to its capacity and question count.
	types map[string]GameType

	// queues holds, per game type, the FIFO of not-yet-started, not-yet-full
	// candidate rooms.
	queues map[string][]*Room

	// private maps private room id to room.
	private map[string]*Room

	// byUser maps uid to its current room. An entry persists through a
	// mid-match disconnect so the user still settles with the room.
	byUser map[string]*Room

	questions QuestionService
	rec       Recorder
	bc        Broadcaster

	logger zerolog.Logger
}

// NewMatchmaker constructs a Matchmaker for the given game type table.
func NewMatchmaker(types map[string]GameType, questions QuestionService, rec Recorder, bc Broadcaster) *Matchmaker {
	mmLogger := logx.Logger().With().Str("component", "matchmaker").Logger()

	return &Matchmaker{
		types:     types,
		queues:    make(map[string][]*Room),
		private:   make(map[string]*Room),
		byUser:    make(map[string]*Room),
		questions: questions,
		rec:       rec,
		bc:        bc,
		logger:    mmLogger,
	}
}

// Dispatch implements CommandRouter: it routes an authenticated generic
// command to the matchmaking operations.
func (m *Matchmaker) Dispatch(uid, cmd string, args []json.RawMessage) (any, *errs.CustomError) {
	switch cmd {
	case "pair":
		gameType, err := stringArg(args, 0)
		if err != nil {
			return nil, errs.NewError(errs.ErrParam)
		}
		return m.Pair(uid, gameType)

	case "create":
		gameType, err := stringArg(args, 0)
		if err != nil {
			return nil, errs.NewError(errs.ErrParam)
		}
		return m.Create(uid, gameType)

	case "join":
		roomID, err := stringArg(args, 0)
		if err != nil {
			return nil, errs.NewError(errs.ErrParam)
		}
		return m.Join(uid, roomID)

	case "leave":
		m.Leave(uid)
		return nil, nil

	case "answer":
		option, err1 := intArg(args, 0)
		round, err2 := intArg(args, 1)
		if err1 != nil || err2 != nil {
			return nil, errs.NewError(errs.ErrParam)
		}
		return nil, m.Answer(uid, option, round)

	default:
		return nil, errs.NewError(errs.ErrNoCmd)
	}
}

// Pair places the user into the pairing queue's candidate room for the given
// game type, allocating a fresh room when the queue head has already started
// or is full. A room that fills leaves the queue and begins its countdown.
func (m *Matchmaker) Pair(uid, gameType string) (RoomInfo, *errs.CustomError) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.byUser[uid]; ok {
		return RoomInfo{}, errs.NewError(errs.ErrGameInRoom)
	}

	gt, ok := m.types[gameType]
	if !ok {
		return RoomInfo{}, errs.NewError(errs.ErrNoGameType)
	}

	queue := m.queues[gameType]

	var room *Room
	if len(queue) > 0 {
		head := queue[0]
		if head.Started() || head.Full() {
			m.queues[gameType] = queue[1:]
			head.setQueued(false)
		} else {
			room = head
		}
	}

	if room == nil {
		room = NewRoom("", gameType, gt, m.questions, m.rec, m.bc, m)
		room.setQueued(true)
		m.queues[gameType] = append(m.queues[gameType], room)
		m.logger.Info().Str("game_type", gameType).Msg("New pairing room allocated.")
	}

	if joinErr := room.Join(uid); joinErr != nil {
		return RoomInfo{}, joinErr
	}
	m.byUser[uid] = room

	if room.Full() {
		m.dequeueLocked(room)
	}

	return room.Info(), nil
}

// Create allocates a private room with a generated short id, collision-checked
// against the existing private ids. Private rooms never enter a pairing queue;
// they are joined only via their explicit id.
func (m *Matchmaker) Create(uid, gameType string) (RoomInfo, *errs.CustomError) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.byUser[uid]; ok {
		return RoomInfo{}, errs.NewError(errs.ErrGameInRoom)
	}

	gt, ok := m.types[gameType]
	if !ok {
		return RoomInfo{}, errs.NewError(errs.ErrNoGameType)
	}

	var roomID string
	for {
		id, err := randx.RoomID()
		if err != nil {
			m.logger.Error().Err(err).Msg("Failed to generate private room id.")
			return RoomInfo{}, errs.NewError(errs.ErrUnknown)
		}
		if _, taken := m.private[id]; !taken {
			roomID = id
			break
		}
	}

	room := NewRoom(roomID, gameType, gt, m.questions, m.rec, m.bc, m)
	m.private[roomID] = room

	if joinErr := room.Join(uid); joinErr != nil {
		delete(m.private, roomID)
		return RoomInfo{}, joinErr
	}
	m.byUser[uid] = room

	m.logger.Info().Str("room_id", roomID).Str("game_type", gameType).Msg("Private room created.")

	return room.Info(), nil
}

// Join enters a private room by explicit id.
func (m *Matchmaker) Join(uid, roomID string) (RoomInfo, *errs.CustomError) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.byUser[uid]; ok {
		return RoomInfo{}, errs.NewError(errs.ErrGameInRoom)
	}

	room, ok := m.private[roomID]
	if !ok {
		return RoomInfo{}, errs.NewError(errs.ErrRoomNotFound)
	}

	if joinErr := room.Join(uid); joinErr != nil {
		return RoomInfo{}, joinErr
	}
	m.byUser[uid] = room

	return room.Info(), nil
}

// Leave removes the user from their current room. A room that empties before
// its match starts is removed from its owning registry and cleared; a room
// that returned to Filling off-queue is re-enqueued as a pairing candidate.
func (m *Matchmaker) Leave(uid string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	room, ok := m.byUser[uid]
	if !ok {
		return
	}

	res := room.Leave(uid)

	if res.Detached {
		delete(m.byUser, uid)
	}

	if !res.PreStart {
		return
	}

	if res.Empty {
		m.discardLocked(room)
		return
	}

	// Paired rooms dropped from the queue when they filled become candidates
	// again once a seat frees up.
	if room.ID == "" && !room.Queued() {
		room.setQueued(true)
		m.queues[room.GameType] = append(m.queues[room.GameType], room)
	}
}

// Answer forwards an answer to the user's current room, which validates it
// against the active round.
func (m *Matchmaker) Answer(uid string, option, round int) *errs.CustomError {
	m.mu.Lock()
	room, ok := m.byUser[uid]
	m.mu.Unlock()

	if !ok {
		return errs.NewError(errs.ErrBadAnswer)
	}

	return room.Answer(uid, option, round)
}

// RoomOf returns the user's current room, if any.
func (m *Matchmaker) RoomOf(uid string) (*Room, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	room, ok := m.byUser[uid]
	return room, ok
}

// QueueLen returns the pairing queue depth for a game type.
func (m *Matchmaker) QueueLen(gameType string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.queues[gameType])
}

// UserJoined implements Roster. Fresh identities carry no room state.
func (m *Matchmaker) UserJoined(uid string) {}

// UserPending implements Roster: a disconnect-pending user is paused in their
// room (removed from live membership) until resume or eviction.
func (m *Matchmaker) UserPending(uid string) {
	m.mu.Lock()
	room, ok := m.byUser[uid]
	m.mu.Unlock()

	if ok {
		room.MarkAway(uid)
	}
}

// UserResumed implements Roster: a resumed user re-attaches to their room if
// it is still valid.
func (m *Matchmaker) UserResumed(uid string) {
	m.mu.Lock()
	room, ok := m.byUser[uid]
	m.mu.Unlock()

	if ok {
		room.MarkBack(uid)
	}
}

// UserLeft implements Roster: logout or eviction converts into a full leave.
func (m *Matchmaker) UserLeft(uid string) {
	m.Leave(uid)
}

// roomSettled implements roomRegistry: a settled room is dropped from every
// registry and its members released. Called by the room after settlement with
// no room lock held.
func (m *Matchmaker) roomSettled(r *Room) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.discardLocked(r)
}

// dequeueLocked removes a filled room from its pairing queue so the next
// Pair call allocates fresh. The room itself keeps running. Must hold m.mu.
func (m *Matchmaker) dequeueLocked(r *Room) {
	queue := m.queues[r.GameType]
	for i, candidate := range queue {
		if candidate == r {
			m.queues[r.GameType] = append(queue[:i], queue[i+1:]...)
			break
		}
	}
	r.setQueued(false)
}

// discardLocked removes the room from its queue or the private map, drops
// every member index entry, and terminally clears the room so its pending
// timers die out. Must hold m.mu without r's lock.
func (m *Matchmaker) discardLocked(r *Room) {
	if r.ID != "" {
		delete(m.private, r.ID)
	}

	queue := m.queues[r.GameType]
	for i, candidate := range queue {
		if candidate == r {
			m.queues[r.GameType] = append(queue[:i], queue[i+1:]...)
			break
		}
	}
	r.setQueued(false)

	for uid, room := range m.byUser {
		if room == r {
			delete(m.byUser, uid)
		}
	}

	r.clear()

	m.logger.Info().Str("room_id", r.ID).Str("game_type", r.GameType).Msg("Room discarded from registry.")
}

func stringArg(args []json.RawMessage, i int) (string, error) {
	var s string
	if i >= len(args) {
		return "", errs.NewError(errs.ErrParam)
	}
	if err := json.Unmarshal(args[i], &s); err != nil {
		return "", err
	}
	return s, nil
}

func intArg(args []json.RawMessage, i int) (int, error) {
	var n int
	if i >= len(args) {
		return 0, errs.NewError(errs.ErrParam)
	}
	if err := json.Unmarshal(args[i], &n); err != nil {
		return 0, err
	}
	return n, nil
}
