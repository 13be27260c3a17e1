/*
Package game contains the core logic of the trivia backend.

This file defines the Room, the per-match state machine:
Filling -> Starting (countdown) -> Active (round loop) -> Settling (terminal).
A room batches membership churn and answer tallies into a recurring window,
debounces round-completion checks, and triggers settlement through the
persistence collaborator once its rounds are exhausted.
*/
package game

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"triviad/internal/pkg/errs"
	"triviad/internal/pkg/logx"
)

// RoomState enumerates the state machine stages.
type RoomState int

const (
	// StateFilling accepts joins up to capacity.
	StateFilling RoomState = iota

	// StateStarting runs the pre-match countdown after the room fills.
	StateStarting

	// StateActive runs the per-round question loop.
	StateActive

	// StateSettled is terminal: the room is cleared and no operation is valid.
	StateSettled
)

const (
	// batchWindow is the recurring interval that coalesces membership churn
	// and answer tallies into single broadcasts.
	batchWindow = 5 * time.Second

	// startCountdown runs between the room filling and the first round.
	startCountdown = 3 * time.Second

	// answerDebounce is the delay absorbing near-simultaneous answers before
	// the round-completion check runs.
	answerDebounce = 3 * time.Second
)

// Push notices broadcast to room members.
type (
	// RosterNotice carries the net membership change of one batch window.
	RosterNotice struct {
		Type   string   `json:"type"`
		Joined []string `json:"joined,omitempty"`
		Left   []string `json:"left,omitempty"`
		Size   int      `json:"size"`
	}

	// ReadyNotice announces the countdown to match start.
	ReadyNotice struct {
		Type      string `json:"type"`
		Countdown int    `json:"countdown"`
	}

	// PendingNotice announces that the countdown lapsed without a full room.
	PendingNotice struct {
		Type string `json:"type"`
		Size int    `json:"size"`
	}

	// QuestionNotice announces the active round's question.
	QuestionNotice struct {
		Type       string `json:"type"`
		Round      int    `json:"round"`
		QuestionID string `json:"questionId"`
	}

	// TallyNotice carries the batched option tally of the active round.
	TallyNotice struct {
		Type   string      `json:"type"`
		Round  int         `json:"round"`
		Counts map[int]int `json:"counts"`
	}

	// SettlementNotice carries the final per-user scores.
	SettlementNotice struct {
		Type   string         `json:"type"`
		Scores map[string]int `json:"scores"`
	}
)

// roomRegistry is the owning registry's callback surface. Invoked by the room
// only after its own lock is released.
type roomRegistry interface {
	roomSettled(r *Room)
}

// leaveResult reports the membership effect of a Leave to the matchmaker.
type leaveResult struct {
	// Detached is true when the user was removed from `users` entirely
	// (only possible before the match starts).
	Detached bool

	// Empty is true when no members remain.
	Empty bool

	// PreStart is true when the room is still accepting players.
	PreStart bool
}

// Room is one scheduled match instance with its own membership and round state.
type Room struct {
	// ID is set only for private rooms; paired rooms are reachable solely
	// through the pairing queue.
	ID string

	// GameType names the matchmaking pool this room belongs to.
	GameType string

	// Capacity is the fixed player count required to start.
	Capacity int

	questionCount int

	// mu protects all mutable state below. Room state is mutated only through
	// the room's own methods.
	mu sync.Mutex

	// users is the full membership, authoritative for settlement.
	users map[string]struct{}

	// live is the subset of users currently connected. |live| <= |users| <= Capacity.
	live map[string]struct{}

	state RoomState

	// queued marks whether the room currently sits in its type's pairing queue.
	// Toggled only by the matchmaker.
	queued bool

	// round is the current round index, starting at 1 once active.
	round int

	set QuestionSet

	// tallyDirty marks that answers arrived since the last batch flush.
	tallyDirty bool

	// snapshot is the membership at the previous batch window.
	snapshot []string

	// Timer generations implement cooperative cancellation: a fired timer
	// re-checks its generation under the lock and no-ops when superseded.
	batchGen      int
	countdownGen  int
	debounceGen   int
	debounceArmed bool

	questions QuestionService
	rec       Recorder
	bc        Broadcaster
	registry  roomRegistry

	logger zerolog.Logger
}

// NewRoom creates a room in the Filling state and starts its batch window.
// id is empty for paired rooms.
func NewRoom(id, gameType string, gt GameType, questions QuestionService, rec Recorder, bc Broadcaster, registry roomRegistry) *Room {
	roomLogger := logx.Logger().With().
		Str("component", "room").
		Str("game_type", gameType).
		Str("room_id", id).
		Logger()

	r := &Room{
		ID:            id,
		GameType:      gameType,
		Capacity:      gt.Capacity,
		questionCount: gt.QuestionCount,
		users:         make(map[string]struct{}),
		live:          make(map[string]struct{}),
		state:         StateFilling,
		questions:     questions,
		rec:           rec,
		bc:            bc,
		registry:      registry,
		logger:        roomLogger,
	}

	r.mu.Lock()
	r.armBatch()
	r.mu.Unlock()

	return r
}

// State returns the current state machine stage.
func (r *Room) State() RoomState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// Started reports whether the room has left the Filling stage.
func (r *Room) Started() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state != StateFilling
}

// Full reports whether membership has reached capacity.
func (r *Room) Full() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.users) >= r.Capacity
}

// Size returns the current membership count.
func (r *Room) Size() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.users)
}

// LiveCount returns the number of currently connected members.
func (r *Room) LiveCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.live)
}

// Round returns the active round index (0 before the match starts).
func (r *Room) Round() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.round
}

// Users returns the full membership in sorted order.
func (r *Room) Users() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return sortedKeys(r.users)
}

// Has reports whether uid belongs to the room's full membership.
func (r *Room) Has(uid string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.users[uid]
	return ok
}

// Queued reports whether the matchmaker currently has the room enqueued.
func (r *Room) Queued() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.queued
}

func (r *Room) setQueued(v bool) {
	r.mu.Lock()
	r.queued = v
	r.mu.Unlock()
}

// RoomInfo is the reply payload describing a room to a joining client.
type RoomInfo struct {
	RoomID   string `json:"roomId,omitempty"`
	GameType string `json:"gameType"`
	Size     int    `json:"size"`
	Capacity int    `json:"capacity"`
}

// Info snapshots the room for a command reply.
func (r *Room) Info() RoomInfo {
	r.mu.Lock()
	defer r.mu.Unlock()

	return RoomInfo{
		RoomID:   r.ID,
		GameType: r.GameType,
		Size:     len(r.users),
		Capacity: r.Capacity,
	}
}

// Join adds a user to the room. The instant membership reaches capacity the
// room transitions to Starting: a ready notice with the countdown duration is
// broadcast immediately and the countdown begins.
func (r *Room) Join(uid string) *errs.CustomError {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.state == StateSettled || r.state == StateActive {
		return errs.NewError(errs.ErrRoomStarted)
	}
	if len(r.users) >= r.Capacity {
		return errs.NewError(errs.ErrRoomFull)
	}
	if _, ok := r.users[uid]; ok {
		return errs.NewError(errs.ErrGameInRoom)
	}

	r.users[uid] = struct{}{}
	r.live[uid] = struct{}{}

	r.logger.Info().
		Str("uid", uid).
		Int("size", len(r.users)).
		Msg("User joined room.")

	if len(r.users) == r.Capacity && r.state == StateFilling {
		r.state = StateStarting
		r.push(ReadyNotice{Type: "ready", Countdown: int(startCountdown.Seconds())})
		r.armCountdown()
	}

	return nil
}

// Leave removes a user. Before the match starts the user is removed entirely;
// during Active only `live` shrinks, since `users` stays authoritative for
// settlement, and the round-completion check re-runs so a round never waits
// indefinitely on a departed player.
func (r *Room) Leave(uid string) leaveResult {
	r.mu.Lock()

	if _, ok := r.users[uid]; !ok {
		res := leaveResult{PreStart: r.state == StateFilling || r.state == StateStarting, Empty: len(r.users) == 0}
		r.mu.Unlock()
		return res
	}

	switch r.state {
	case StateFilling, StateStarting:
		delete(r.users, uid)
		delete(r.live, uid)

		if r.state == StateStarting {
			// Countdown continues; the elapse check notices the vacancy and
			// falls back to Filling. Dropping to Filling here keeps joins open.
			r.state = StateFilling
		}

		res := leaveResult{Detached: true, Empty: len(r.users) == 0, PreStart: true}
		r.logger.Info().Str("uid", uid).Int("size", len(r.users)).Msg("User left room before start.")
		r.mu.Unlock()
		return res

	case StateActive:
		delete(r.live, uid)
		r.logger.Info().Str("uid", uid).Int("live", len(r.live)).Msg("User left mid-match.")

		job := r.completeIfReady()
		r.mu.Unlock()

		if job != nil {
			go r.finishSettlement(job)
		}
		return leaveResult{}

	default:
		r.mu.Unlock()
		return leaveResult{}
	}
}

// MarkAway removes a disconnect-pending member from `live` without touching
// `users`. During Active the completion check re-runs.
func (r *Room) MarkAway(uid string) {
	r.mu.Lock()

	if _, ok := r.users[uid]; !ok {
		r.mu.Unlock()
		return
	}

	delete(r.live, uid)

	var job *settlementJob
	if r.state == StateActive {
		job = r.completeIfReady()
	}
	r.mu.Unlock()

	if job != nil {
		go r.finishSettlement(job)
	}
}

// MarkBack re-attaches a resumed member to `live` if they are still part of
// the room.
func (r *Room) MarkBack(uid string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.state == StateSettled {
		return
	}

	if _, ok := r.users[uid]; ok {
		r.live[uid] = struct{}{}
	}
}

// Answer records uid's option for the given round. Only the active round
// accepts answers, once per user, and only declared options; rejects have no
// side effects. An accepted answer marks the tally dirty for the next batch
// flush and arms the debounced completion check.
func (r *Room) Answer(uid string, option, round int) *errs.CustomError {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.state != StateActive || round != r.round {
		return errs.NewError(errs.ErrBadAnswer)
	}
	if _, ok := r.users[uid]; !ok {
		return errs.NewError(errs.ErrBadAnswer)
	}
	if !r.set.Answer(uid, option) {
		return errs.NewError(errs.ErrBadAnswer)
	}

	r.tallyDirty = true

	if !r.debounceArmed {
		r.armDebounce()
	}

	return nil
}

// armBatch schedules the next batch window tick. Must hold r.mu.
func (r *Room) armBatch() {
	r.batchGen++
	gen := r.batchGen
	time.AfterFunc(batchWindow, func() { r.batchFire(gen) })
}

// batchFire flushes the coalesced membership diff and answer tally, then
// re-arms the window. A stale generation or a settled room no-ops.
func (r *Room) batchFire(gen int) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if gen != r.batchGen || r.state == StateSettled {
		return
	}

	current := sortedKeys(r.users)
	joined, left := diffMembers(r.snapshot, current)
	r.snapshot = current

	if len(joined) > 0 || len(left) > 0 {
		r.push(RosterNotice{Type: "roster", Joined: joined, Left: left, Size: len(current)})
	}

	if r.tallyDirty && r.state == StateActive {
		r.push(TallyNotice{Type: "tally", Round: r.round, Counts: r.set.Tally()})
		r.tallyDirty = false
	}

	r.armBatch()
}

// armCountdown schedules the start countdown. Must hold r.mu.
func (r *Room) armCountdown() {
	r.countdownGen++
	gen := r.countdownGen
	time.AfterFunc(startCountdown, func() { r.countdownFire(gen) })
}

// countdownFire re-checks capacity after the countdown elapses: a still-full
// room activates and begins round 1; otherwise a pending notice goes out and
// the room stays in Filling.
func (r *Room) countdownFire(gen int) {
	r.mu.Lock()

	if gen != r.countdownGen || r.state == StateSettled || r.state == StateActive {
		r.mu.Unlock()
		return
	}

	if len(r.users) < r.Capacity {
		r.state = StateFilling
		r.push(PendingNotice{Type: "pending", Size: len(r.users)})
		r.logger.Info().Int("size", len(r.users)).Msg("Countdown lapsed below capacity. Back to filling.")
		r.mu.Unlock()
		return
	}

	users := sortedKeys(r.users)
	r.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), collaboratorTimeout)
	set, err := r.questions.RandomSet(ctx, users, r.questionCount)
	cancel()

	r.mu.Lock()
	defer r.mu.Unlock()

	if gen != r.countdownGen || r.state == StateSettled {
		return
	}

	if err != nil {
		r.logger.Error().Err(err).Msg("Failed to fetch question set. Back to filling.")
		r.state = StateFilling
		r.push(PendingNotice{Type: "pending", Size: len(r.users)})
		return
	}

	if len(r.users) < r.Capacity {
		r.state = StateFilling
		r.push(PendingNotice{Type: "pending", Size: len(r.users)})
		return
	}

	r.state = StateActive
	r.set = set
	r.round = 0
	r.advanceRound()
}

// advanceRound steps the question set forward and broadcasts the new round's
// question id. Must hold r.mu with state Active; returns the settlement job
// when the set is exhausted.
func (r *Room) advanceRound() *settlementJob {
	if !r.set.Next() {
		return r.settleLocked()
	}

	r.round++
	r.tallyDirty = false
	r.debounceArmed = false
	r.debounceGen++

	r.push(QuestionNotice{Type: "question", Round: r.round, QuestionID: r.set.CurrentID()})
	r.logger.Info().Int("round", r.round).Str("question_id", r.set.CurrentID()).Msg("Round started.")

	return nil
}

// armDebounce schedules the debounced completion check. Must hold r.mu.
func (r *Room) armDebounce() {
	r.debounceArmed = true
	r.debounceGen++
	gen := r.debounceGen
	time.AfterFunc(answerDebounce, func() { r.debounceFire(gen) })
}

// debounceFire runs the deferred completion check. The delay absorbs
// near-simultaneous answers before evaluating; an unsatisfied check simply
// waits for the next qualifying event to re-arm.
func (r *Room) debounceFire(gen int) {
	r.mu.Lock()

	if gen != r.debounceGen || r.state != StateActive {
		r.mu.Unlock()
		return
	}

	r.debounceArmed = false

	job := r.completeIfReady()
	r.mu.Unlock()

	if job != nil {
		go r.finishSettlement(job)
	}
}

// completeIfReady finalizes the round when every live member has answered:
// the collaborator judges the round and the room advances. Must hold r.mu with
// state Active. Returns a settlement job when the match just ended.
func (r *Room) completeIfReady() *settlementJob {
	if r.state != StateActive || r.set == nil {
		return nil
	}

	// Advancing can immediately satisfy the next round when no live members
	// remain, so the check loops until an unfinished round or settlement.
	for r.state == StateActive && r.set.Answered() >= len(r.live) {
		r.set.Judge()
		r.logger.Info().Int("round", r.round).Msg("Round finalized.")

		if job := r.advanceRound(); job != nil {
			return job
		}
	}

	return nil
}

// settlementJob captures everything needed to persist a finished match after
// the room lock is released.
type settlementJob struct {
	gameType    string
	questionIDs []string
	users       []string
	scores      map[string]int
}

// settleLocked broadcasts the settlement, clears the room, and returns the
// persistence job. Must hold r.mu.
func (r *Room) settleLocked() *settlementJob {
	users := sortedKeys(r.users)
	scores := r.set.Settlement(users)

	r.push(SettlementNotice{Type: "settlement", Scores: scores})

	job := &settlementJob{
		gameType:    r.GameType,
		questionIDs: r.set.QuestionIDs(),
		users:       users,
		scores:      scores,
	}

	// Terminal: reset membership, round state, and all batch/debounce timers.
	r.state = StateSettled
	r.users = make(map[string]struct{})
	r.live = make(map[string]struct{})
	r.round = 0
	r.set = nil
	r.snapshot = nil
	r.tallyDirty = false
	r.batchGen++
	r.countdownGen++
	r.debounceGen++
	r.debounceArmed = false

	r.logger.Info().Msg("Match settled. Room cleared.")

	return job
}

// clear terminally discards a room that never reached settlement: membership
// and round state drop, and every timer generation bumps so a pending batch,
// countdown, or debounce fire no-ops instead of re-arming. Idempotent; a room
// already settled stays settled.
func (r *Room) clear() {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.state == StateSettled {
		return
	}

	r.state = StateSettled
	r.users = make(map[string]struct{})
	r.live = make(map[string]struct{})
	r.round = 0
	r.set = nil
	r.snapshot = nil
	r.tallyDirty = false
	r.batchGen++
	r.countdownGen++
	r.debounceGen++
	r.debounceArmed = false
}

// finishSettlement persists the match record and removes the room from its
// registry. Runs on its own goroutine with no locks held, since the caller may
// sit inside a matchmaker operation; a failed record is logged, not retried.
func (r *Room) finishSettlement(job *settlementJob) {
	if r.rec != nil {
		ctx, cancel := context.WithTimeout(context.Background(), collaboratorTimeout)
		err := r.rec.RecordMatch(ctx, job.gameType, job.questionIDs, job.users, job.scores)
		cancel()

		if err != nil {
			r.logger.Error().Err(err).Msg("Failed to record settled match.")
		}
	}

	if r.registry != nil {
		r.registry.roomSettled(r)
	}
}

// push broadcasts a notice to every live member. Delivery failures are
// reported by the broadcaster and intentionally ignored here.
func (r *Room) push(payload any) {
	for uid := range r.live {
		r.bc.SendToUser(uid, payload)
	}
}

// sortedKeys returns the map's keys in sorted order.
func sortedKeys(m map[string]struct{}) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// diffMembers computes the net joiners and leavers between two sorted
// membership snapshots.
func diffMembers(prev, current []string) (joined, left []string) {
	prevSet := make(map[string]struct{}, len(prev))
	for _, uid := range prev {
		prevSet[uid] = struct{}{}
	}

	currentSet := make(map[string]struct{}, len(current))
	for _, uid := range current {
		currentSet[uid] = struct{}{}
	}

	for _, uid := range current {
		if _, ok := prevSet[uid]; !ok {
			joined = append(joined, uid)
		}
	}
	for _, uid := range prev {
		if _, ok := currentSet[uid]; !ok {
			left = append(left, uid)
		}
	}

	return joined, left
}
