/*
Package game contains the core logic of the trivia backend: the connection gateway,
the session manager, the matchmaker, and the per-match room state machine.

This file defines the contracts of the external collaborator services the core
orchestrates. The core decides when these are invoked and how their results are
multiplexed back to clients; it never defines how credentials are stored, how
answers are scored, or how questions are authored.
*/
package game

import (
	"context"
	"errors"
)

// Sentinel errors surfaced by the auth collaborator.
var (
	// ErrBanned is the distinguished ban signal. It triggers a connection/IP ban
	// instead of a normal error reply.
	ErrBanned = errors.New("identity is banned")

	// ErrAuthFailed indicates invalid credentials.
	ErrAuthFailed = errors.New("invalid credentials")

	// ErrUserExists indicates a registration against a taken username.
	ErrUserExists = errors.New("username already exists")
)

// AuthService resolves credentials to external user ids.
type AuthService interface {
	// Authenticate verifies a username/password pair and returns the uid.
	// Returns ErrAuthFailed on bad credentials and ErrBanned for banned identities.
	Authenticate(ctx context.Context, username, password string) (string, error)

	// Register creates a new account and returns its uid.
	// Returns ErrUserExists when the username is taken.
	Register(ctx context.Context, username, password string) (string, error)
}

// QuestionSet is one match worth of questions with its per-round answer collector.
// A set is owned by the question collaborator but driven by the Room.
type QuestionSet interface {
	// Next advances to the next round. It returns false when no rounds remain.
	Next() bool

	// CurrentID returns the id of the active round's question.
	CurrentID() string

	// Answer records uid's chosen option for the active round. It returns false
	// for an invalid option or a duplicate answer; rejected answers have no
	// side effects.
	Answer(uid string, option int) bool

	// Has reports whether uid already answered the active round.
	Has(uid string) bool

	// Answered returns the number of answers collected for the active round.
	Answered() int

	// Tally returns the option->count tally for the active round.
	Tally() map[int]int

	// Judge finalizes the active round, scoring the collected answers.
	Judge()

	// Settlement computes the per-user final scores for the given full
	// membership. Users who never answered receive the minimum outcome.
	Settlement(users []string) map[string]int

	// QuestionIDs lists the ids of every question in the set.
	QuestionIDs() []string
}

// QuestionService hands out question sets for new matches.
type QuestionService interface {
	RandomSet(ctx context.Context, users []string, count int) (QuestionSet, error)
}

// Recorder is the persistence/sync collaborator: it durably records settled
// matches and reconciles a client's local state on login.
type Recorder interface {
	RecordMatch(ctx context.Context, gameType string, questionIDs []string, users []string, scores map[string]int) error

	// SyncOnLogin compares the client's sync token against the server-side
	// state version and returns a diff, or nil when the client is current.
	SyncOnLogin(ctx context.Context, uid, clientSyncToken string) (map[string]any, error)
}

// Broadcaster delivers an application payload to the connection currently
// bound to a uid. It reports whether the payload was queued for delivery.
type Broadcaster interface {
	SendToUser(uid string, payload any) bool
}

// GameType describes one matchmaking pool: how many players fill a room and
// how many question rounds a match runs.
type GameType struct {
	Capacity      int
	QuestionCount int
}
