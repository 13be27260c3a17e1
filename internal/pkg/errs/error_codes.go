/*
Package errs provides custom error types and application-level error code constants.

These error codes are used to clearly identify specific business or system errors
both internally within the server and in reply payloads sent to clients.
*/
package errs

// 1xxx: Protocol and Request Handling Errors
const (
	// ErrParam indicates that command arguments were malformed or missing.
	ErrParam = 1001

	// ErrNoCmd indicates that the command name could not be routed to any handler.
	ErrNoCmd = 1002

	// ErrBadFrame indicates that an inbound frame could not be decoded.
	ErrBadFrame = 1003

	// ErrRateLimitExceeded indicates that the request rate has exceeded the set limit.
	ErrRateLimitExceeded = 1007
)

// 2xxx: Matchmaking and Room Errors
const (
	// ErrNoGameType indicates that an unknown game type was requested for pairing.
	ErrNoGameType = 2001

	// ErrGameInRoom indicates a pairing or join attempt while already in a room.
	ErrGameInRoom = 2002

	// ErrRoomNotFound indicates that the requested private room id does not exist.
	ErrRoomNotFound = 2003

	// ErrRoomFull indicates that the room being joined has reached capacity.
	ErrRoomFull = 2004

	// ErrRoomStarted indicates a join attempt against a room whose match already began.
	ErrRoomStarted = 2005

	// ErrBadAnswer indicates an answer for a stale round, an invalid option,
	// or a duplicate submission.
	ErrBadAnswer = 2101
)

// 3xxx: Identity and Session Errors
const (
	// ErrNoAuth indicates unauthenticated access to a protected command.
	ErrNoAuth = 3001

	// ErrAuthLimit indicates a rate-limited auth attempt inside the lock window.
	ErrAuthLimit = 3002

	// ErrAuthFailed indicates bad credentials on login.
	ErrAuthFailed = 3003

	// ErrUserExists indicates a registration attempt for a taken username.
	ErrUserExists = 3004

	// ErrResumeRejected indicates a resume whose claimed uid does not match the
	// uid recorded for the prior connection id.
	ErrResumeRejected = 3005

	// ErrSessionKicked indicates that the connection was replaced by a newer
	// login for the same identity.
	ErrSessionKicked = 3006
)

// 5xxx: Internal System Errors
const (
	// ErrUnknown represents an unclassified, general server internal error.
	ErrUnknown = 5000
)
