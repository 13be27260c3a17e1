/*
Package errs provides custom error types and application-level error code constants.

This file defines the map from error codes to the CustomError struct, used to standardize
reply payloads and internal error handling.
*/
package errs

import "net/http"

// errorMap stores the detailed CustomError struct corresponding to every application error code.
// The key is the error code (int), and the value contains the user message and HTTP status code
// (for errors that can surface on the HTTP upgrade path).
var errorMap = map[int]CustomError{
	// 1xxx: Protocol and Request Handling Errors
	ErrParam:             {Code: ErrParam, Message: "Invalid command arguments."},
	ErrNoCmd:             {Code: ErrNoCmd, Message: "Unknown command."},
	ErrBadFrame:          {Code: ErrBadFrame, Message: "Unreadable message frame."},
	ErrRateLimitExceeded: {Code: ErrRateLimitExceeded, Message: "Too many requests. Please try again later.", Status: http.StatusTooManyRequests},

	// 2xxx: Matchmaking and Room Errors
	ErrNoGameType:   {Code: ErrNoGameType, Message: "Unknown game type."},
	ErrGameInRoom:   {Code: ErrGameInRoom, Message: "You are already in a match."},
	ErrRoomNotFound: {Code: ErrRoomNotFound, Message: "Room not found."},
	ErrRoomFull:     {Code: ErrRoomFull, Message: "This room is full."},
	ErrRoomStarted:  {Code: ErrRoomStarted, Message: "This match has already started."},
	ErrBadAnswer:    {Code: ErrBadAnswer, Message: "Answer rejected."},

	// 3xxx: Identity and Session Errors
	ErrNoAuth:         {Code: ErrNoAuth, Message: "Please sign in to continue."},
	ErrAuthLimit:      {Code: ErrAuthLimit, Message: "Too many sign-in attempts. Please wait a moment."},
	ErrAuthFailed:     {Code: ErrAuthFailed, Message: "Incorrect username or password."},
	ErrUserExists:     {Code: ErrUserExists, Message: "Username is already taken."},
	ErrResumeRejected: {Code: ErrResumeRejected, Message: "Session could not be resumed."},
	ErrSessionKicked:  {Code: ErrSessionKicked, Message: "You were signed in on another device."},

	// 5xxx: Internal System Errors
	ErrUnknown: {Code: ErrUnknown, Message: "Something went wrong. Please try again.", Status: http.StatusInternalServerError},
}
