/*
Package game contains the core logic of the trivia backend.

This file defines the SessionManager, which binds connection identity to user
identity. It dispatches protocol messages by their leading tag, runs the
rate-limited auth flow, validates reconnect/resume requests, and evicts
identities whose connection dropped once a grace period elapses. Authenticated
game commands are forwarded to the command router (the matchmaker) and room
broadcasts flow back through SendToUser.
*/
package game

import (
	"context"
	"encoding/json"
	"regexp"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/rs/zerolog"

	"triviad/internal/pkg/errs"
	"triviad/internal/pkg/limiter"
	"triviad/internal/pkg/logx"
	"triviad/internal/pkg/randx"
	"triviad/internal/pkg/wire"
)

const (
	// DefaultGraceHold is how long a dropped authenticated connection may
	// resume before its identity is evicted.
	DefaultGraceHold = time.Minute

	// DefaultAuthWindow is the auth rate-limit lock window.
	DefaultAuthWindow = 5 * time.Second

	// collaboratorTimeout bounds every call into an external collaborator.
	collaboratorTimeout = 5 * time.Second
)

var (
	usernameRegex = regexp.MustCompile(`^[a-z0-9_]{4,20}$`)
)

// Roster observes identity lifecycle transitions. Implemented by the Matchmaker.
type Roster interface {
	// UserJoined fires after a successful register/login/guest auth.
	UserJoined(uid string)

	// UserPending fires when an authenticated connection drops and the
	// identity enters its grace period.
	UserPending(uid string)

	// UserResumed fires when a pending identity rebinds to a live connection.
	UserResumed(uid string)

	// UserLeft fires on logout or grace-period eviction.
	UserLeft(uid string)
}

// CommandRouter dispatches authenticated generic commands. Implemented by the
// Matchmaker.
type CommandRouter interface {
	Dispatch(uid, cmd string, args []json.RawMessage) (any, *errs.CustomError)
}

// SessionConfig carries the session manager's tunables.
type SessionConfig struct {
	// Hold is the grace period before a dropped identity is evicted.
	Hold time.Duration

	// AuthWindow is the auth rate-limit lock window.
	AuthWindow time.Duration

	// ServerVersion is reported in the CONNECT reply metadata.
	ServerVersion string
}

// SessionManager maps connection ids to user ids and routes the wire protocol.
type SessionManager struct {
	cfg SessionConfig

	// mu protects the binding maps, the pending eviction table, and guestSeq.
	mu sync.Mutex

	// uidByConn maps connection id to bound uid. Entries survive a raw
	// disconnect until the grace period expires, so a resume request can be
	// validated against the uid recorded for the prior connection id.
	uidByConn map[string]string

	// connByUID maps uid to its most recent connection id. At most one live
	// connection per uid: a second successful login force-closes the first.
	connByUID map[string]string

	// pending maps a uid whose connection dropped to its eviction deadline.
	pending map[string]time.Time

	// guestSeq is the local monotonic counter behind guest id allocation.
	guestSeq int64

	corr     *corrTable
	authLock *limiter.KeyedWindow

	gw     *Gateway
	auth   AuthService
	rec    Recorder
	roster Roster
	router CommandRouter

	logger zerolog.Logger
}

// NewSessionManager constructs a SessionManager on top of the given gateway and
// collaborators. The roster and command router are attached separately because
// the matchmaker needs the session manager as its broadcaster.
func NewSessionManager(cfg SessionConfig, gw *Gateway, auth AuthService, rec Recorder) *SessionManager {
	if cfg.Hold <= 0 {
		cfg.Hold = DefaultGraceHold
	}
	if cfg.AuthWindow <= 0 {
		cfg.AuthWindow = DefaultAuthWindow
	}

	sessionLogger := logx.Logger().With().Str("component", "session").Logger()

	return &SessionManager{
		cfg:       cfg,
		uidByConn: make(map[string]string),
		connByUID: make(map[string]string),
		pending:   make(map[string]time.Time),
		corr:      newCorrTable(),
		authLock:  limiter.NewKeyedWindow(cfg.AuthWindow),
		gw:        gw,
		auth:      auth,
		rec:       rec,
		logger:    sessionLogger,
	}
}

// AttachRouter wires the matchmaker in as roster observer and command router.
func (s *SessionManager) AttachRouter(roster Roster, router CommandRouter) {
	s.roster = roster
	s.router = router
}

// UID returns the identity bound to a connection id, if any.
func (s *SessionManager) UID(connID string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	uid, ok := s.uidByConn[connID]
	return uid, ok
}

// SendToUser implements Broadcaster: it resolves the uid to its bound
// connection and delivers the payload as a unicast MESSAGE tuple.
func (s *SessionManager) SendToUser(uid string, payload any) bool {
	s.mu.Lock()
	connID, ok := s.connByUID[uid]
	s.mu.Unlock()

	if !ok {
		return false
	}

	return s.gw.Send(connID, []any{wire.TagMessage, payload})
}

// Ping sends a liveness probe to the given connection. The returned channel is
// closed when the matching PONG arrives; the correlation entry is dropped if
// the reply never comes within the write deadline window.
func (s *SessionManager) Ping(connID string) <-chan struct{} {
	done := make(chan struct{})

	id := s.corr.Register(func([]json.RawMessage) {
		close(done)
	})

	if !s.gw.Send(connID, []any{wire.TagPing, id}) {
		s.corr.Drop(id)
		close(done)
	}

	return done
}

// HandleFrame decodes an inbound frame and dispatches it by its leading tag.
// Malformed frames are dropped silently; they never crash shared state.
func (s *SessionManager) HandleFrame(connID string, frame []byte) {
	tuple, err := wire.Decode(frame)
	if err != nil {
		s.logger.Warn().Err(err).Str("conn_id", connID).Msg("Dropping undecodable frame")
		return
	}

	tag, corrID, isTag, err := wire.Head(tuple)
	if err != nil {
		s.logger.Warn().Err(err).Str("conn_id", connID).Msg("Dropping frame with unreadable head")
		return
	}

	if !isTag {
		s.handleCommand(connID, corrID, tuple[1:])
		return
	}

	switch tag {
	case wire.TagPing:
		s.handlePing(connID, tuple[1:])

	case wire.TagPong:
		s.handlePong(tuple[1:])

	case wire.TagMessage:
		s.handleUnicast(connID, tuple[1:])

	case wire.TagBroadcast:
		s.handleFanout(tuple[1:])

	case wire.TagConnect:
		s.handleConnect(connID)

	case wire.TagResume:
		s.handleResume(connID, tuple[1:])

	case wire.TagAuth:
		s.handleAuth(connID, tuple[1:])

	case wire.TagLogout:
		s.handleLogout(connID)

	default:
		s.logger.Warn().Int("tag", tag).Str("conn_id", connID).Msg("Dropping frame with unknown tag")
	}
}

// handlePing replies PONG immediately, echoing the probe payload.
func (s *SessionManager) handlePing(connID string, payload []json.RawMessage) {
	reply := make([]any, 0, len(payload)+1)
	reply = append(reply, wire.TagPong)
	for _, elem := range payload {
		reply = append(reply, elem)
	}

	s.gw.Send(connID, reply)
}

// handlePong resolves the pending probe matching the echoed correlation id.
func (s *SessionManager) handlePong(payload []json.RawMessage) {
	if len(payload) == 0 {
		return
	}

	id, err := wire.String(payload, 0)
	if err != nil {
		return
	}

	s.corr.Resolve(id, payload[1:])
}

// handleUnicast delivers an application payload to the addressed connection.
func (s *SessionManager) handleUnicast(connID string, payload []json.RawMessage) {
	if len(payload) < 2 {
		s.logger.Warn().Str("conn_id", connID).Msg("Dropping MESSAGE with missing target or payload")
		return
	}

	target, err := wire.String(payload, 0)
	if err != nil {
		return
	}

	s.gw.Send(target, []any{wire.TagMessage, payload[1]})
}

// handleFanout delivers an application payload to all connections.
func (s *SessionManager) handleFanout(payload []json.RawMessage) {
	if len(payload) == 0 {
		return
	}

	s.gw.Broadcast([]any{wire.TagBroadcast, payload[0]})
}

// handleConnect replies with server metadata and the connection's assigned id.
// No prior identity is required.
func (s *SessionManager) handleConnect(connID string) {
	info := map[string]any{
		"version": s.cfg.ServerVersion,
		"time":    time.Now().Unix(),
	}

	s.gw.Send(connID, []any{wire.TagConnect, info, connID})
}

// handleResume validates a reconnect request carrying the prior connection id
// and the claimed uid. The claimed uid must match the uid recorded for the
// prior connection id; a mismatch fails without mutating any binding, so an
// identity cannot be hijacked by guessing a stale connection id.
func (s *SessionManager) handleResume(connID string, payload []json.RawMessage) {
	priorConnID, err1 := wire.String(payload, 0)
	claimedUID, err2 := wire.String(payload, 1)
	if err1 != nil || err2 != nil {
		s.gw.Send(connID, []any{wire.TagResume, errs.ErrParam})
		return
	}

	s.mu.Lock()
	recordedUID, ok := s.uidByConn[priorConnID]
	if !ok || recordedUID != claimedUID {
		s.mu.Unlock()
		s.logger.Warn().
			Str("conn_id", connID).
			Str("prior_conn_id", priorConnID).
			Msg("Resume rejected: no matching binding for prior connection.")
		s.gw.Send(connID, []any{wire.TagResume, errs.ErrResumeRejected})
		return
	}

	delete(s.uidByConn, priorConnID)
	delete(s.pending, claimedUID)
	s.uidByConn[connID] = claimedUID
	s.connByUID[claimedUID] = connID
	s.mu.Unlock()

	// The prior connection may still linger in the gateway (resume can race
	// its disconnect); close it so only the new binding stays live.
	if priorConnID != connID {
		s.gw.Close(priorConnID, "session resumed on new connection")
	}

	s.logger.Info().
		Str("conn_id", connID).
		Str("uid", claimedUID).
		Msg("Session resumed.")

	s.gw.Send(connID, []any{wire.TagResume, 0, map[string]any{"uid": claimedUID}})

	if s.roster != nil {
		s.roster.UserResumed(claimedUID)
	}
}

// handleAuth runs the register/login/guest flow. Attempts are locked per
// connection id and per username for the configured window; locked attempts
// are rejected with AUTH_LIMIT before the collaborator is touched.
func (s *SessionManager) handleAuth(connID string, payload []json.RawMessage) {
	subtype, err := wire.Int(payload, 0)
	if err != nil {
		s.gw.Send(connID, []any{wire.TagAuth, errs.ErrParam})
		return
	}

	var username, password, syncToken string
	if len(payload) > 1 {
		username, _ = wire.String(payload, 1)
	}
	if len(payload) > 2 {
		password, _ = wire.String(payload, 2)
	}
	if len(payload) > 3 {
		syncToken, _ = wire.String(payload, 3)
	}

	if !s.authLock.Allow("conn:" + connID) {
		s.gw.Send(connID, []any{wire.TagAuth, errs.ErrAuthLimit})
		return
	}
	if username != "" && !s.authLock.Allow("user:"+username) {
		s.gw.Send(connID, []any{wire.TagAuth, errs.ErrAuthLimit})
		return
	}

	// Any existing binding for this connection is logged out first.
	s.unbindConn(connID)

	var (
		uid      string
		userType string
	)

	switch subtype {
	case wire.AuthGuest:
		uid = s.nextGuestID()
		userType = "guest"

	case wire.AuthLogin:
		userType = "authenticated"
		ctx, cancel := context.WithTimeout(context.Background(), collaboratorTimeout)
		resolved, authErr := s.auth.Authenticate(ctx, username, password)
		cancel()

		switch {
		case authErr == ErrBanned:
			s.logger.Warn().Str("conn_id", connID).Msg("Auth collaborator returned ban signal.")
			s.gw.Ban(connID)
			return
		case authErr != nil || resolved == "":
			s.gw.Send(connID, []any{wire.TagAuth, errs.ErrAuthFailed})
			return
		}
		uid = resolved

	case wire.AuthRegister:
		userType = "registered"
		if !usernameRegex.MatchString(username) {
			s.gw.Send(connID, []any{wire.TagAuth, errs.ErrParam})
			return
		}
		if passwordLen := utf8.RuneCountInString(password); passwordLen < 6 || passwordLen > 50 {
			s.gw.Send(connID, []any{wire.TagAuth, errs.ErrParam})
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), collaboratorTimeout)
		resolved, regErr := s.auth.Register(ctx, username, password)
		cancel()

		switch {
		case regErr == ErrUserExists:
			s.gw.Send(connID, []any{wire.TagAuth, errs.ErrUserExists})
			return
		case regErr != nil || resolved == "":
			s.gw.Send(connID, []any{wire.TagAuth, errs.ErrAuthFailed})
			return
		}
		uid = resolved

	default:
		s.gw.Send(connID, []any{wire.TagAuth, errs.ErrParam})
		return
	}

	s.bind(connID, uid)

	result := map[string]any{
		"uid":      uid,
		"userType": userType,
	}

	if subtype == wire.AuthLogin && s.rec != nil {
		ctx, cancel := context.WithTimeout(context.Background(), collaboratorTimeout)
		diff, syncErr := s.rec.SyncOnLogin(ctx, uid, syncToken)
		cancel()

		if syncErr != nil {
			s.logger.Error().Err(syncErr).Str("uid", uid).Msg("Login sync failed.")
		} else if diff != nil {
			result["sync"] = diff
		}
	}

	s.gw.Send(connID, []any{wire.TagAuth, 0, result})

	if s.roster != nil {
		s.roster.UserJoined(uid)
	}
}

// handleLogout removes the connection's identity binding and emits a leave.
func (s *SessionManager) handleLogout(connID string) {
	s.unbindConn(connID)
	s.gw.Send(connID, []any{wire.TagLogout, 0})
}

// handleCommand routes an authenticated generic command and replies with the
// correlation id chosen by the client.
func (s *SessionManager) handleCommand(connID, corrID string, payload []json.RawMessage) {
	uid, ok := s.UID(connID)
	if !ok {
		s.gw.Send(connID, []any{corrID, errs.ErrNoAuth})
		return
	}

	if len(payload) == 0 {
		s.gw.Send(connID, []any{corrID, errs.ErrParam})
		return
	}

	cmd, err := wire.String(payload, 0)
	if err != nil {
		s.gw.Send(connID, []any{corrID, errs.ErrParam})
		return
	}

	if s.router == nil {
		s.gw.Send(connID, []any{corrID, errs.ErrNoCmd})
		return
	}

	result, cmdErr := s.router.Dispatch(uid, cmd, payload[1:])
	if cmdErr != nil {
		s.gw.Send(connID, []any{corrID, cmdErr.Code})
		return
	}

	if result == nil {
		s.gw.Send(connID, []any{corrID, 0})
		return
	}

	s.gw.Send(connID, []any{corrID, 0, result})
}

// HandleDisconnect records a grace-period eviction deadline for the identity
// bound to a dropped connection, instead of unbinding immediately. This
// absorbs transient network drops without evicting a player mid-match.
func (s *SessionManager) HandleDisconnect(connID string) {
	s.mu.Lock()
	uid, ok := s.uidByConn[connID]
	if !ok {
		s.mu.Unlock()
		return
	}

	s.pending[uid] = time.Now().Add(s.cfg.Hold)
	s.mu.Unlock()

	s.logger.Info().
		Str("conn_id", connID).
		Str("uid", uid).
		Dur("hold", s.cfg.Hold).
		Msg("Connection dropped. Identity held pending resume.")

	if s.roster != nil {
		s.roster.UserPending(uid)
	}
}

// SweepEvictions unbinds every identity whose grace period has elapsed and
// emits a leave for each. Driven by the periodic sweep schedule.
func (s *SessionManager) SweepEvictions() {
	now := time.Now()

	s.mu.Lock()
	evicted := make([]string, 0)
	for uid, deadline := range s.pending {
		if now.Before(deadline) {
			continue
		}

		delete(s.pending, uid)
		if connID, ok := s.connByUID[uid]; ok {
			delete(s.connByUID, uid)
			delete(s.uidByConn, connID)
		}
		evicted = append(evicted, uid)
	}
	s.mu.Unlock()

	for _, uid := range evicted {
		s.logger.Info().Str("uid", uid).Msg("Grace period elapsed. Identity evicted.")
		if s.roster != nil {
			s.roster.UserLeft(uid)
		}
	}
}

// PendingEvictions returns the number of identities in their grace period.
func (s *SessionManager) PendingEvictions() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

// bind records the connection-uid binding, force-closing any prior connection
// holding the same identity first (single session per identity).
func (s *SessionManager) bind(connID, uid string) {
	s.mu.Lock()

	var kick string
	if prior, ok := s.connByUID[uid]; ok && prior != connID {
		delete(s.uidByConn, prior)
		kick = prior
	}

	delete(s.pending, uid)
	s.uidByConn[connID] = uid
	s.connByUID[uid] = connID
	s.mu.Unlock()

	if kick != "" {
		s.logger.Warn().
			Str("uid", uid).
			Str("prior_conn_id", kick).
			Msg("Identity already bound elsewhere. Closing prior connection.")
		s.gw.Close(kick, "session replaced by new login")
	}

	s.logger.Info().Str("conn_id", connID).Str("uid", uid).Msg("Identity bound.")
}

// unbindConn drops the binding for a connection, if any, and emits a leave.
func (s *SessionManager) unbindConn(connID string) {
	s.mu.Lock()
	uid, ok := s.uidByConn[connID]
	if ok {
		delete(s.uidByConn, connID)
		if s.connByUID[uid] == connID {
			delete(s.connByUID, uid)
		}
		delete(s.pending, uid)
	}
	s.mu.Unlock()

	if !ok {
		return
	}

	s.logger.Info().Str("conn_id", connID).Str("uid", uid).Msg("Identity unbound.")

	if s.roster != nil {
		s.roster.UserLeft(uid)
	}
}

// nextGuestID allocates a guest identity from the local monotonic counter.
func (s *SessionManager) nextGuestID() string {
	s.mu.Lock()
	s.guestSeq++
	seq := s.guestSeq
	s.mu.Unlock()

	return randx.GuestID(seq)
}
