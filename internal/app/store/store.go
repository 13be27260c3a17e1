/*
Package store persists user accounts and finished matches in PostgreSQL.

It implements the authentication and match recording contracts consumed by
the game package: credential checks with bcrypt, match history inserts, and
the login-time sync exchange driven by signed cursor tokens.
*/
package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"triviad/internal/app/game"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"golang.org/x/crypto/bcrypt"
)

// Store wraps the connection pool together with the secret used to sign
// sync tokens handed out on login.
type Store struct {
	pool        *pgxpool.Pool
	tokenSecret string
}

// New creates a Store on top of an initialized pool.
func New(pool *pgxpool.Pool, tokenSecret string) *Store {
	return &Store{pool: pool, tokenSecret: tokenSecret}
}

// Close releases the underlying connection pool.
func (s *Store) Close() {
	s.pool.Close()
}

// Authenticate verifies a username/password pair and returns the user id.
// Banned accounts are rejected before the password is even checked so a
// banned client learns nothing about credential validity.
func (s *Store) Authenticate(ctx context.Context, username, password string) (string, error) {
	var (
		uid    string
		hash   string
		banned bool
	)
	row := s.pool.QueryRow(ctx,
		`SELECT id, password_hash, banned FROM users WHERE username = $1`, username)
	if err := row.Scan(&uid, &hash, &banned); err != nil {
		if err == pgx.ErrNoRows {
			return "", game.ErrAuthFailed
		}
		return "", fmt.Errorf("query user: %w", err)
	}

	if banned {
		return "", game.ErrBanned
	}

	if err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)); err != nil {
		return "", game.ErrAuthFailed
	}

	_, err := s.pool.Exec(ctx,
		`UPDATE users SET last_login_at = now() WHERE id = $1`, uid)
	if err != nil {
		return "", fmt.Errorf("touch last login: %w", err)
	}

	return uid, nil
}

// Register creates a new account and returns its id.
func (s *Store) Register(ctx context.Context, username, password string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("hash password: %w", err)
	}

	var uid string
	row := s.pool.QueryRow(ctx,
		`INSERT INTO users (username, password_hash) VALUES ($1, $2) RETURNING id`,
		username, string(hash))
	if err := row.Scan(&uid); err != nil {
		if isUniqueViolation(err) {
			return "", game.ErrUserExists
		}
		return "", fmt.Errorf("insert user: %w", err)
	}

	return uid, nil
}

// RecordMatch inserts one settled match. Guest participants are stored
// alongside registered ones; their ids simply never resolve to a users row.
func (s *Store) RecordMatch(ctx context.Context, gameType string, questionIDs, users []string, scores map[string]int) error {
	scoreJSON, err := json.Marshal(scores)
	if err != nil {
		return fmt.Errorf("marshal scores: %w", err)
	}

	_, err = s.pool.Exec(ctx,
		`INSERT INTO matches (game_type, question_ids, participants, scores)
		 VALUES ($1, $2, $3, $4)`,
		gameType, questionIDs, users, scoreJSON)
	if err != nil {
		return fmt.Errorf("insert match: %w", err)
	}

	return nil
}

// matchRow is the shape of one history entry returned to a syncing client.
type matchRow struct {
	ID        int64     `json:"id"`
	GameType  string    `json:"gameType"`
	Score     int       `json:"score"`
	PlayedAt  time.Time `json:"playedAt"`
	Opponents []string  `json:"opponents"`
}

// SyncOnLogin returns the match history a client is missing. The client
// presents the sync token from its previous session; the cursor inside it
// bounds the query so repeat logins transfer only new rows. An absent or
// unverifiable token resets the cursor and replays the full history.
func (s *Store) SyncOnLogin(ctx context.Context, uid, clientSyncToken string) (map[string]any, error) {
	var cursor int64
	if clientSyncToken != "" {
		if claims, err := parseSyncToken(clientSyncToken, s.tokenSecret); err == nil && claims.UID == uid {
			cursor = claims.Cursor
		}
	}

	rows, err := s.pool.Query(ctx,
		`SELECT id, game_type, participants, scores, played_at
		 FROM matches
		 WHERE $1 = ANY(participants) AND id > $2
		 ORDER BY id ASC
		 LIMIT 200`,
		uid, cursor)
	if err != nil {
		return nil, fmt.Errorf("query matches: %w", err)
	}
	defer rows.Close()

	history := make([]matchRow, 0)
	maxID := cursor
	for rows.Next() {
		var (
			m            matchRow
			participants []string
			scoreJSON    []byte
		)
		if err := rows.Scan(&m.ID, &m.GameType, &participants, &scoreJSON, &m.PlayedAt); err != nil {
			return nil, fmt.Errorf("scan match: %w", err)
		}

		scores := make(map[string]int)
		if err := json.Unmarshal(scoreJSON, &scores); err != nil {
			return nil, fmt.Errorf("decode scores: %w", err)
		}
		m.Score = scores[uid]
		for _, p := range participants {
			if p != uid {
				m.Opponents = append(m.Opponents, p)
			}
		}

		history = append(history, m)
		if m.ID > maxID {
			maxID = m.ID
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate matches: %w", err)
	}

	token, err := generateSyncToken(uid, maxID, s.tokenSecret)
	if err != nil {
		return nil, fmt.Errorf("sign sync token: %w", err)
	}

	return map[string]any{
		"syncToken": token,
		"matches":   history,
	}, nil
}
