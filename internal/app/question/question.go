/*
Package question implements the question-content collaborator consumed by the
game core: a bank of multiple-choice questions, random set selection for new
matches, and the per-round answer collecting and judging the rooms drive.
*/
package question

import (
	"context"
	"fmt"
	"math/rand"
	"sync"

	"triviad/internal/app/game"
)

// pointsPerCorrect is the score credited for each correctly answered round.
const pointsPerCorrect = 10

// Question is one multiple-choice entry in the bank.
type Question struct {
	// ID identifies the question on the wire; clients fetch its content
	// out of band.
	ID string

	// Options is the number of declared answer options, chosen as 0..Options-1.
	Options int

	// Correct is the index of the correct option.
	Correct int
}

// Bank holds the available questions and hands out random sets.
type Bank struct {
	mu        sync.Mutex
	questions []Question
	rng       *rand.Rand
}

// NewBank constructs a Bank over the given questions.
func NewBank(questions []Question, seed int64) *Bank {
	return &Bank{
		questions: questions,
		rng:       rand.New(rand.NewSource(seed)),
	}
}

// Len returns the number of questions in the bank.
func (b *Bank) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.questions)
}

// RandomSet picks count random questions and returns a fresh set for the given
// players. It implements game.QuestionService.
func (b *Bank) RandomSet(ctx context.Context, users []string, count int) (game.QuestionSet, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if count <= 0 {
		return nil, fmt.Errorf("question set size must be positive, got %d", count)
	}
	if len(b.questions) < count {
		return nil, fmt.Errorf("bank holds %d questions, need %d", len(b.questions), count)
	}

	picked := make([]Question, count)
	for i, idx := range b.rng.Perm(len(b.questions))[:count] {
		picked[i] = b.questions[idx]
	}

	return newSet(picked, users), nil
}

// Set is one match worth of questions with its per-round answer collector.
// It is driven single-roomed: the owning room serializes all calls.
type Set struct {
	questions []Question
	users     map[string]struct{}

	// current indexes the active round's question; -1 before the first Next.
	current int

	// answers maps uid to chosen option for the active round.
	answers map[string]int

	// tally maps option to answer count for the active round.
	tally map[int]int

	// scores accumulates judged points per uid across rounds.
	scores map[string]int
}

func newSet(questions []Question, users []string) *Set {
	userSet := make(map[string]struct{}, len(users))
	scores := make(map[string]int, len(users))
	for _, uid := range users {
		userSet[uid] = struct{}{}
		scores[uid] = 0
	}

	return &Set{
		questions: questions,
		users:     userSet,
		current:   -1,
		answers:   make(map[string]int),
		tally:     make(map[int]int),
		scores:    scores,
	}
}

// Next advances to the next round, resetting the answer collector.
// It returns false when the set is exhausted.
func (s *Set) Next() bool {
	if s.current+1 >= len(s.questions) {
		return false
	}

	s.current++
	s.answers = make(map[string]int)
	s.tally = make(map[int]int)
	return true
}

// CurrentID returns the id of the active round's question.
func (s *Set) CurrentID() string {
	if s.current < 0 || s.current >= len(s.questions) {
		return ""
	}
	return s.questions[s.current].ID
}

// Answer records uid's option for the active round: one answer per user per
// round, only declared options, only known users. Rejected answers leave the
// tally untouched.
func (s *Set) Answer(uid string, option int) bool {
	if s.current < 0 {
		return false
	}
	if _, known := s.users[uid]; !known {
		return false
	}
	if _, dup := s.answers[uid]; dup {
		return false
	}
	if option < 0 || option >= s.questions[s.current].Options {
		return false
	}

	s.answers[uid] = option
	s.tally[option]++
	return true
}

// Has reports whether uid already answered the active round.
func (s *Set) Has(uid string) bool {
	_, ok := s.answers[uid]
	return ok
}

// Answered returns the number of answers collected for the active round.
func (s *Set) Answered() int {
	return len(s.answers)
}

// Tally returns a copy of the active round's option tally.
func (s *Set) Tally() map[int]int {
	out := make(map[int]int, len(s.tally))
	for option, count := range s.tally {
		out[option] = count
	}
	return out
}

// Judge finalizes the active round, crediting every correct answer.
func (s *Set) Judge() {
	if s.current < 0 || s.current >= len(s.questions) {
		return
	}

	correct := s.questions[s.current].Correct
	for uid, option := range s.answers {
		if option == correct {
			s.scores[uid] += pointsPerCorrect
		}
	}
}

// Settlement returns the final per-user scores for the given membership.
// Users who never answered keep the minimum outcome of zero.
func (s *Set) Settlement(users []string) map[string]int {
	out := make(map[string]int, len(users))
	for _, uid := range users {
		out[uid] = s.scores[uid]
	}
	return out
}

// QuestionIDs lists the ids of every question in the set.
func (s *Set) QuestionIDs() []string {
	ids := make([]string, len(s.questions))
	for i, q := range s.questions {
		ids[i] = q.ID
	}
	return ids
}

// DefaultBank returns a small built-in bank for development environments
// without a seeded question table.
func DefaultBank(seed int64) *Bank {
	questions := make([]Question, 0, 32)
	for i := 1; i <= 32; i++ {
		questions = append(questions, Question{
			ID:      fmt.Sprintf("q%03d", i),
			Options: 4,
			Correct: i % 4,
		})
	}
	return NewBank(questions, seed)
}
