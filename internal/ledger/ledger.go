// Package ledger keeps each student's learning history: which words were
// mispronounced, how, and in which scene.
//
// Observations are grouped per calendar day. The history is read back in
// aggregate by [Ledger.Report] to produce weakness reports, the mistake
// book and the personalised greeting shown at the next session.
//
// Two [Store] implementations exist. [FileStore] keeps one JSON document per
// user and day and rewrites it wholesale on every update. [PostgresStore]
// appends one row per observation.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"
)

// DateLayout is the layout of day keys.
const DateLayout = "2006-01-02"

// ErrInvalidUser is returned for user identifiers that are empty or would
// escape the store's namespace.
var ErrInvalidUser = errors.New("ledger: invalid user id")

// Observation is one failed attempt.
type Observation struct {
	Scene    string
	Expected string
	Actual   string
	At       time.Time
}

// Situations maps scene → expected word → observed mispronunciations, in
// the order they were observed.
type Situations map[string]map[string][]string

// Add appends one observation.
func (s Situations) Add(scene, expected, actual string) {
	words := s[scene]
	if words == nil {
		words = make(map[string][]string)
		s[scene] = words
	}
	words[expected] = append(words[expected], actual)
}

// Day is the learning situation of one calendar day.
type Day struct {
	Date       string
	Situations Situations
}

// Store persists observations. Implementations must be safe for concurrent
// use across users; serialising writers of the same user is the caller's
// concern.
type Store interface {
	// Append records obs for user on the day key date.
	Append(ctx context.Context, user, date string, obs Observation) error

	// Days returns every recorded day of user, oldest first.
	Days(ctx context.Context, user string) ([]Day, error)

	// SceneTimes returns when each scene was last practised with a mistake.
	SceneTimes(ctx context.Context, user string) (map[string]time.Time, error)

	// TitleUpdated returns when the title card was last refreshed.
	TitleUpdated(ctx context.Context, user string) (time.Time, bool, error)

	// SetTitleUpdated records a title refresh.
	SetTitleUpdated(ctx context.Context, user string, at time.Time) error
}

// ValidateUser rejects identifiers that cannot be used as a storage key.
func ValidateUser(user string) error {
	if user == "" || user == "." || user == ".." || strings.ContainsAny(user, `/\`) || strings.ContainsRune(user, 0) {
		return fmt.Errorf("%w: %q", ErrInvalidUser, user)
	}
	return nil
}

// Option configures a Ledger.
type Option func(*Ledger)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(l *Ledger) {
		l.now = now
	}
}

// Ledger serialises updates per user on top of a Store.
//
// Two sessions of the same user in this process never lose each other's
// updates. Writers in other processes sharing a FileStore directory are not
// coordinated.
type Ledger struct {
	store Store
	now   func() time.Time

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// New returns a Ledger over store.
func New(store Store, opts ...Option) *Ledger {
	l := &Ledger{
		store: store,
		now:   time.Now,
		locks: make(map[string]*sync.Mutex),
	}
	for _, o := range opts {
		o(l)
	}
	return l
}

func (l *Ledger) userLock(user string) *sync.Mutex {
	l.mu.Lock()
	defer l.mu.Unlock()
	m, ok := l.locks[user]
	if !ok {
		m = &sync.Mutex{}
		l.locks[user] = m
	}
	return m
}

// Record stores one failed attempt of user in scene.
func (l *Ledger) Record(ctx context.Context, user, scene, expected, actual string) error {
	if err := ValidateUser(user); err != nil {
		return err
	}
	m := l.userLock(user)
	m.Lock()
	defer m.Unlock()

	now := l.now()
	obs := Observation{Scene: scene, Expected: expected, Actual: actual, At: now}
	if err := l.store.Append(ctx, user, now.Format(DateLayout), obs); err != nil {
		return fmt.Errorf("ledger: record: %w", err)
	}
	return nil
}

// Report loads the full history of user.
func (l *Ledger) Report(ctx context.Context, user string) (*Report, error) {
	if err := ValidateUser(user); err != nil {
		return nil, err
	}
	m := l.userLock(user)
	m.Lock()
	defer m.Unlock()

	days, err := l.store.Days(ctx, user)
	if err != nil {
		return nil, fmt.Errorf("ledger: report: %w", err)
	}
	scenes, err := l.store.SceneTimes(ctx, user)
	if err != nil {
		return nil, fmt.Errorf("ledger: report: %w", err)
	}
	updated, _, err := l.store.TitleUpdated(ctx, user)
	if err != nil {
		return nil, fmt.Errorf("ledger: report: %w", err)
	}
	return &Report{Days: days, SceneTimes: scenes, TitleUpdated: updated}, nil
}

// MarkTitleUpdated records that user's title card was refreshed now.
func (l *Ledger) MarkTitleUpdated(ctx context.Context, user string) error {
	if err := ValidateUser(user); err != nil {
		return err
	}
	if err := l.store.SetTitleUpdated(ctx, user, l.now()); err != nil {
		return fmt.Errorf("ledger: mark title: %w", err)
	}
	return nil
}
