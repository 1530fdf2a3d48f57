package clock

import (
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Clock abstracts wall-clock reads so schedulers and breakers can be
// tested with controlled time.
type Clock interface {
	Now() time.Time
}

// IDGen produces unique identifiers for tasks and events.
type IDGen interface {
	NewID() string
}

// System returns a Clock backed by time.Now.
func System() Clock {
	return systemClock{}
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

// UUID returns an IDGen backed by random UUIDs.
func UUID() IDGen {
	return uuidGen{}
}

type uuidGen struct{}

func (uuidGen) NewID() string { return uuid.New().String() }

// Fake is a manually advanced Clock for tests.
type Fake struct {
	mu  sync.Mutex
	now time.Time
}

// NewFake creates a Fake clock starting at the given instant.
func NewFake(start time.Time) *Fake {
	return &Fake{now: start}
}

// Now returns the fake's current instant.
func (f *Fake) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

// Advance moves the fake clock forward.
func (f *Fake) Advance(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.now = f.now.Add(d)
}

// Seq is a deterministic IDGen for tests, producing prefix-1, prefix-2, ...
type Seq struct {
	mu     sync.Mutex
	prefix string
	n      int
}

// NewSeq creates a sequential IDGen with the given prefix.
func NewSeq(prefix string) *Seq {
	return &Seq{prefix: prefix}
}

// NewID returns the next sequential identifier.
func (s *Seq) NewID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.n++
	return s.prefix + "-" + strconv.Itoa(s.n)
}
