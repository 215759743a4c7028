package utils

import (
	"sync"
	"time"
)

type Clock interface {
	Now() time.Time
}

type RealClock struct{}

func (self RealClock) Now() time.Time {
	return time.Now()
}

type MockClock struct {
	MockNow time.Time
}

func (self MockClock) Now() time.Time {
	return self.MockNow
}

// A clock that increments each time someone calls Now(). Produces a
// deterministic, strictly increasing timeline for tests.
type IncClock struct {
	mu      sync.Mutex
	NowTime int64
}

func (self *IncClock) Now() time.Time {
	self.mu.Lock()
	defer self.mu.Unlock()

	self.NowTime++
	return time.Unix(self.NowTime, 0).UTC()
}
