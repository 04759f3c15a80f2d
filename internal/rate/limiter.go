/*
Package rate estimates per-key request rates and turns them into a guard:

 1. SlidingRPS: per-key sliding window RPS estimate; idle keys expire.
 2. Guard: refuses a key whose rate exceeds a limit, then keeps refusing it
    for a cool-down period.
*/
package rate

import (
	"sync"
	"time"

	"github.com/patrickmn/go-cache"
	"github.com/rs/zerolog/log"
)

const defaultCapacity = 10000

type SlidingRPS struct {
	mu      sync.Mutex
	window  int // seconds
	cap     int // max keys tracked
	entries *cache.Cache
	nowFunc func() int64
}

type rpsEntry struct {
	startSec int64
	lastSec  int64
	buckets  []uint16 // one per second; last element is "now"
}

// NewSlidingRPS tracks up to 10k keys over window seconds.
func NewSlidingRPS(window int) *SlidingRPS {
	return NewSlidingRPSWithCapacity(window, defaultCapacity)
}

func NewSlidingRPSWithCapacity(window, capacity int) *SlidingRPS {
	if window <= 0 {
		window = 10
	}
	if capacity <= 0 {
		capacity = defaultCapacity
	}
	ttl := time.Duration(window) * time.Second
	return &SlidingRPS{
		window:  window,
		cap:     capacity,
		entries: cache.New(ttl, 2*ttl),
		nowFunc: func() int64 { return time.Now().Unix() },
	}
}

// Add records one event for key and returns the rate over the covered part
// of the window. A key seen for the first time while the table is full is
// not tracked and reports 0.
func (s *SlidingRPS) Add(key string) float64 {
	now := s.nowFunc()
	s.mu.Lock()
	defer s.mu.Unlock()

	var en *rpsEntry
	if v, ok := s.entries.Get(key); ok {
		en = v.(*rpsEntry)
		s.advance(en, now)
	} else {
		if s.entries.ItemCount() >= s.cap {
			s.entries.DeleteExpired()
			if s.entries.ItemCount() >= s.cap {
				log.Warn().Int("capacity", s.cap).Msg("rate table full; new key not tracked")
				return 0
			}
		}
		en = &rpsEntry{startSec: now, lastSec: now, buckets: make([]uint16, s.window)}
	}
	if en.buckets[s.window-1] < 65535 {
		en.buckets[s.window-1]++
	}
	s.entries.SetDefault(key, en)
	return s.estimate(en, now)
}

func (s *SlidingRPS) advance(en *rpsEntry, now int64) {
	if now <= en.lastSec {
		return
	}
	diff := now - en.lastSec
	if diff >= int64(s.window) {
		clear(en.buckets)
		en.startSec = now
		en.lastSec = now
		return
	}
	shift := int(diff)
	copy(en.buckets, en.buckets[shift:])
	clear(en.buckets[s.window-shift:])
	en.lastSec = now
}

func (s *SlidingRPS) estimate(en *rpsEntry, now int64) float64 {
	sum := 0
	for _, b := range en.buckets {
		sum += int(b)
	}
	span := int(now-en.startSec) + 1
	span = max(1, min(span, s.window))
	return float64(sum) / float64(span)
}

// Guard refuses keys above limit requests per second and keeps refusing
// them for the cool-down. A zero limit disables it.
type Guard struct {
	limit    float64
	cooldown time.Duration
	rps      *SlidingRPS
	blocked  *cache.Cache
}

func NewGuard(limit float64, windowSec, cooldownSec int) *Guard {
	if cooldownSec <= 0 {
		cooldownSec = 5
	}
	cooldown := time.Duration(cooldownSec) * time.Second
	return &Guard{
		limit:    limit,
		cooldown: cooldown,
		rps:      NewSlidingRPS(windowSec),
		blocked:  cache.New(cooldown, 2*cooldown),
	}
}

// Allow records a hit for key. When refused, retryAfter is how long the key
// stays blocked (never below one second).
func (g *Guard) Allow(key string) (ok bool, retryAfter time.Duration) {
	if g == nil || g.limit <= 0 || key == "" {
		return true, 0
	}
	if _, exp, found := g.blocked.GetWithExpiration(key); found {
		return false, max(time.Until(exp).Round(time.Second), time.Second)
	}
	if g.rps.Add(key) > g.limit {
		g.blocked.SetDefault(key, struct{}{})
		return false, g.cooldown
	}
	return true, 0
}
