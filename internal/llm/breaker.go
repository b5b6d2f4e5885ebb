package llm

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

const (
	networkFailureThreshold = 2
	timeoutFailureThreshold = 3
	serverFailureThreshold  = 10

	baseRateLimitDelay = 1 * time.Second
	maxRateLimitDelay  = 60 * time.Second
	maxServerBackoff   = 30 * time.Second
)

// Breaker stops AI processing when the LLM endpoint is clearly unhealthy, so
// a long archive run keeps downloading mail instead of burning hours on a
// dead API. Once open it stays open for the rest of the run.
type Breaker struct {
	mu     sync.Mutex
	logger *logrus.Logger

	// injectable for tests
	sleep func(time.Duration)

	consecutiveNetwork  int
	consecutiveTimeouts int
	consecutiveServer   int
	rateLimitDelay      time.Duration

	open   bool
	reason string

	attempts  int
	succeeded int
	failed    int
	byKind    map[string]int
}

// NewBreaker creates a closed breaker
func NewBreaker(logger *logrus.Logger) *Breaker {
	return &Breaker{
		logger:         logger,
		sleep:          time.Sleep,
		rateLimitDelay: baseRateLimitDelay,
		byKind:         make(map[string]int),
	}
}

// IsOpen reports whether AI processing has been disabled for this run
func (b *Breaker) IsOpen() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.open
}

// OpenReason returns why the breaker opened, or "" while it is closed
func (b *Breaker) OpenReason() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.reason
}

// RecordAttempt counts an AI call about to be made
func (b *Breaker) RecordAttempt() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.attempts++
}

// RecordSuccess resets all failure counters and backoff state
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.succeeded++
	b.consecutiveNetwork = 0
	b.consecutiveTimeouts = 0
	b.consecutiveServer = 0
	b.rateLimitDelay = baseRateLimitDelay
}

// Handle records a failed API call, sleeps for any backoff the error kind
// calls for, and opens the breaker when a threshold is crossed. It returns
// the kind so callers can log it.
func (b *Breaker) Handle(err error) ErrorKind {
	kind := ClassifyError(err)

	b.mu.Lock()
	b.failed++
	b.byKind[kind.String()]++

	var delay time.Duration
	switch kind {
	case KindAuth:
		b.openLocked(fmt.Sprintf("authentication failed: %v", err))
	case KindModel:
		b.openLocked(fmt.Sprintf("model or request configuration rejected: %v", err))
	case KindRateLimit:
		b.rateLimitDelay *= 2
		if b.rateLimitDelay > maxRateLimitDelay {
			b.rateLimitDelay = maxRateLimitDelay
		}
		delay = b.rateLimitDelay
	case KindNetwork:
		b.consecutiveNetwork++
		if b.consecutiveNetwork >= networkFailureThreshold {
			b.openLocked(fmt.Sprintf("%d consecutive network errors, endpoint unreachable", b.consecutiveNetwork))
		}
	case KindTimeout:
		b.consecutiveTimeouts++
		if b.consecutiveTimeouts >= timeoutFailureThreshold {
			b.openLocked(fmt.Sprintf("%d consecutive timeouts", b.consecutiveTimeouts))
		}
	case KindServer:
		b.consecutiveServer++
		delay = serverBackoff(b.consecutiveServer)
		if b.consecutiveServer >= serverFailureThreshold {
			b.openLocked(fmt.Sprintf("%d consecutive server errors", b.consecutiveServer))
		}
	case KindParse, KindContentFilter, KindUnknown:
		// endpoint is reachable, never open for these
	}
	b.mu.Unlock()

	if delay > 0 {
		b.logger.WithFields(logrus.Fields{
			"kind":  kind.String(),
			"delay": delay.String(),
		}).Warn("LLM API error, backing off")
		b.sleep(delay)
	}

	return kind
}

func (b *Breaker) openLocked(reason string) {
	if b.open {
		return
	}
	b.open = true
	b.reason = reason
	b.logger.WithField("reason", reason).Error("Disabling AI processing for the rest of this run")
}

// Summary returns a one-line human summary of AI call outcomes, with an
// error breakdown and the open reason when the breaker has tripped.
func (b *Breaker) Summary() string {
	b.mu.Lock()
	defer b.mu.Unlock()

	total := b.succeeded + b.failed
	if total == 0 {
		return "no AI calls made"
	}

	rate := float64(b.succeeded) / float64(total) * 100
	summary := fmt.Sprintf("%d succeeded, %d failed (%.0f%% success rate)", b.succeeded, b.failed, rate)

	if len(b.byKind) > 0 {
		kinds := make([]string, 0, len(b.byKind))
		for k := range b.byKind {
			kinds = append(kinds, k)
		}
		sort.Strings(kinds)
		parts := make([]string, 0, len(kinds))
		for _, k := range kinds {
			parts = append(parts, fmt.Sprintf("%s=%d", k, b.byKind[k]))
		}
		summary += " [" + strings.Join(parts, " ") + "]"
	}
	if b.open {
		summary += "; AI disabled: " + b.reason
	}
	return summary
}

func serverBackoff(failures int) time.Duration {
	n := failures
	if n > 5 {
		n = 5
	}
	d := time.Duration(1<<uint(n)) * time.Second
	if d > maxServerBackoff {
		d = maxServerBackoff
	}
	return d
}
