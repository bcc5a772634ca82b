package clipqueue

import (
	"crypto/sha256"
	"encoding/hex"
	"sync"
	"time"

	"github.com/rs/zerolog"
	gobreaker "github.com/sony/gobreaker/v2"
	"golang.org/x/time/rate"
)

const (
	DefaultRequestsPerSecond = 2.5
	DefaultBurst             = 6
	DefaultCooldownTrigger   = 15 * time.Second
	DefaultBreakerThreshold  = 5
	DefaultBreakerOpenFor    = 30 * time.Second

	credentialHashLength = 16
)

// CredentialHash derives the stable per-credential grouping key. Raw
// credentials never leave this function; everything downstream (limiters,
// signals, logs) sees only the hash.
func CredentialHash(credential string) string {
	digest := sha256.Sum256([]byte(credential))
	return hex.EncodeToString(digest[:])[:credentialHashLength]
}

type LimiterOptions struct {
	// RequestsPerSecond and Burst size the per-credential token bucket.
	RequestsPerSecond float64
	Burst             int
	// CooldownTrigger is the Retry-After duration above which the credential
	// enters cooldown and requests fail fast without touching the network.
	CooldownTrigger time.Duration
	// BreakerThreshold is the consecutive-failure count that opens the
	// circuit; BreakerOpenFor is how long it stays open before a probe.
	BreakerThreshold uint32
	BreakerOpenFor   time.Duration

	Logger zerolog.Logger
	// Now is injectable for tests; defaults to time.Now.
	Now func() time.Time
}

type credentialState struct {
	limiter *rate.Limiter
	breaker *gobreaker.CircuitBreaker[*WriteResult]

	mu            sync.Mutex
	cooldownUntil time.Time
}

// LimiterRegistry holds per-credential throttle state: a token bucket, a
// circuit breaker and a cooldown deadline, all keyed by credential hash.
// State is created lazily on first use and retained for the process lifetime.
type LimiterRegistry struct {
	opts LimiterOptions

	mu     sync.Mutex
	states map[string]*credentialState
}

func NewLimiterRegistry(opts LimiterOptions) *LimiterRegistry {
	if opts.RequestsPerSecond <= 0 {
		opts.RequestsPerSecond = DefaultRequestsPerSecond
	}
	if opts.Burst <= 0 {
		opts.Burst = DefaultBurst
	}
	if opts.CooldownTrigger <= 0 {
		opts.CooldownTrigger = DefaultCooldownTrigger
	}
	if opts.BreakerThreshold == 0 {
		opts.BreakerThreshold = DefaultBreakerThreshold
	}
	if opts.BreakerOpenFor <= 0 {
		opts.BreakerOpenFor = DefaultBreakerOpenFor
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &LimiterRegistry{
		opts:   opts,
		states: map[string]*credentialState{},
	}
}

func (r *LimiterRegistry) state(credentialHash string) *credentialState {
	r.mu.Lock()
	defer r.mu.Unlock()
	if state, ok := r.states[credentialHash]; ok {
		return state
	}
	opts := r.opts
	state := &credentialState{
		limiter: rate.NewLimiter(rate.Limit(opts.RequestsPerSecond), opts.Burst),
		breaker: gobreaker.NewCircuitBreaker[*WriteResult](gobreaker.Settings{
			Name:        "notion-" + credentialHash,
			MaxRequests: 1,
			Timeout:     opts.BreakerOpenFor,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= opts.BreakerThreshold
			},
			OnStateChange: func(name string, from, to gobreaker.State) {
				opts.Logger.Warn().
					Str("breaker", name).
					Str("from", from.String()).
					Str("to", to.String()).
					Msg("circuit state changed")
			},
			// Fatal request errors (invalid payload, revoked auth) say nothing
			// about upstream health, so they never count toward tripping.
			IsSuccessful: func(err error) bool {
				if err == nil {
					return true
				}
				apiErr, ok := err.(*APIError)
				return ok && !apiErr.Retryable
			},
		}),
	}
	r.states[credentialHash] = state
	return state
}

// Limiter returns the credential's token bucket.
func (r *LimiterRegistry) Limiter(credentialHash string) *rate.Limiter {
	return r.state(credentialHash).limiter
}

// Breaker returns the credential's circuit breaker.
func (r *LimiterRegistry) Breaker(credentialHash string) *gobreaker.CircuitBreaker[*WriteResult] {
	return r.state(credentialHash).breaker
}

// SetCooldown puts the credential in cooldown for the given duration if it
// meets the trigger threshold. It reports whether a cooldown was applied.
func (r *LimiterRegistry) SetCooldown(credentialHash string, retryAfter time.Duration) bool {
	if retryAfter <= r.opts.CooldownTrigger {
		return false
	}
	state := r.state(credentialHash)
	until := r.opts.Now().Add(retryAfter)
	state.mu.Lock()
	if until.After(state.cooldownUntil) {
		state.cooldownUntil = until
	}
	state.mu.Unlock()
	r.opts.Logger.Warn().
		Str("credential", credentialHash).
		Dur("retry_after", retryAfter).
		Msg("credential entering cooldown")
	return true
}

// Cooldown reports whether the credential is cooling down and, if so, how
// long remains.
func (r *LimiterRegistry) Cooldown(credentialHash string) (time.Duration, bool) {
	state := r.state(credentialHash)
	state.mu.Lock()
	until := state.cooldownUntil
	state.mu.Unlock()
	now := r.opts.Now()
	if until.After(now) {
		return until.Sub(now), true
	}
	return 0, false
}

// Reset discards all per-credential state. Test hook.
func (r *LimiterRegistry) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.states = map[string]*credentialState{}
}
