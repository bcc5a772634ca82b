package clipqueue

import (
	"sync"
	"time"

	"github.com/rs/zerolog"
)

const (
	DefaultSentinelWindow       = 60 * time.Second
	DefaultSentinelSampleSize   = 100
	DefaultSpikeCredentialCount = 5
	DefaultSurgeMeanRetryAfter  = 30 * time.Second

	AlertReasonRateLimitSpike  = "rate_limit_spike"
	AlertReasonRetryAfterSurge = "retry_after_surge"
)

// RateLimitSignal is one upstream throttle observation. Credentials are
// identified only by hash.
type RateLimitSignal struct {
	CredentialHash string
	StatusCode     int
	RetryAfter     time.Duration
}

type SignalSink interface {
	Observe(signal RateLimitSignal)
}

// Alert describes a degradation pattern the sentinel detected across
// credentials.
type Alert struct {
	Reason          string
	CredentialCount int
	MeanRetryAfter  time.Duration
	At              time.Time
}

type SentinelOptions struct {
	// Window is the sliding interval signals are evaluated over.
	Window time.Duration
	// SampleSize bounds the rolling Retry-After sample buffer.
	SampleSize int
	// SpikeCredentials is the distinct-credential count within the window
	// that raises a spike alert.
	SpikeCredentials int
	// SurgeMeanRetryAfter is the rolling mean above which a surge alert is
	// raised.
	SurgeMeanRetryAfter time.Duration

	// OnAlert, when set, receives every raised alert. Alerts are always
	// logged regardless.
	OnAlert func(Alert)
	Logger  zerolog.Logger
	Now     func() time.Time
}

// Sentinel aggregates throttle signals across credentials and raises alerts
// when the fleet-wide pattern suggests upstream degradation rather than one
// noisy tenant. At most one alert per reason is raised per window.
type Sentinel struct {
	opts SentinelOptions

	mu        sync.Mutex
	events    []signalEvent
	samples   []time.Duration
	sampleSum time.Duration
	lastAlert map[string]time.Time
}

type signalEvent struct {
	credentialHash string
	at             time.Time
}

func NewSentinel(opts SentinelOptions) *Sentinel {
	if opts.Window <= 0 {
		opts.Window = DefaultSentinelWindow
	}
	if opts.SampleSize <= 0 {
		opts.SampleSize = DefaultSentinelSampleSize
	}
	if opts.SpikeCredentials <= 0 {
		opts.SpikeCredentials = DefaultSpikeCredentialCount
	}
	if opts.SurgeMeanRetryAfter <= 0 {
		opts.SurgeMeanRetryAfter = DefaultSurgeMeanRetryAfter
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Sentinel{
		opts:      opts,
		lastAlert: map[string]time.Time{},
	}
}

func (s *Sentinel) Observe(signal RateLimitSignal) {
	if s == nil || signal.CredentialHash == "" {
		return
	}
	now := s.opts.Now()

	s.mu.Lock()
	s.events = append(s.events, signalEvent{credentialHash: signal.CredentialHash, at: now})
	s.pruneLocked(now)
	if signal.RetryAfter > 0 {
		s.samples = append(s.samples, signal.RetryAfter)
		s.sampleSum += signal.RetryAfter
		if len(s.samples) > s.opts.SampleSize {
			s.sampleSum -= s.samples[0]
			s.samples = s.samples[1:]
		}
	}

	distinct := map[string]struct{}{}
	for _, event := range s.events {
		distinct[event.credentialHash] = struct{}{}
	}
	var mean time.Duration
	if len(s.samples) > 0 {
		mean = s.sampleSum / time.Duration(len(s.samples))
	}

	var alerts []Alert
	if len(distinct) >= s.opts.SpikeCredentials && s.allowAlertLocked(AlertReasonRateLimitSpike, now) {
		alerts = append(alerts, Alert{
			Reason:          AlertReasonRateLimitSpike,
			CredentialCount: len(distinct),
			MeanRetryAfter:  mean,
			At:              now,
		})
	}
	if mean > s.opts.SurgeMeanRetryAfter && s.allowAlertLocked(AlertReasonRetryAfterSurge, now) {
		alerts = append(alerts, Alert{
			Reason:          AlertReasonRetryAfterSurge,
			CredentialCount: len(distinct),
			MeanRetryAfter:  mean,
			At:              now,
		})
	}
	s.mu.Unlock()

	for _, alert := range alerts {
		s.opts.Logger.Warn().
			Str("reason", alert.Reason).
			Int("credentials", alert.CredentialCount).
			Dur("mean_retry_after", alert.MeanRetryAfter).
			Msg("upstream degradation detected")
		if s.opts.OnAlert != nil {
			s.opts.OnAlert(alert)
		}
	}
}

// Snapshot returns the current window's distinct credential count and the
// rolling mean Retry-After.
func (s *Sentinel) Snapshot() (credentials int, meanRetryAfter time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pruneLocked(s.opts.Now())
	distinct := map[string]struct{}{}
	for _, event := range s.events {
		distinct[event.credentialHash] = struct{}{}
	}
	if len(s.samples) > 0 {
		meanRetryAfter = s.sampleSum / time.Duration(len(s.samples))
	}
	return len(distinct), meanRetryAfter
}

func (s *Sentinel) pruneLocked(now time.Time) {
	cutoff := now.Add(-s.opts.Window)
	kept := s.events[:0]
	for _, event := range s.events {
		if event.at.After(cutoff) {
			kept = append(kept, event)
		}
	}
	s.events = kept
}

func (s *Sentinel) allowAlertLocked(reason string, now time.Time) bool {
	if last, ok := s.lastAlert[reason]; ok && now.Sub(last) < s.opts.Window {
		return false
	}
	s.lastAlert[reason] = now
	return true
}
