package backoff

import (
	"errors"
	"math"
	"math/rand"
	"sync"
	"time"
)

var (
	// ErrRetriesExhausted is returned when the maximum number of retries has been reached.
	ErrRetriesExhausted = errors.New("retries exhausted")
	// ErrOperationCanceled is returned when the retry operation is canceled via context.
	ErrOperationCanceled = errors.New("operation canceled")
)

type (
	// RetryPolicy defines the interface for retry policies.
	RetryPolicy interface {
		// ComputeNextInterval computes the next interval based on the retry policy.
		// Returns the duration to wait before the next retry, or an error if no
		// more retries should be attempted.
		ComputeNextInterval(retryCount int, elapsedTime time.Duration, err error) (time.Duration, error)
	}

	// Retrier manages the state of retry operations.
	Retrier interface {
		// Next computes the next retry interval and updates internal state.
		Next(err error) (time.Duration, error)
		// Reset resets the retrier to its initial state.
		Reset()
	}
)

var (
	noMaximumAttempts = 0

	defaultBackoffFactor = 2.0
	defaultMaxInterval   = 10 * time.Second
	defaultMaxRetries    = noMaximumAttempts
)

// NewExponentialBackoffPolicy creates a new ExponentialBackoffPolicy with the specified parameters.
func NewExponentialBackoffPolicy(initialInterval time.Duration) *ExponentialBackoffPolicy {
	return &ExponentialBackoffPolicy{
		InitialInterval: initialInterval,
		BackoffFactor:   defaultBackoffFactor,
		MaxInterval:     defaultMaxInterval,
		MaxRetries:      defaultMaxRetries,
	}
}

// ExponentialBackoffPolicy is a retry policy that implements exponential backoff.
type ExponentialBackoffPolicy struct {
	// InitialInterval is the initial interval before the first retry.
	InitialInterval time.Duration
	// BackoffFactor is the factor by which the interval increases after each retry.
	BackoffFactor float64
	// MaxInterval is the maximum interval cap for exponential backoff.
	MaxInterval time.Duration
	// MaxRetries is the maximum number of retries allowed. 0 means unlimited retries.
	MaxRetries int
}

// ComputeNextInterval computes the next retry interval using exponential backoff.
func (p *ExponentialBackoffPolicy) ComputeNextInterval(retryCount int, _ time.Duration, _ error) (time.Duration, error) {
	if p.MaxRetries > 0 && retryCount >= p.MaxRetries {
		return 0, ErrRetriesExhausted
	}

	interval := float64(p.InitialInterval) * math.Pow(p.BackoffFactor, float64(retryCount))
	if interval > float64(p.MaxInterval) {
		interval = float64(p.MaxInterval)
	}

	return time.Duration(interval), nil
}

// NewConstantBackoffPolicy creates a policy that always waits the same interval.
func NewConstantBackoffPolicy(interval time.Duration) *ConstantBackoffPolicy {
	return &ConstantBackoffPolicy{
		Interval:   interval,
		MaxRetries: defaultMaxRetries,
	}
}

// ConstantBackoffPolicy is a retry policy with a fixed interval between retries.
type ConstantBackoffPolicy struct {
	// Interval is the fixed interval between retries.
	Interval time.Duration
	// MaxRetries is the maximum number of retries allowed. 0 means unlimited retries.
	MaxRetries int
}

// ComputeNextInterval computes the next retry interval.
func (p *ConstantBackoffPolicy) ComputeNextInterval(retryCount int, _ time.Duration, _ error) (time.Duration, error) {
	if p.MaxRetries > 0 && retryCount >= p.MaxRetries {
		return 0, ErrRetriesExhausted
	}
	return p.Interval, nil
}

// JitterFunc transforms a computed interval to spread out retry storms.
type JitterFunc func(interval time.Duration) time.Duration

// FullJitter picks a random interval in [0, interval).
func FullJitter(interval time.Duration) time.Duration {
	if interval <= 0 {
		return 0
	}
	return time.Duration(rand.Int63n(int64(interval)))
}

// WithJitter wraps a policy so that each computed interval passes through jitter.
func WithJitter(policy RetryPolicy, jitter JitterFunc) RetryPolicy {
	return &jitterPolicy{policy: policy, jitter: jitter}
}

type jitterPolicy struct {
	policy RetryPolicy
	jitter JitterFunc
}

func (p *jitterPolicy) ComputeNextInterval(retryCount int, elapsedTime time.Duration, err error) (time.Duration, error) {
	interval, computeErr := p.policy.ComputeNextInterval(retryCount, elapsedTime, err)
	if computeErr != nil {
		return 0, computeErr
	}
	return p.jitter(interval), nil
}

// NewRetrier creates a new Retrier instance with the specified retry policy.
func NewRetrier(retryPolicy RetryPolicy) Retrier {
	return &retrierImpl{
		retryPolicy: retryPolicy,
		retryCount:  0,
	}
}

type retrierImpl struct {
	retryPolicy RetryPolicy
	retryCount  int
	startTime   time.Time
	mu          sync.Mutex
}

// Next computes the next retry interval and updates internal state.
func (r *retrierImpl) Next(err error) (time.Duration, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.startTime.IsZero() {
		r.startTime = time.Now()
	}

	elapsedTime := time.Since(r.startTime)

	interval, computeErr := r.retryPolicy.ComputeNextInterval(r.retryCount, elapsedTime, err)
	if computeErr != nil {
		return 0, computeErr
	}

	r.retryCount++

	return interval, nil
}

// Reset resets the retrier to its initial state.
func (r *retrierImpl) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.retryCount = 0
	r.startTime = time.Time{}
}
