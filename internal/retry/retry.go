package retry

import (
	"errors"
	"math"
	"strings"
	"time"
)

// TransientError marks a failure worth retrying.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string { return e.Err.Error() }
func (e *TransientError) Unwrap() error { return e.Err }

// Transient wraps err so the controller schedules a retry for it.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &TransientError{Err: err}
}

// PermanentError marks a failure that retrying cannot fix.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string { return e.Err.Error() }
func (e *PermanentError) Unwrap() error { return e.Err }

// Permanent wraps err so the controller escalates it immediately.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &PermanentError{Err: err}
}

// Controller decides whether a failed step gets another attempt and when.
// MaxAttempts is the retry budget granted after the first failure, so a
// persistently failing step runs MaxAttempts+1 times before escalating.
type Controller struct {
	MaxAttempts int
	BaseDelay   time.Duration
	Factor      float64
}

func NewController(maxAttempts int, baseDelay time.Duration, factor float64) Controller {
	if maxAttempts <= 0 {
		maxAttempts = 3
	}
	if baseDelay <= 0 {
		baseDelay = 5 * time.Second
	}
	if factor < 1 {
		factor = 3
	}
	return Controller{MaxAttempts: maxAttempts, BaseDelay: baseDelay, Factor: factor}
}

// Decision is the controller's verdict on a failed attempt.
type Decision struct {
	Retry       bool
	NextAttempt time.Time
	Reason      string
}

// Decide inspects the error and the attempt count just consumed. Permanent
// failures escalate at once; transient ones get retried with exponential
// spacing from now until the budget of retries after the first failure is
// spent.
func (c Controller) Decide(err error, attempts int, now time.Time) Decision {
	if IsPermanent(err) {
		return Decision{Reason: "permanent failure"}
	}
	if attempts > c.MaxAttempts {
		return Decision{Reason: "retry budget exhausted"}
	}
	return Decision{
		Retry:       true,
		NextAttempt: now.Add(c.Delay(attempts)),
		Reason:      "transient failure",
	}
}

// Delay returns the wait before the attempt after the given number of
// consumed attempts: base, base*factor, base*factor^2 and so on.
func (c Controller) Delay(attempts int) time.Duration {
	if attempts < 1 {
		attempts = 1
	}
	mult := math.Pow(c.Factor, float64(attempts-1))
	return time.Duration(float64(c.BaseDelay) * mult)
}

// IsPermanent reports whether err should not be retried. Explicit wrappers
// take precedence; otherwise the message is matched against failure shapes
// that never heal on their own.
func IsPermanent(err error) bool {
	var perm *PermanentError
	if errors.As(err, &perm) {
		return true
	}
	var trans *TransientError
	if errors.As(err, &trans) {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, marker := range permanentMarkers {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}

var permanentMarkers = []string{
	"not found",
	"unauthorized",
	"forbidden",
	"invalid",
	"malformed",
	"missing required",
	"unsupported",
}
