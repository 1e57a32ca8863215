package httpclient

import (
	"fmt"
	"time"
)

// Config controls timeout and retry behavior for a built client.
type Config struct {
	// Timeout bounds each request end to end, retries included.
	Timeout time.Duration

	// RetryAttempts is the number of retries after the first try.
	// Zero disables the retry layer.
	RetryAttempts int

	// RetryBackoff is the delay before the first retry; later retries
	// double it up to MaxBackoff.
	RetryBackoff time.Duration

	// MaxBackoff caps the exponential growth.
	MaxBackoff time.Duration

	// UserAgent identifies the client on the wire. Required.
	UserAgent string

	// AllowNonIdempotentRetry also retries POST/PUT/PATCH/DELETE.
	// Leave off unless the target deduplicates requests.
	AllowNonIdempotentRetry bool
}

// DefaultConfig returns the defaults shared by grinder's HTTP clients.
// Callers override UserAgent with their own identity.
func DefaultConfig() Config {
	return Config{
		Timeout:       30 * time.Second,
		RetryAttempts: 3,
		RetryBackoff:  100 * time.Millisecond,
		MaxBackoff:    30 * time.Second,
		UserAgent:     "grinder/1.0",
	}
}

// Validate reports the first invalid field.
func (c *Config) Validate() error {
	if c.Timeout <= 0 {
		return fmt.Errorf("timeout must be positive, got %v", c.Timeout)
	}
	if c.RetryAttempts < 0 {
		return fmt.Errorf("retry_attempts must not be negative, got %d", c.RetryAttempts)
	}
	if c.RetryAttempts > 0 {
		if c.RetryBackoff <= 0 {
			return fmt.Errorf("retry_backoff must be positive when retries are enabled, got %v", c.RetryBackoff)
		}
		if c.MaxBackoff < c.RetryBackoff {
			return fmt.Errorf("max_backoff %v is below retry_backoff %v", c.MaxBackoff, c.RetryBackoff)
		}
	}
	if c.UserAgent == "" {
		return fmt.Errorf("user_agent is required")
	}
	return nil
}
