package config

import "fmt"

// Validate checks the configuration for values that would break at runtime.
// The database URL is checked by the commands that need it, not here, so
// queue-less commands can run without one.
func (c *Config) Validate() error {
	if c.Server.Addr == "" {
		return fmt.Errorf("server.addr must not be empty")
	}
	if c.LLM.MaxTokens < 1 {
		return fmt.Errorf("llm.max_tokens must be positive, got %d", c.LLM.MaxTokens)
	}
	if c.LLM.Timeout <= 0 {
		return fmt.Errorf("llm.timeout must be positive")
	}
	if c.Worker.PollInterval <= 0 {
		return fmt.Errorf("worker.poll_interval must be positive")
	}
	if c.Worker.LeaseTTL < 0 {
		return fmt.Errorf("worker.lease_ttl must not be negative")
	}
	if c.Queue.MaxAttempts < 1 {
		return fmt.Errorf("queue.max_attempts must be at least 1, got %d", c.Queue.MaxAttempts)
	}
	if c.Queue.InitialBackoff <= 0 {
		return fmt.Errorf("queue.initial_backoff must be positive")
	}
	if c.Recovery.Grace < 0 {
		return fmt.Errorf("recovery.grace must not be negative")
	}
	return nil
}
