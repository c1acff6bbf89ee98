package modbus

import (
	"time"
)

// Option configures a Conn at construction.
type Option func(c *Conn)

// WithSlave set the slave address. An invalid address is logged and the
// default kept.
func WithSlave(id byte) Option {
	return func(c *Conn) {
		if err := c.SetSlave(id); err != nil {
			c.transport.Error("WithSlave: %v", err)
		}
	}
}

// WithResponseTimeout set response timeout, 0 waits forever.
func WithResponseTimeout(t time.Duration) Option {
	return func(c *Conn) {
		c.transport.SetResponseTimeout(t)
	}
}

// WithByteTimeout set inter byte timeout, 0 disables it.
func WithByteTimeout(t time.Duration) Option {
	return func(c *Conn) {
		c.transport.SetByteTimeout(t)
	}
}

// WithErrorRecovery set error recovery mode. An unknown mode is logged
// and RecoveryNone kept.
func WithErrorRecovery(mode ErrorRecoveryMode) Option {
	return func(c *Conn) {
		if err := c.SetErrorRecovery(mode); err != nil {
			c.transport.Error("WithErrorRecovery: %v", err)
		}
	}
}

// WithRecoveryAttempts set how often a failed exchange is replayed.
func WithRecoveryAttempts(n int) Option {
	return func(c *Conn) {
		c.SetRecoveryAttempts(n)
	}
}

// WithLogProvider set logger provider.
func WithLogProvider(provider LogProvider) Option {
	return func(c *Conn) {
		c.transport.setLogProvider(provider)
	}
}

// WithEnableLogger enable log output when you has set logger.
func WithEnableLogger() Option {
	return func(c *Conn) {
		c.SetDebug(true)
	}
}
