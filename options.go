package bekenboot

import "time"

const (
	// DefaultInitialBaud is the rate the boot ROM listens on after reset.
	DefaultInitialBaud = 115200
	// DefaultBaudRate is the working rate negotiated before erasing.
	DefaultBaudRate = 921600
	// DefaultAlignmentBaud is used while reading boundary sectors.
	DefaultAlignmentBaud = 500000
	// DefaultBaudSettle is the delay, in milliseconds, sent with a baud switch.
	DefaultBaudSettle = 20
	// DefaultRetries is the per-command retry budget.
	DefaultRetries = 5
	// DefaultManualResetTimeout is how long to wait for a hand reset.
	DefaultManualResetTimeout = 30 * time.Second
)

// HandshakeConfig controls bus acquisition.
type HandshakeConfig struct {
	// Number of reset pulses before giving up.
	Pulses int
	// Link checks issued after each pulse.
	ChecksPerPulse int
	// How long the reset lines are held, and how long to wait after release.
	ResetHold   time.Duration
	ResetSettle time.Duration
	// Ceiling for a single link check.
	LinkTimeout time.Duration
	// ManualTimeout bounds the whole acquisition once the transport turns
	// out unable to reset the target. Zero means no bound beyond Pulses.
	ManualTimeout time.Duration
	// Stop is polled at the top of every retry loop. Optional.
	Stop func() bool
}

// DefaultHandshakeConfig returns the acquisition settings used by the programmer.
func DefaultHandshakeConfig() HandshakeConfig {
	return HandshakeConfig{
		Pulses:         100,
		ChecksPerPulse: 60,
		ResetHold:      300 * time.Millisecond,
		ResetSettle:    4 * time.Millisecond,
		LinkTimeout:    timeoutLinkCheck,
		ManualTimeout:  DefaultManualResetTimeout,
	}
}

// Config holds the programmer configuration.
type Config struct {
	InitialBaud   int
	BaudRate      int
	AlignmentBaud int
	// Delay in milliseconds the target waits before switching rate.
	BaudSettle int
	Retries    int
	Handshake  HandshakeConfig
	Reboot     RebootVariant
	// SkipProtect leaves the flash unprotected after a download.
	SkipProtect bool
	// FinalCRC verifies the whole written range once more after writing.
	FinalCRC bool
	Progress ProgressFunc
	// Stop is polled with the session's own flag. Optional.
	Stop func() bool
}

func defaultConfig() Config {
	return Config{
		InitialBaud:   DefaultInitialBaud,
		BaudRate:      DefaultBaudRate,
		AlignmentBaud: DefaultAlignmentBaud,
		BaudSettle:    DefaultBaudSettle,
		Retries:       DefaultRetries,
		Handshake:     DefaultHandshakeConfig(),
		Reboot:        RebootReset,
	}
}

// Option is a functional option for configuring a Programmer.
type Option func(*Config)

// WithBaudRate sets the working baud rate used for erase and write.
func WithBaudRate(baud int) Option {
	return func(c *Config) {
		if baud > 0 {
			c.BaudRate = baud
		}
	}
}

// WithInitialBaud sets the rate the target's boot ROM listens on.
func WithInitialBaud(baud int) Option {
	return func(c *Config) {
		if baud > 0 {
			c.InitialBaud = baud
		}
	}
}

// WithAlignmentBaud sets the slower rate used to read boundary sectors.
// Zero disables the drop.
func WithAlignmentBaud(baud int) Option {
	return func(c *Config) {
		if baud >= 0 {
			c.AlignmentBaud = baud
		}
	}
}

// WithRetries sets the per-command retry budget.
func WithRetries(retries int) Option {
	return func(c *Config) {
		if retries > 0 {
			c.Retries = retries
		}
	}
}

// WithHandshake sets the number of reset pulses and link checks per pulse.
func WithHandshake(pulses, checksPerPulse int) Option {
	return func(c *Config) {
		if pulses > 0 {
			c.Handshake.Pulses = pulses
		}
		if checksPerPulse > 0 {
			c.Handshake.ChecksPerPulse = checksPerPulse
		}
	}
}

// WithResetTiming sets how long the reset lines are held and the settle delay after.
func WithResetTiming(hold, settle time.Duration) Option {
	return func(c *Config) {
		c.Handshake.ResetHold = hold
		c.Handshake.ResetSettle = settle
	}
}

// WithManualResetTimeout sets how long acquisition waits for the target to
// be reset by hand on transports without control lines. Zero removes the bound.
func WithManualResetTimeout(d time.Duration) Option {
	return func(c *Config) {
		if d >= 0 {
			c.Handshake.ManualTimeout = d
		}
	}
}

// WithRebootVariant selects the reboot frame sent at the end of a download.
func WithRebootVariant(v RebootVariant) Option {
	return func(c *Config) {
		c.Reboot = v
	}
}

// WithSkipProtect leaves the flash write protection cleared after a download.
func WithSkipProtect(skip bool) Option {
	return func(c *Config) {
		c.SkipProtect = skip
	}
}

// WithFinalCRC enables a CRC check over the whole written range.
func WithFinalCRC(enable bool) Option {
	return func(c *Config) {
		c.FinalCRC = enable
	}
}

// WithProgress sets the progress callback.
func WithProgress(f ProgressFunc) Option {
	return func(c *Config) {
		c.Progress = f
	}
}

// WithStopFlag sets a predicate polled at every cancellation point. The run
// stops with ErrCancelled once it returns true.
func WithStopFlag(stop func() bool) Option {
	return func(c *Config) {
		c.Stop = stop
	}
}
