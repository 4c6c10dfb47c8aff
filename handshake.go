package bekenboot

import (
	"context"
	"fmt"
	"time"

	"github.com/pkg/errors"
)

// HandshakeState is a state of the bus acquisition machine.
type HandshakeState int

const (
	StateIdle HandshakeState = iota
	StateResetting
	StateLinkChecking
	StateAcquired
	StateFailed
)

func (s HandshakeState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateResetting:
		return "resetting"
	case StateLinkChecking:
		return "link checking"
	case StateAcquired:
		return "acquired"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("HandshakeState(%d)", int(s))
	}
}

// HandshakeResult reports how the acquisition ended.
type HandshakeResult struct {
	State HandshakeState
	// Reset pulses issued, and link checks issued across all pulses.
	Pulses     int
	LinkChecks int
	// ManualReset is set when the transport could not drive the reset lines.
	ManualReset bool
}

// Acquire forces the target into its boot ROM listener and waits for it to
// answer a link check. Each reset pulse is followed by up to
// cfg.ChecksPerPulse link checks; the cycle repeats up to cfg.Pulses times
// because a single pulse can miss the listener window.
func Acquire(ctx context.Context, b Bootloader, cfg HandshakeConfig) (HandshakeResult, error) {
	res := HandshakeResult{State: StateIdle}
	var manualSince time.Time
	for res.Pulses < cfg.Pulses {
		if err := checkCancelled(ctx, cfg.Stop); err != nil {
			res.State = StateFailed
			return res, err
		}

		res.State = StateResetting
		res.Pulses++
		if !res.ManualReset {
			err := b.ResetTarget(cfg.ResetHold, cfg.ResetSettle)
			switch {
			case errors.Is(err, ErrControlLinesUnsupported):
				res.ManualReset = true
				manualSince = time.Now()
				pkgLog.Infof("transport cannot reset the target, reset it by hand now")
			case err != nil:
				res.State = StateFailed
				return res, errors.Wrap(err, "reset target")
			}
		}

		res.State = StateLinkChecking
		for i := 0; i < cfg.ChecksPerPulse; i++ {
			if err := checkCancelled(ctx, cfg.Stop); err != nil {
				res.State = StateFailed
				return res, err
			}
			if res.ManualReset && cfg.ManualTimeout > 0 && time.Since(manualSince) > cfg.ManualTimeout {
				res.State = StateFailed
				return res, newError(KindTimeout, "acquire bus",
					errors.Wrapf(ErrHandshakeFailed, "no answer within %v of asking for a manual reset", cfg.ManualTimeout))
			}
			res.LinkChecks++
			err := b.LinkCheck(cfg.LinkTimeout)
			if err == nil {
				res.State = StateAcquired
				pkgLog.Debugf("bus acquired after %d pulses, %d link checks", res.Pulses, res.LinkChecks)
				return res, nil
			}
			if !Retryable(err) {
				res.State = StateFailed
				return res, err
			}
		}
		pkgLog.Debugf("no answer after reset pulse %d", res.Pulses)
	}
	res.State = StateFailed
	return res, newError(KindTimeout, "acquire bus",
		errors.Wrapf(ErrHandshakeFailed, "no answer after %d reset pulses", res.Pulses))
}

func checkCancelled(ctx context.Context, stop func() bool) error {
	if err := ctx.Err(); err != nil {
		return newError(KindCancelled, "cancelled", errors.Wrap(ErrCancelled, err.Error()))
	}
	if stop != nil && stop() {
		return newError(KindCancelled, "cancelled", ErrCancelled)
	}
	return nil
}
