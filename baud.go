package bekenboot

import (
	"context"

	"github.com/pkg/errors"
)

// setBaud switches the target and the transport to baud. On failure the
// session's rate follows the transport, not the target.
func (p *bekenProgrammer) setBaud(s *FlashSession, baud int) error {
	if s.CurrentBaud == baud {
		return nil
	}
	pkgLog.Debugf("switching baud rate %d -> %d", s.CurrentBaud, baud)
	err := p.bootloader.SetBaudRate(baud, p.config.BaudSettle)
	s.CurrentBaud = p.bootloader.Baud()
	if err != nil {
		return errors.Wrapf(err, "failed to switch to %d baud", baud)
	}
	return nil
}

// restoreBaud returns the transport to the initial rate. It is best effort:
// failures are logged since the caller is usually already failing.
func (p *bekenProgrammer) restoreBaud(s *FlashSession) {
	initial := p.config.InitialBaud
	if s.CurrentBaud == initial && p.bootloader.Baud() == initial {
		return
	}
	if !p.rebooted {
		err := p.setBaud(s, initial)
		if err == nil {
			return
		}
		pkgLog.Warnf("failed to restore %d baud on target: %v", initial, err)
	}
	p.bootloader.Disconnect()
	if err := p.bootloader.Connect(initial); err != nil {
		pkgLog.Errorf("failed to reopen transport at %d baud: %v", initial, err)
		return
	}
	s.CurrentBaud = initial
}

// atAlignmentBaud runs fn with the link dropped to the alignment rate, and
// switches back to the working rate afterwards.
func (p *bekenProgrammer) atAlignmentBaud(s *FlashSession, fn func() error) error {
	working := s.CurrentBaud
	slow := p.config.AlignmentBaud
	if slow <= 0 || slow >= working {
		return fn()
	}
	if err := p.setBaud(s, slow); err != nil {
		return err
	}
	fnErr := fn()
	if err := p.setBaud(s, working); err != nil {
		if fnErr != nil {
			pkgLog.Warnf("failed to restore %d baud: %v", working, err)
			return fnErr
		}
		return err
	}
	return fnErr
}

// recoverBus drops to the initial rate, re-runs the handshake and returns
// to the rate in use before.
func (p *bekenProgrammer) recoverBus(ctx context.Context, s *FlashSession) error {
	working := s.CurrentBaud
	initial := p.config.InitialBaud
	if err := p.setBaud(s, initial); err != nil {
		pkgLog.Debugf("target did not follow to %d baud: %v", initial, err)
		p.bootloader.Disconnect()
		if err := p.bootloader.Connect(initial); err != nil {
			return err
		}
		s.CurrentBaud = initial
	}
	if _, err := Acquire(ctx, p.bootloader, p.handshakeConfig(s)); err != nil {
		return err
	}
	return p.setBaud(s, working)
}
