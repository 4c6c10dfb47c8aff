package bekenboot

import (
	"context"
	"time"

	"github.com/pkg/errors"
)

const registerRetryDelay = 10 * time.Millisecond

// ProtectionRegisterState pairs status register values with the mask of
// bits that carry write protection.
type ProtectionRegisterState struct {
	Values []byte
	Mask   []byte
}

// Matches reports whether the masked bits equal those of target.
func (s ProtectionRegisterState) Matches(target []byte) bool {
	if len(target) != len(s.Values) || len(s.Mask) != len(s.Values) {
		return false
	}
	for i := range s.Values {
		if s.Values[i]&s.Mask[i] != target[i]&s.Mask[i] {
			return false
		}
	}
	return true
}

// Merge returns the values to write so that the masked bits become those of
// target while the other bits keep their current value.
func (s ProtectionRegisterState) Merge(target []byte) []byte {
	merged := make([]byte, len(s.Values))
	for i := range s.Values {
		merged[i] = target[i] | (s.Values[i] &^ s.Mask[i])
	}
	return merged
}

func (p *bekenProgrammer) readStatusRegisters(ctx context.Context, s *FlashSession, regs []byte) ([]byte, error) {
	values := make([]byte, len(regs))
	for i, reg := range regs {
		err := p.retry(ctx, s, p.config.Retries, 0, func() error {
			v, err := p.bootloader.ReadStatusRegister(reg)
			values[i] = v
			return err
		})
		if err != nil {
			return nil, errors.Wrapf(err, "read status register %02X", reg)
		}
	}
	return values, nil
}

func (p *bekenProgrammer) writeStatusRegisters(ctx context.Context, s *FlashSession, prof ProtectionProfile, values []byte) error {
	if prof.Combined() {
		reg := prof.WriteRegs[0]
		err := p.retry(ctx, s, p.config.Retries, registerRetryDelay, func() error {
			return p.bootloader.WriteStatusRegister(reg, values)
		})
		return errors.Wrapf(err, "write status registers %02X", reg)
	}
	for i, reg := range prof.WriteRegs {
		v := values[i : i+1]
		err := p.retry(ctx, s, p.config.Retries, registerRetryDelay, func() error {
			return p.bootloader.WriteStatusRegister(reg, v)
		})
		if err != nil {
			return errors.Wrapf(err, "write status register %02X", reg)
		}
	}
	return nil
}

// setProtection drives the protection bits to target. It is a no-op when
// they already match; otherwise it writes once and verifies.
func (p *bekenProgrammer) setProtection(ctx context.Context, s *FlashSession, target []byte, what string) error {
	prof := s.Flash.Protection
	values, err := p.readStatusRegisters(ctx, s, prof.ReadRegs)
	if err != nil {
		return err
	}
	state := ProtectionRegisterState{Values: values, Mask: prof.Mask}
	if state.Matches(target) {
		pkgLog.Debugf("flash already %s: status % X", what, values)
		return nil
	}

	merged := state.Merge(target)
	pkgLog.Debugf("%s: status % X -> % X", what, values, merged)
	if err := p.writeStatusRegisters(ctx, s, prof, merged); err != nil {
		return err
	}

	values, err = p.readStatusRegisters(ctx, s, prof.ReadRegs)
	if err != nil {
		return err
	}
	state.Values = values
	if !state.Matches(target) {
		return newError(KindProtocolMismatch, what,
			errors.Errorf("status registers % X do not match % X under mask % X", values, target, prof.Mask))
	}
	return nil
}

// Unprotect clears the flash write protection bits.
func (p *bekenProgrammer) Unprotect(ctx context.Context) error {
	s, err := p.session()
	if err != nil {
		return err
	}
	p.report(Progress{Stage: StageUnprotect, Message: "unprotecting flash"})
	return p.setProtection(ctx, s, s.Flash.Protection.Unprotect, "unprotect")
}

// Protect sets the flash write protection bits.
func (p *bekenProgrammer) Protect(ctx context.Context) error {
	s, err := p.session()
	if err != nil {
		return err
	}
	p.report(Progress{Stage: StageProtect, Message: "protecting flash"})
	return p.setProtection(ctx, s, s.Flash.Protection.Protect, "protect")
}
