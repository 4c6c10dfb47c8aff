package bekenboot

import (
	"context"
	"time"

	"github.com/pkg/errors"
)

// bekenProgrammer drives the Beken boot ROM through a Bootloader.
type bekenProgrammer struct {
	bootloader Bootloader
	config     Config
	sess       *FlashSession
	rebooted   bool
}

// NewBekenProgrammer creates a programmer for Beken parts.
func NewBekenProgrammer(bootloader Bootloader, opts ...Option) Programmer {
	cfg := defaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	return &bekenProgrammer{bootloader: bootloader, config: cfg}
}

func (p *bekenProgrammer) Session() *FlashSession {
	return p.sess
}

// session returns the live session. A reboot ends it: the target has left
// the boot ROM and the next operation must Connect again.
func (p *bekenProgrammer) session() (*FlashSession, error) {
	if p.sess == nil || p.sess.Flash == nil || p.rebooted {
		return nil, ErrNotConnected
	}
	return p.sess, nil
}

func (p *bekenProgrammer) Stop() {
	if p.sess != nil {
		p.sess.Stop()
	}
}

func (p *bekenProgrammer) report(pr Progress) {
	if p.config.Progress != nil {
		p.config.Progress(pr)
	}
}

// stopFunc combines the session flag with the configured stop flag.
func (p *bekenProgrammer) stopFunc(s *FlashSession) func() bool {
	external := p.config.Stop
	return func() bool {
		return s.Stopped() || (external != nil && external())
	}
}

func (p *bekenProgrammer) checkStop(ctx context.Context, s *FlashSession) error {
	return checkCancelled(ctx, p.stopFunc(s))
}

// retry runs op up to attempts times while it fails with a retryable error.
func (p *bekenProgrammer) retry(ctx context.Context, s *FlashSession, attempts int, delay time.Duration, op func() error) error {
	var err error
	for i := 0; i < attempts; i++ {
		if err := p.checkStop(ctx, s); err != nil {
			return err
		}
		if err = op(); err == nil {
			return nil
		}
		if !Retryable(err) {
			return err
		}
		pkgLog.Debugf("attempt %d/%d failed: %v", i+1, attempts, err)
		if delay > 0 {
			time.Sleep(delay)
		}
	}
	return err
}

func (p *bekenProgrammer) handshakeConfig(s *FlashSession) HandshakeConfig {
	cfg := p.config.Handshake
	cfg.Stop = p.stopFunc(s)
	return cfg
}

// Connect opens the transport at the initial rate, acquires the bus and
// identifies the chip and its flash.
func (p *bekenProgrammer) Connect(ctx context.Context) error {
	s := newSession(p.config.InitialBaud)
	p.sess = s
	p.rebooted = false

	if err := p.bootloader.Connect(p.config.InitialBaud); err != nil {
		return errors.Wrap(err, "failed to open bootloader")
	}
	p.report(Progress{Stage: StageConnect, Message: "waiting for boot ROM"})
	res, err := Acquire(ctx, p.bootloader, p.handshakeConfig(s))
	if err != nil {
		return err
	}
	pkgLog.Infof("connected after %d reset pulses", res.Pulses)

	err = p.retry(ctx, s, p.config.Retries, 0, func() error {
		id, err := p.bootloader.GetChipID()
		s.ChipID = id
		return err
	})
	if err != nil {
		return errors.Wrap(err, "failed to get chip id")
	}

	var flashID uint32
	err = p.retry(ctx, s, p.config.Retries, 0, func() error {
		var err error
		flashID, err = p.bootloader.GetFlashID()
		return err
	})
	if err != nil {
		return errors.Wrap(err, "failed to get flash id")
	}
	desc, ok := LookupFlash(flashID)
	if !ok {
		s.FlashID = flashID
		return errors.Wrapf(ErrUnknownFlash, "flash id %06X", flashID)
	}
	s.setFlash(flashID, desc)
	pkgLog.Infof("chip id %08X, flash %s", s.ChipID, desc)
	p.report(Progress{Stage: StageConnect, Message: "connected to " + desc.String()})
	return nil
}

// Info describes the connected chip.
func (p *bekenProgrammer) Info() (ChipInfo, error) {
	s, err := p.session()
	if err != nil {
		return ChipInfo{}, err
	}
	return ChipInfo{ChipID: s.ChipID, FlashID: s.FlashID, Flash: *s.Flash}, nil
}

// Disconnect closes the transport. The session is dropped with it.
func (p *bekenProgrammer) Disconnect() {
	p.bootloader.Disconnect()
	p.sess = nil
}

// Read returns length bytes of flash starting at address.
func (p *bekenProgrammer) Read(ctx context.Context, address uint32, length int) ([]byte, error) {
	s, err := p.session()
	if err != nil {
		return nil, err
	}
	if length < 0 || uint64(address)+uint64(length) > uint64(s.Flash.SizeBytes) {
		return nil, errors.Errorf("read of %d bytes at %08X outside flash", length, address)
	}
	out := make([]byte, 0, length)
	start := address &^ (SectorSize - 1)
	skip := int(address - start)
	for addr := start; len(out) < length; addr += SectorSize {
		data, err := p.readSector(ctx, s, addr)
		if err != nil {
			return nil, err
		}
		data = data[skip:]
		skip = 0
		if n := length - len(out); len(data) > n {
			data = data[:n]
		}
		out = append(out, data...)
		p.report(Progress{Stage: StageRead, BytesDone: len(out), BytesTotal: length})
	}
	return out, nil
}

func (p *bekenProgrammer) readSector(ctx context.Context, s *FlashSession, addr uint32) ([]byte, error) {
	var data []byte
	err := p.retry(ctx, s, p.config.Retries, 0, func() error {
		var err error
		data, err = p.bootloader.ReadFlash(addr, s.Extended())
		return err
	})
	if err != nil {
		return nil, errors.Wrapf(err, "read sector %08X", addr)
	}
	return data, nil
}

// CRC asks the target for the CRC of [address, address+length).
func (p *bekenProgrammer) CRC(ctx context.Context, address uint32, length int) (uint32, error) {
	s, err := p.session()
	if err != nil {
		return 0, err
	}
	if length <= 0 {
		return 0, errors.Errorf("invalid crc length %d", length)
	}
	var crc uint32
	err = p.retry(ctx, s, p.config.Retries, 0, func() error {
		var err error
		crc, err = p.bootloader.CalculateCRC(address, address+uint32(length)-1, s.Extended())
		return err
	})
	return crc, err
}

// verifyRange compares the target's CRC of the range with the local one.
func (p *bekenProgrammer) verifyRange(ctx context.Context, s *FlashSession, address uint32, data []byte) error {
	want := SectorCRC(data)
	end := address + uint32(len(data)) - 1
	return p.retry(ctx, s, p.config.Retries, 0, func() error {
		got, err := p.bootloader.CalculateCRC(address, end, s.Extended())
		if err != nil {
			return err
		}
		if got != want {
			return newAddrError(KindChecksumMismatch, "verify", address,
				errors.Errorf("crc %08X, expected %08X", got, want))
		}
		return nil
	})
}

// Reboot restarts the target into the application.
// The session ends with it.
func (p *bekenProgrammer) Reboot(ctx context.Context) error {
	if _, err := p.session(); err != nil {
		return err
	}
	p.report(Progress{Stage: StageReboot, Message: "rebooting"})
	if err := p.bootloader.Reboot(p.config.Reboot); err != nil {
		return errors.Wrap(err, "reboot")
	}
	p.rebooted = true
	return nil
}

// Download runs connect, unprotect, erase, write, protect and reboot for one
// image. The transport is back at the initial rate on return, whatever the
// outcome.
func (p *bekenProgrammer) Download(ctx context.Context, address uint32, image []byte) (err error) {
	if len(image) == 0 {
		return errors.New("empty image")
	}
	if _, err := p.session(); err != nil {
		if err := p.Connect(ctx); err != nil {
			p.report(Progress{Stage: StageError, Message: err.Error(), Err: err})
			return err
		}
	}
	s := p.sess
	defer func() {
		p.restoreBaud(s)
		if err != nil {
			p.report(Progress{Stage: StageError, Message: err.Error(), Err: err})
			return
		}
		p.report(Progress{Stage: StageCompleted, Message: "download complete", BytesDone: len(image), BytesTotal: len(image)})
	}()

	padded, err := fitImage(s, address, image)
	if err != nil {
		return err
	}

	if err := p.Unprotect(ctx); err != nil {
		return errors.Wrap(err, "failed to unprotect flash")
	}

	p.report(Progress{Stage: StageBaud, Message: "switching baud rate"})
	if err := p.setBaud(s, p.config.BaudRate); err != nil {
		return err
	}

	if err := p.eraseRegion(ctx, s, AlignRegion(address, len(padded))); err != nil {
		return errors.Wrap(err, "failed to erase flash")
	}
	if err := p.writeRegion(ctx, s, address, padded); err != nil {
		return errors.Wrap(err, "failed to write flash")
	}
	if p.config.FinalCRC {
		p.report(Progress{Stage: StageVerify, Message: "verifying image"})
		if err := p.verifyRange(ctx, s, address, padded); err != nil {
			return errors.Wrap(err, "failed to verify image")
		}
	}

	if !p.config.SkipProtect {
		if err := p.Protect(ctx); err != nil {
			return errors.Wrap(err, "failed to protect flash")
		}
	}

	// Restore the rate while the boot ROM still listens.
	p.restoreBaud(s)
	return p.Reboot(ctx)
}
