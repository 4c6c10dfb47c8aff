package bekenboot

import (
	"encoding/hex"
	"time"

	"github.com/pkg/errors"
)

type serialBootloader struct {
	transport Transport
	baud      int
	open      bool
}

// NewSerialBootloader creates a bootloader speaking the boot ROM protocol
// over the given transport. The bootloader owns the transport until
// Disconnect.
func NewSerialBootloader(t Transport) Bootloader {
	return &serialBootloader{transport: t}
}

func (b *serialBootloader) Connect(baud int) error {
	if err := b.transport.Open(ModeFor(baud)); err != nil {
		return err
	}
	b.baud = baud
	b.open = true
	return nil
}

func (b *serialBootloader) Disconnect() {
	if !b.open {
		return
	}
	if err := b.transport.Close(); err != nil {
		pkgLog.Warnf("failed to close transport: %v", err)
	}
	b.open = false
}

func (b *serialBootloader) Baud() int {
	return b.baud
}

// send clears stale inbound bytes left by a previous failed exchange and
// writes the frame.
func (b *serialBootloader) send(cmd Command) error {
	if err := b.transport.Flush(); err != nil {
		return newError(KindTransportDisconnected, "flush", err)
	}
	tx := cmd.GetBytes()
	pkgLog.Debugf("tx % X", head(tx, 32))
	n, err := b.transport.Write(tx)
	if err != nil {
		return newError(KindTransportDisconnected, "write", err)
	}
	if n != len(tx) {
		return newError(KindTransportDisconnected, "write", errors.Errorf("short write %d of %d bytes", n, len(tx)))
	}
	return nil
}

// recv collects up to count bytes. A short result is returned as is.
func (b *serialBootloader) recv(count int, timeout time.Duration) ([]byte, error) {
	rx, err := b.transport.Read(count, timeout)
	if err != nil {
		if KindOf(err) == KindUnknown {
			err = newError(KindTransportDisconnected, "read", err)
		}
		return rx, err
	}
	if len(rx) > 0 {
		pkgLog.Debugf("rx % X", head(rx, 32))
	}
	return rx, nil
}

// checkCommand runs one exchange and validates the response frame: header,
// length field, status and response command byte. Callers check fields
// specific to the command.
func (b *serialBootloader) checkCommand(desc string, cmd Command) (Response, error) {
	if err := b.send(cmd); err != nil {
		return Response{}, err
	}
	rx, err := b.recv(cmd.GetResponseLength(), cmd.Timeout())
	if err != nil {
		return Response{}, err
	}
	if len(rx) < cmd.GetResponseLength() {
		return Response{}, newError(KindTimeout, desc,
			errors.Errorf("received %d of %d bytes within %v", len(rx), cmd.GetResponseLength(), cmd.Timeout()))
	}
	resp, err := DecodeResponse(cmd.Extended, rx)
	if err != nil {
		pkgLog.Debugf("%s: malformed response:\n%s", desc, hex.Dump(head(rx, 64)))
		return Response{}, newError(KindProtocolMismatch, desc, err)
	}
	if resp.Code != cmd.responseCode {
		return Response{}, newError(KindProtocolMismatch, desc,
			errors.Errorf("response command %02X, expected %02X", resp.Code, cmd.responseCode))
	}
	return resp, nil
}

func (b *serialBootloader) ResetTarget(hold, settle time.Duration) error {
	if err := b.transport.SetControlLines(false, true); err != nil {
		return err
	}
	time.Sleep(hold)
	if err := b.transport.SetControlLines(true, false); err != nil {
		return err
	}
	time.Sleep(settle)
	return nil
}

func (b *serialBootloader) LinkCheck(timeout time.Duration) error {
	cmd := NewLinkCheckCommand()
	cmd.timeout = timeout
	resp, err := b.checkCommand("link check", cmd)
	if err != nil {
		return err
	}
	if len(resp.Payload) != 1 || resp.Payload[0] != 0 {
		return newError(KindProtocolMismatch, "link check", errors.Errorf("unexpected payload % X", resp.Payload))
	}
	return nil
}

func (b *serialBootloader) GetChipID() (uint32, error) {
	resp, err := b.checkCommand("get chip id", NewGetChipIDCommand())
	if err != nil {
		return 0, err
	}
	if err := checkEcho(resp, le32(chipIDRegister)); err != nil {
		return 0, newError(KindProtocolMismatch, "get chip id", err)
	}
	id, err := ParseChipIDResponse(resp)
	if err != nil {
		return 0, newError(KindProtocolMismatch, "get chip id", err)
	}
	return id, nil
}

func (b *serialBootloader) GetFlashID() (uint32, error) {
	resp, err := b.checkCommand("get flash id", NewGetFlashIDCommand())
	if err != nil {
		return 0, err
	}
	id, err := ParseFlashIDResponse(resp)
	if err != nil {
		return 0, newError(KindProtocolMismatch, "get flash id", err)
	}
	return id, nil
}

// SetBaudRate asks the target to switch rate, reopens the transport at the
// new rate and confirms the switch. The structured echo is preferred; a
// link check at the new rate is accepted as weaker proof. On error the
// transport is left at the new rate and callers must not assume the target
// followed.
func (b *serialBootloader) SetBaudRate(baud int, settleMs int) error {
	cmd := NewSetBaudRateCommand(baud, settleMs)
	if err := b.send(cmd); err != nil {
		return err
	}
	time.Sleep(time.Duration(settleMs) * time.Millisecond / 2)

	if err := b.transport.Close(); err != nil {
		pkgLog.Warnf("close before baud switch: %v", err)
	}
	if err := b.transport.Open(ModeFor(baud)); err != nil {
		b.open = false
		return err
	}
	b.baud = baud

	rx, err := b.recv(cmd.GetResponseLength(), cmd.Timeout())
	if err != nil {
		return err
	}
	if resp, err := DecodeResponse(false, rx); err == nil && resp.Code == commandSetBaudRate {
		if got, err := ParseSetBaudRateResponse(resp); err == nil && got == baud {
			return nil
		}
	}
	pkgLog.Debugf("no baud switch echo at %d, falling back to link check", baud)
	if err := b.LinkCheck(timeoutQuery); err != nil {
		return newError(KindProtocolMismatch, "set baud rate", errors.Wrapf(err, "target silent at %d", baud))
	}
	return nil
}

func (b *serialBootloader) ReadStatusRegister(reg byte) (byte, error) {
	resp, err := b.checkCommand("read status register", NewReadStatusRegisterCommand(reg))
	if err != nil {
		return 0, err
	}
	if err := checkEcho(resp, []byte{reg}); err != nil {
		return 0, newError(KindProtocolMismatch, "read status register", err)
	}
	if len(resp.Payload) != 2 {
		return 0, newError(KindProtocolMismatch, "read status register", errors.New("invalid response length"))
	}
	return resp.Payload[1], nil
}

func (b *serialBootloader) WriteStatusRegister(reg byte, values []byte) error {
	resp, err := b.checkCommand("write status register", NewWriteStatusRegisterCommand(reg, values))
	if err != nil {
		return err
	}
	if err := checkEcho(resp, []byte{reg}); err != nil {
		return newError(KindProtocolMismatch, "write status register", err)
	}
	return nil
}

func (b *serialBootloader) EraseFlash(sizeCode byte, address uint32) error {
	resp, err := b.checkCommand("erase", NewEraseCommand(sizeCode, address))
	if err != nil {
		return withAddress(err, address)
	}
	if sizeCode == EraseSector4K || sizeCode == EraseBlock64K {
		if err := checkEcho(resp, append([]byte{sizeCode}, le32(address)...)); err != nil {
			return newAddrError(KindProtocolMismatch, "erase", address, err)
		}
	}
	return nil
}

func (b *serialBootloader) WriteFlash(address uint32, data []byte, extended bool) error {
	if len(data) > SectorSize {
		return errors.Errorf("write of %d bytes exceeds sector size", len(data))
	}
	resp, err := b.checkCommand("write flash", NewWriteFlashCommand(address, data, extended))
	if err != nil {
		return withAddress(err, address)
	}
	if !extended {
		if err := checkEcho(resp, le32(address)); err != nil {
			return newAddrError(KindProtocolMismatch, "write flash", address, err)
		}
	}
	return nil
}

func (b *serialBootloader) ReadFlash(address uint32, extended bool) ([]byte, error) {
	resp, err := b.checkCommand("read flash", NewReadFlashCommand(address, extended))
	if err != nil {
		return nil, withAddress(err, address)
	}
	if !extended {
		if err := checkEcho(resp, le32(address)); err != nil {
			return nil, newAddrError(KindProtocolMismatch, "read flash", address, err)
		}
	}
	return resp.Payload[4:], nil
}

func (b *serialBootloader) CalculateCRC(start, end uint32, extended bool) (uint32, error) {
	resp, err := b.checkCommand("calculate crc", NewCalculateCRCCommand(start, end, extended))
	if err != nil {
		return 0, withAddress(err, start)
	}
	crc, err := ParseCRCResponse(resp)
	if err != nil {
		return 0, newAddrError(KindProtocolMismatch, "calculate crc", start, err)
	}
	return crc, nil
}

func (b *serialBootloader) Reboot(variant RebootVariant) error {
	return b.send(NewRebootCommand(variant))
}

// withAddress attaches addr to a FlashError that has none.
func withAddress(err error, addr uint32) error {
	var fe *FlashError
	if errors.As(err, &fe) && !fe.HasAddress {
		return newAddrError(fe.Kind, fe.Op, addr, fe.Err)
	}
	return err
}
