package bekenboot

import (
	"context"
	"encoding/binary"
	"testing"
	"time"

	"github.com/pkg/errors"
)

// fakeFrame is a command received by fakeDevice.
type fakeFrame struct {
	Extended bool
	Code     byte
	Payload  []byte
}

// fakeDevice simulates the boot ROM and its flash behind a Transport.
type fakeDevice struct {
	flash   []byte
	regs    map[byte]byte
	chipID  uint32
	flashID uint32

	open        bool
	hostBaud    int
	devBaud     int
	initialBaud int
	pendingBaud int
	pendingResp []byte
	rx          []byte

	// Behaviour knobs.
	noBaudEcho       bool
	silentLinkChecks int
	silent           map[byte]int
	corruptWrites    map[uint32]int
	lockedRegs       bool

	frames   []fakeFrame
	lines    [][2]bool
	resets   int
	rebooted []RebootVariant
}

func newFakeDevice(size int, flashID uint32) *fakeDevice {
	d := &fakeDevice{
		flash:         make([]byte, size),
		regs:          map[byte]byte{0x05: 0x1C, 0x35: 0x00},
		chipID:        0x7231C,
		flashID:       flashID,
		hostBaud:      DefaultInitialBaud,
		devBaud:       DefaultInitialBaud,
		initialBaud:   DefaultInitialBaud,
		silent:        map[byte]int{},
		corruptWrites: map[uint32]int{},
	}
	fill(d.flash, 0xFF)
	return d
}

func (d *fakeDevice) Open(mode Mode) error {
	d.open = true
	d.hostBaud = mode.BaudRate
	d.rx = nil
	if d.pendingResp != nil && d.pendingBaud == d.hostBaud {
		d.rx = d.pendingResp
	}
	d.pendingResp = nil
	return nil
}

func (d *fakeDevice) Close() error {
	d.open = false
	d.rx = nil
	return nil
}

func (d *fakeDevice) Flush() error {
	d.rx = nil
	return nil
}

func (d *fakeDevice) Read(max int, timeout time.Duration) ([]byte, error) {
	if !d.open {
		return nil, newError(KindTransportDisconnected, "read", ErrNotConnected)
	}
	n := max
	if n > len(d.rx) {
		n = len(d.rx)
	}
	out := append([]byte{}, d.rx[:n]...)
	d.rx = d.rx[n:]
	return out, nil
}

func (d *fakeDevice) SetControlLines(dtr, rts bool) error {
	d.lines = append(d.lines, [2]bool{dtr, rts})
	if dtr && !rts {
		d.resets++
		d.devBaud = d.initialBaud
		d.rx = nil
	}
	return nil
}

func (d *fakeDevice) Write(p []byte) (int, error) {
	if !d.open {
		return 0, newError(KindTransportDisconnected, "write", ErrNotConnected)
	}
	if d.hostBaud != d.devBaud {
		return len(p), nil
	}
	ext, code, payload, err := DecodeFrame(p)
	if err != nil {
		return 0, errors.Wrap(err, "fake device")
	}
	d.frames = append(d.frames, fakeFrame{ext, code, append([]byte{}, payload...)})
	if d.silent[code] > 0 {
		d.silent[code]--
		return len(p), nil
	}
	if ext {
		d.handleExtended(code, payload)
	} else {
		d.handleBase(code, payload)
	}
	return len(p), nil
}

func (d *fakeDevice) reply(r Response) {
	d.rx = append(d.rx, r.Bytes()...)
}

func (d *fakeDevice) handleBase(code byte, payload []byte) {
	switch code {
	case commandLinkCheck:
		if d.silentLinkChecks > 0 {
			d.silentLinkChecks--
			return
		}
		d.reply(Response{Code: commandLinkCheck + 1, Payload: []byte{0}})
	case commandReadReg:
		d.reply(Response{Code: code, Payload: append(payload[:4:4], le32(d.chipID)...)})
	case commandSetBaudRate:
		baud := int(binary.LittleEndian.Uint32(payload))
		d.devBaud = baud
		if !d.noBaudEcho {
			d.pendingBaud = baud
			d.pendingResp = Response{Code: code, Payload: payload[:5]}.Bytes()
		}
	case commandCheckCRC, commandCheckCRCExt:
		start := binary.LittleEndian.Uint32(payload)
		end := binary.LittleEndian.Uint32(payload[4:])
		d.reply(Response{Code: code, Payload: le32(SectorCRC(d.flash[start : end+1]))})
	case commandRebootReset:
		d.rebooted = append(d.rebooted, RebootReset)
	case commandReboot:
		d.rebooted = append(d.rebooted, RebootCommand)
	}
}

func (d *fakeDevice) protected() bool {
	return d.regs[0x05]&0x7C != 0
}

func (d *fakeDevice) handleExtended(code byte, payload []byte) {
	switch code {
	case flashCommandGetFlashID:
		d.reply(Response{Extended: true, Code: code, Payload: le32(d.flashID<<8 | flashOpcodeReadID)})
	case flashCommandReadSR:
		d.reply(Response{Extended: true, Code: code, Payload: []byte{payload[0], d.regs[payload[0]]}})
	case flashCommandWriteSR:
		if !d.lockedRegs {
			switch payload[0] {
			case 0x01:
				d.regs[0x05] = payload[1]
				if len(payload) > 2 {
					d.regs[0x35] = payload[2]
				}
			case 0x31:
				d.regs[0x35] = payload[1]
			}
		}
		d.reply(Response{Extended: true, Code: code, Payload: payload})
	case flashCommandErase:
		addr := binary.LittleEndian.Uint32(payload[1:])
		size := uint32(SectorSize)
		if payload[0] == EraseBlock64K || payload[0] == EraseBlock64KExt {
			size = BlockSize
		}
		if !d.protected() {
			start := addr &^ (size - 1)
			fill(d.flash[start:start+size], 0xFF)
		}
		d.reply(Response{Extended: true, Code: code, Payload: payload})
	case flashCommandWrite, flashCommandWriteExt:
		addr := binary.LittleEndian.Uint32(payload)
		data := payload[4:]
		if !d.protected() {
			for i, v := range data {
				d.flash[addr+uint32(i)] &= v
			}
			if d.corruptWrites[addr] > 0 {
				d.corruptWrites[addr]--
				d.flash[addr] = ^data[0]
			}
		}
		d.reply(Response{Extended: true, Code: code, Payload: payload[:4]})
	case flashCommandRead, flashCommandReadExt:
		addr := binary.LittleEndian.Uint32(payload)
		d.reply(Response{Extended: true, Code: code, Payload: append(payload[:4:4], d.flash[addr:addr+SectorSize]...)})
	}
}

// count returns how many frames with the given code were received.
func (d *fakeDevice) count(ext bool, code byte) int {
	n := 0
	for _, f := range d.frames {
		if f.Extended == ext && f.Code == code {
			n++
		}
	}
	return n
}

// writesAt returns how many sector writes targeted addr.
func (d *fakeDevice) writesAt(addr uint32) int {
	n := 0
	for _, f := range d.frames {
		if f.Extended && (f.Code == flashCommandWrite || f.Code == flashCommandWriteExt) &&
			binary.LittleEndian.Uint32(f.Payload) == addr {
			n++
		}
	}
	return n
}

// testOptions keeps handshakes and retries fast against the fake.
func testOptions(extra ...Option) []Option {
	return append([]Option{
		WithResetTiming(0, 0),
		WithHandshake(3, 5),
	}, extra...)
}

// connected returns a programmer connected to a fresh fake device.
func connected(t *testing.T, d *fakeDevice, opts ...Option) *bekenProgrammer {
	t.Helper()
	p := NewBekenProgrammer(NewSerialBootloader(d), testOptions(opts...)...).(*bekenProgrammer)
	if err := p.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() failed: %v", err)
	}
	return p
}
