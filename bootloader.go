// Package bekenboot flashes firmware onto Beken microcontrollers over a serial
// link using the chip's boot ROM protocol.
//
// The package contains two main components: Bootloader and Programmer.
// Bootloader provides single framed command/response exchanges with the boot
// ROM over a Transport. Programmer builds the flash lifecycle on top of it:
// bus acquisition, status register protection, erase planning, sector
// aligned writes with CRC verification, baud switching and reboot.
//
// Also included is a command line tool, found in the cmd/bekenboot directory,
// that serves as both an example on how to use the library and a fully
// functional host program.
package bekenboot

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"time"

	"github.com/pkg/errors"
)

// The Bootloader interface performs single boot ROM commands. Retries,
// recovery and sequencing are left to the Programmer.
type Bootloader interface {
	Connect(baud int) error
	Disconnect()
	// Baud returns the rate the transport is currently open at.
	Baud() int
	ResetTarget(hold, settle time.Duration) error
	LinkCheck(timeout time.Duration) error
	GetChipID() (uint32, error)
	GetFlashID() (uint32, error)
	SetBaudRate(baud int, settleMs int) error
	ReadStatusRegister(reg byte) (byte, error)
	WriteStatusRegister(reg byte, values []byte) error
	EraseFlash(sizeCode byte, address uint32) error
	WriteFlash(address uint32, data []byte, extended bool) error
	ReadFlash(address uint32, extended bool) ([]byte, error)
	CalculateCRC(start, end uint32, extended bool) (uint32, error)
	Reboot(variant RebootVariant) error
}

// Base frame command codes.
const (
	commandLinkCheck   = 0x00
	commandReadReg     = 0x03
	commandReboot      = 0x05
	commandRebootReset = 0x0E
	commandSetBaudRate = 0x0F
	commandCheckCRC    = 0x10
	commandCheckCRCExt = 0x13
)

// Extended (flash sub-protocol) command codes.
const (
	flashCommandWrite      = 0x07
	flashCommandWriteExt   = 0xE7
	flashCommandRead       = 0x09
	flashCommandReadExt    = 0xE9
	flashCommandReadSR     = 0x0C
	flashCommandWriteSR    = 0x0D
	flashCommandGetFlashID = 0x0E
	flashCommandErase      = 0x0F
)

// Erase size codes.
const (
	EraseSector4K    = 0x20
	EraseSector4KExt = 0x21
	EraseBlock64K    = 0xD8
	EraseBlock64KExt = 0xDC
)

const (
	SectorSize = 0x1000
	BlockSize  = 0x10000
	// Writes are padded to a multiple of this.
	PageSize = 0x100

	// Register holding the chip id.
	chipIDRegister = 0x00800000
	// JEDEC read id opcode, sent as the flash id argument.
	flashOpcodeReadID = 0x9F
	rebootResetMagic  = 0xA5
)

// Per operation class ceilings for a single attempt.
const (
	timeoutLinkCheck = 20 * time.Millisecond
	timeoutQuery     = 500 * time.Millisecond
	timeoutRegister  = 200 * time.Millisecond
	timeoutErase     = 500 * time.Millisecond
	timeoutWrite     = 500 * time.Millisecond
	timeoutRead      = time.Second
	timeoutCRC       = 500 * time.Millisecond
	timeoutBaudExtra = 500 * time.Millisecond
)

// RebootVariant selects the reboot frame. Known targets disagree on which
// one they honour, so both are exposed.
type RebootVariant int

const (
	// RebootReset sends cmd 0x0E with payload [0xA5].
	RebootReset RebootVariant = iota
	// RebootCommand sends cmd 0x05 with no payload.
	RebootCommand
)

func (v RebootVariant) String() string {
	switch v {
	case RebootReset:
		return "reset"
	case RebootCommand:
		return "command"
	default:
		return fmt.Sprintf("RebootVariant(%d)", int(v))
	}
}

// ParseRebootVariant maps a name as printed by String back to a variant.
func ParseRebootVariant(s string) (RebootVariant, error) {
	switch s {
	case "reset", "":
		return RebootReset, nil
	case "command":
		return RebootCommand, nil
	}
	return 0, errors.Errorf("unknown reboot variant %q", s)
}

// Command represents a boot ROM command.
type Command struct {
	Extended bool
	Code     byte
	Payload  []byte
	// Response length in bytes, including the frame header. Zero means the
	// target does not answer.
	responseLength int
	timeout        time.Duration
	// Expected command byte in the response.
	responseCode byte
}

// GetBytes returns the encoded command frame.
func (c Command) GetBytes() []byte {
	return EncodeFrame(c.Extended, c.Code, c.Payload)
}

// GetResponseLength returns the expected number of response bytes.
func (c Command) GetResponseLength() int {
	return c.responseLength
}

// Timeout returns the ceiling for one attempt of the command.
func (c Command) Timeout() time.Duration {
	return c.timeout
}

// NewLinkCheckCommand returns the link check command. The target answers
// with command byte 0x01 and a single zero.
func NewLinkCheckCommand() Command {
	return Command{
		Code:           commandLinkCheck,
		responseLength: baseResponseOverhead + 1,
		responseCode:   commandLinkCheck + 1,
		timeout:        timeoutLinkCheck,
	}
}

// NewGetChipIDCommand returns the command that reads the chip id register.
func NewGetChipIDCommand() Command {
	return Command{
		Code:           commandReadReg,
		Payload:        le32(chipIDRegister),
		responseLength: baseResponseOverhead + 8,
		responseCode:   commandReadReg,
		timeout:        timeoutQuery,
	}
}

// ParseChipIDResponse returns the register value carried in the last four bytes.
func ParseChipIDResponse(r Response) (uint32, error) {
	if len(r.Payload) != 8 {
		return 0, errors.New("invalid response length")
	}
	return binary.LittleEndian.Uint32(r.Payload[4:]), nil
}

// NewGetFlashIDCommand returns the JEDEC id query.
func NewGetFlashIDCommand() Command {
	return Command{
		Extended:       true,
		Code:           flashCommandGetFlashID,
		Payload:        []byte{flashOpcodeReadID, 0, 0, 0},
		responseLength: extendedResponseOverhead + 4,
		responseCode:   flashCommandGetFlashID,
		timeout:        timeoutQuery,
	}
}

// ParseFlashIDResponse reads a little endian word at frame offset 11 and
// drops its low byte, which is the echoed 0x9F opcode. The result is the
// 24-bit key used by the flash table: capacity<<16 | type<<8 | manufacturer.
func ParseFlashIDResponse(r Response) (uint32, error) {
	if len(r.Payload) != 4 {
		return 0, errors.New("invalid response length")
	}
	return binary.LittleEndian.Uint32(r.Payload) >> 8, nil
}

// NewSetBaudRateCommand returns the baud switch command.
func NewSetBaudRateCommand(baud int, settleMs int) Command {
	return Command{
		Code:           commandSetBaudRate,
		Payload:        append(le32(uint32(baud)), byte(settleMs)),
		responseLength: baseResponseOverhead + 5,
		responseCode:   commandSetBaudRate,
		timeout:        time.Duration(settleMs)*time.Millisecond + timeoutBaudExtra,
	}
}

// ParseSetBaudRateResponse returns the baud rate echoed by the target.
func ParseSetBaudRateResponse(r Response) (int, error) {
	if len(r.Payload) != 5 {
		return 0, errors.New("invalid response length")
	}
	return int(binary.LittleEndian.Uint32(r.Payload)), nil
}

// NewEraseCommand returns a sector or block erase for the given size code.
func NewEraseCommand(sizeCode byte, address uint32) Command {
	return Command{
		Extended:       true,
		Code:           flashCommandErase,
		Payload:        append([]byte{sizeCode}, le32(address)...),
		responseLength: extendedResponseOverhead + 5,
		responseCode:   flashCommandErase,
		timeout:        timeoutErase,
	}
}

// NewWriteFlashCommand returns a sector write of up to 4096 bytes.
func NewWriteFlashCommand(address uint32, data []byte, extended bool) Command {
	code := byte(flashCommandWrite)
	if extended {
		code = flashCommandWriteExt
	}
	return Command{
		Extended:       true,
		Code:           code,
		Payload:        append(le32(address), data...),
		responseLength: extendedResponseOverhead + 4,
		responseCode:   code,
		timeout:        timeoutWrite,
	}
}

// NewReadFlashCommand returns a 4096 byte sector read.
func NewReadFlashCommand(address uint32, extended bool) Command {
	code := byte(flashCommandRead)
	if extended {
		code = flashCommandReadExt
	}
	return Command{
		Extended:       true,
		Code:           code,
		Payload:        le32(address),
		responseLength: extendedResponseOverhead + 4 + SectorSize,
		responseCode:   code,
		timeout:        timeoutRead,
	}
}

// NewCalculateCRCCommand returns the CRC check over [start, end], both inclusive.
func NewCalculateCRCCommand(start, end uint32, extended bool) Command {
	code := byte(commandCheckCRC)
	if extended {
		code = commandCheckCRCExt
	}
	return Command{
		Code:           code,
		Payload:        append(le32(start), le32(end)...),
		responseLength: baseResponseOverhead + 4,
		responseCode:   code,
		timeout:        crcTimeout(end - start + 1),
	}
}

func crcTimeout(length uint32) time.Duration {
	// The target needs roughly 50ms per 64K on top of the fixed ceiling.
	return timeoutCRC + time.Duration(length/BlockSize)*50*time.Millisecond
}

// ParseCRCResponse returns the CRC computed by the target.
func ParseCRCResponse(r Response) (uint32, error) {
	if len(r.Payload) != 4 {
		return 0, errors.New("invalid response length")
	}
	return binary.LittleEndian.Uint32(r.Payload), nil
}

// NewReadStatusRegisterCommand reads one flash status register.
func NewReadStatusRegisterCommand(reg byte) Command {
	return Command{
		Extended:       true,
		Code:           flashCommandReadSR,
		Payload:        []byte{reg},
		responseLength: extendedResponseOverhead + 2,
		responseCode:   flashCommandReadSR,
		timeout:        timeoutRegister,
	}
}

// NewWriteStatusRegisterCommand writes one or more status register bytes
// with a single flash opcode.
func NewWriteStatusRegisterCommand(reg byte, values []byte) Command {
	return Command{
		Extended:       true,
		Code:           flashCommandWriteSR,
		Payload:        append([]byte{reg}, values...),
		responseLength: extendedResponseOverhead + 1 + len(values),
		responseCode:   flashCommandWriteSR,
		timeout:        timeoutRegister,
	}
}

// NewRebootCommand returns the reboot frame for the variant. The target does
// not answer it.
func NewRebootCommand(v RebootVariant) Command {
	if v == RebootCommand {
		return Command{Code: commandReboot}
	}
	return Command{Code: commandRebootReset, Payload: []byte{rebootResetMagic}}
}

// checkEcho verifies that the response starts with the expected bytes.
func checkEcho(r Response, want []byte) error {
	if len(r.Payload) < len(want) || !bytes.Equal(r.Payload[:len(want)], want) {
		return errors.Errorf("echo mismatch: sent % X, received % X", want, head(r.Payload, len(want)))
	}
	return nil
}
