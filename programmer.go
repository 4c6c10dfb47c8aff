package bekenboot

import (
	"context"
	"fmt"
	"io"
	"io/ioutil"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"

	"github.com/boljen/go-bitmap"
	"github.com/marcinbor85/gohex"
	"github.com/pkg/errors"
)

// Programmer represents the high level interface that allows devices to be
// programmed. Every backend follows the same lifecycle:
// connect, unprotect, erase, write, protect, reboot.
type Programmer interface {
	Connect(ctx context.Context) error
	Disconnect()
	// Session returns the state of the current connection, or nil.
	Session() *FlashSession
	Info() (ChipInfo, error)
	// Stop requests cooperative cancellation of the running operation.
	Stop()
	Unprotect(ctx context.Context) error
	Protect(ctx context.Context) error
	Erase(ctx context.Context, address uint32, length int) error
	Write(ctx context.Context, address uint32, data []byte) error
	Read(ctx context.Context, address uint32, length int) ([]byte, error)
	CRC(ctx context.Context, address uint32, length int) (uint32, error)
	Reboot(ctx context.Context) error
	// Download runs the whole lifecycle for one image.
	Download(ctx context.Context, address uint32, image []byte) error
}

// ChipInfo identifies the connected chip and its flash.
type ChipInfo struct {
	ChipID  uint32
	FlashID uint32
	Flash   FlashChipDescriptor
}

func (i ChipInfo) String() string {
	return fmt.Sprintf("chip %08X, flash %s", i.ChipID, i.Flash.String())
}

// Backend selects the wire protocol family used by a Programmer.
type Backend int

const (
	// BackendBeken is the framed boot ROM protocol of Beken parts.
	BackendBeken Backend = iota
	// BackendXModem covers XModem based loaders such as the LN882H.
	BackendXModem
	// BackendSLIP covers SLIP framed stub loaders such as the ESP32.
	BackendSLIP
)

func (b Backend) String() string {
	switch b {
	case BackendBeken:
		return "beken"
	case BackendXModem:
		return "xmodem"
	case BackendSLIP:
		return "slip"
	default:
		return fmt.Sprintf("Backend(%d)", int(b))
	}
}

// ParseBackend maps a backend name back to its value.
func ParseBackend(s string) (Backend, error) {
	for _, b := range []Backend{BackendBeken, BackendXModem, BackendSLIP} {
		if strings.EqualFold(s, b.String()) {
			return b, nil
		}
	}
	return 0, errors.Errorf("unknown backend %q", s)
}

// NewProgrammer creates a programmer for the backend on top of the transport.
func NewProgrammer(backend Backend, t Transport, opts ...Option) (Programmer, error) {
	switch backend {
	case BackendBeken:
		return NewBekenProgrammer(NewSerialBootloader(t), opts...), nil
	default:
		return nil, errors.Wrap(ErrUnsupportedBackend, backend.String())
	}
}

// FlashSession holds the mutable state of one connection. A new session is
// created on every Connect.
type FlashSession struct {
	ChipID      uint32
	FlashID     uint32
	Flash       *FlashChipDescriptor
	CurrentBaud int

	stopRequested int32
	// Per sector state, indexed by address / SectorSize.
	erased  bitmap.Bitmap
	written bitmap.Bitmap
	sectors int
}

func newSession(baud int) *FlashSession {
	return &FlashSession{CurrentBaud: baud}
}

// setFlash records the identified flash part and sizes the sector maps.
func (s *FlashSession) setFlash(id uint32, d *FlashChipDescriptor) {
	s.FlashID = id
	s.Flash = d
	s.sectors = int(d.SizeBytes / SectorSize)
	s.erased = bitmap.New(s.sectors)
	s.written = bitmap.New(s.sectors)
}

// Stop sets the cooperative cancellation flag. It is safe to call from
// another goroutine.
func (s *FlashSession) Stop() {
	atomic.StoreInt32(&s.stopRequested, 1)
}

// Stopped reports whether Stop was called.
func (s *FlashSession) Stopped() bool {
	return atomic.LoadInt32(&s.stopRequested) != 0
}

// Extended reports whether the extended command variants are in use.
func (s *FlashSession) Extended() bool {
	return s.Flash != nil && s.Flash.Extended()
}

func (s *FlashSession) sectorIndex(addr uint32) (int, bool) {
	i := int(addr / SectorSize)
	return i, i < s.sectors
}

func (s *FlashSession) markErased(addr, size uint32) {
	for a := addr; a < addr+size; a += SectorSize {
		if i, ok := s.sectorIndex(a); ok {
			s.erased.Set(i, true)
			s.written.Set(i, false)
		}
	}
}

func (s *FlashSession) isErased(addr uint32) bool {
	i, ok := s.sectorIndex(addr)
	return ok && s.erased.Get(i)
}

func (s *FlashSession) markWritten(addr uint32) {
	if i, ok := s.sectorIndex(addr); ok {
		s.erased.Set(i, false)
		s.written.Set(i, true)
	}
}

// SectorsWritten returns the number of sectors programmed in this session.
func (s *FlashSession) SectorsWritten() int {
	n := 0
	for i := 0; i < s.sectors; i++ {
		if s.written.Get(i) {
			n++
		}
	}
	return n
}

// Image is a firmware image flattened to one contiguous span.
type Image struct {
	// Address is the flash offset from the image file. Raw images carry none.
	Address    uint32
	HasAddress bool
	Data       []byte
}

// LoadImageFile loads a raw binary or, for .hex files, an Intel HEX image.
func LoadImageFile(fileName string) (*Image, error) {
	file, err := os.Open(fileName)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	if strings.EqualFold(filepath.Ext(fileName), ".hex") {
		return LoadHex(file)
	}
	data, err := ioutil.ReadAll(file)
	if err != nil {
		return nil, err
	}
	if len(data) == 0 {
		return nil, errors.Errorf("%s is empty", fileName)
	}
	return &Image{Data: data}, nil
}

// LoadHex parses Intel HEX data. Gaps between segments are filled with 0xFF.
func LoadHex(r io.Reader) (*Image, error) {
	mem := gohex.NewMemory()
	if err := mem.ParseIntelHex(r); err != nil {
		return nil, errors.Wrap(err, "parse hex")
	}
	segments := mem.GetDataSegments()
	if len(segments) == 0 {
		return nil, errors.New("hex file holds no data")
	}

	start := segments[0].Address
	end := start
	for _, s := range segments {
		if s.Address < start {
			start = s.Address
		}
		if e := s.Address + uint32(len(s.Data)); e > end {
			end = e
		}
	}
	data := make([]byte, end-start)
	fill(data, 0xFF)
	for _, s := range segments {
		copy(data[s.Address-start:], s.Data)
		pkgLog.Debugf("loaded segment at %X length %v", s.Address, len(s.Data))
	}
	return &Image{Address: start, HasAddress: true, Data: data}, nil
}

func fill(b []byte, v byte) {
	for i := range b {
		b[i] = v
	}
}
