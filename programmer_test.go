package bekenboot

import (
	"bytes"
	"context"
	"encoding/binary"
	"strings"
	"testing"

	"github.com/pkg/errors"
)

type progressLog []Progress

func (l *progressLog) record(p Progress) {
	*l = append(*l, p)
}

func (l progressLog) has(stage Stage) bool {
	for _, p := range l {
		if p.Stage == stage {
			return true
		}
	}
	return false
}

func (l progressLog) last() Progress {
	if len(l) == 0 {
		return Progress{}
	}
	return l[len(l)-1]
}

func TestDownload(t *testing.T) {
	d := newFakeDevice(1<<20, 0x1440C8)
	fill(d.flash[0x10000:0x11000], 0x77)
	fill(d.flash[0x13000:0x14000], 0x5A)
	var events progressLog
	p, err := NewProgrammer(BackendBeken, d, testOptions(WithProgress(events.record), WithFinalCRC(true))...)
	if err != nil {
		t.Fatalf("NewProgrammer() failed: %v", err)
	}

	image := pattern(0x2345, 11)
	if err := p.Download(context.Background(), 0x11000, image); err != nil {
		t.Fatalf("Download() failed: %v", err)
	}

	if !bytes.Equal(d.flash[0x11000:0x11000+len(image)], image) {
		t.Error("flash content differs from the image")
	}
	if !isBlank(d.flash[0x11000+len(image) : 0x13400]) {
		t.Error("padding is not blank")
	}
	if !bytes.Equal(d.flash[0x10000:0x11000], bytes.Repeat([]byte{0x77}, SectorSize)) ||
		!bytes.Equal(d.flash[0x13400:0x14000], bytes.Repeat([]byte{0x5A}, 0xC00)) {
		t.Error("neighbouring data was not preserved")
	}
	if d.regs[0x05] != 0x1C {
		t.Errorf("status register = %02X, want protection restored", d.regs[0x05])
	}
	if len(d.rebooted) != 1 || d.rebooted[0] != RebootReset {
		t.Errorf("reboots = %v, want [reset]", d.rebooted)
	}
	if d.hostBaud != DefaultInitialBaud || d.devBaud != DefaultInitialBaud {
		t.Errorf("baud after download = %d (device %d), want %d", d.hostBaud, d.devBaud, DefaultInitialBaud)
	}
	for _, stage := range []Stage{StageConnect, StageErase, StageWrite, StageVerify, StageReboot} {
		if !events.has(stage) {
			t.Errorf("no %s progress event", stage)
		}
	}
	if last := events.last(); last.Stage != StageCompleted || last.BytesDone != len(image) {
		t.Errorf("last event = %+v, want completed", last)
	}
}

func TestDownloadSkipProtect(t *testing.T) {
	d := newFakeDevice(1<<20, 0x1440C8)
	p := NewBekenProgrammer(NewSerialBootloader(d), testOptions(WithSkipProtect(true), WithRebootVariant(RebootCommand))...)

	if err := p.Download(context.Background(), 0, pattern(0x1000, 2)); err != nil {
		t.Fatalf("Download() failed: %v", err)
	}
	if d.regs[0x05]&0x7C != 0 {
		t.Errorf("status register = %02X, want unprotected", d.regs[0x05])
	}
	if len(d.rebooted) != 1 || d.rebooted[0] != RebootCommand {
		t.Errorf("reboots = %v, want [command]", d.rebooted)
	}
}

func TestDownloadRestoresBaudOnFailure(t *testing.T) {
	d := newFakeDevice(1<<20, 0x1440C8)
	d.silent[flashCommandWrite] = 1000
	var events progressLog
	p := NewBekenProgrammer(NewSerialBootloader(d), testOptions(WithProgress(events.record))...)

	err := p.Download(context.Background(), 0, pattern(0x1000, 4))
	if err == nil {
		t.Fatal("Download() succeeded with a target that never answers writes")
	}
	if d.hostBaud != DefaultInitialBaud || d.devBaud != DefaultInitialBaud {
		t.Errorf("baud after failure = %d (device %d), want %d", d.hostBaud, d.devBaud, DefaultInitialBaud)
	}
	if len(d.rebooted) != 0 {
		t.Errorf("target rebooted after a failed download")
	}
	if last := events.last(); last.Stage != StageError || last.Err == nil {
		t.Errorf("last event = %+v, want error", last)
	}
}

func TestDownloadTooLarge(t *testing.T) {
	d := newFakeDevice(512<<10, 0x1340C8)
	p := NewBekenProgrammer(NewSerialBootloader(d), testOptions()...)

	err := p.Download(context.Background(), 0x70000, make([]byte, 0x20000))
	if err == nil || !strings.Contains(err.Error(), "does not fit") {
		t.Errorf("Download() = %v, want size error", err)
	}
	if got := d.count(true, flashCommandErase); got != 0 {
		t.Errorf("erase commands = %d, want 0", got)
	}
}

func TestDownloadCancelled(t *testing.T) {
	d := newFakeDevice(1<<20, 0x1440C8)
	p := NewBekenProgrammer(NewSerialBootloader(d), testOptions()...)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := p.Download(ctx, 0, pattern(0x100, 1))
	if KindOf(err) != KindCancelled {
		t.Errorf("Download() = %v, want cancelled", err)
	}
}

func TestConnectUnknownFlash(t *testing.T) {
	d := newFakeDevice(1<<20, 0xABCDEF)
	p := NewBekenProgrammer(NewSerialBootloader(d), testOptions()...)

	err := p.Connect(context.Background())
	if !errors.Is(err, ErrUnknownFlash) {
		t.Fatalf("Connect() = %v, want ErrUnknownFlash", err)
	}
	if s := p.Session(); s == nil || s.FlashID != 0xABCDEF {
		t.Errorf("session = %+v", s)
	}
	if err := p.Erase(context.Background(), 0, SectorSize); err != ErrNotConnected {
		t.Errorf("Erase() = %v, want ErrNotConnected", err)
	}
}

func TestConnectIdentifies(t *testing.T) {
	d := newFakeDevice(512<<10, 0x1340C8)
	p := connected(t, d)
	s := p.Session()
	if s.ChipID != 0x7231C || s.FlashID != 0x1340C8 {
		t.Errorf("ids = %X, %06X", s.ChipID, s.FlashID)
	}
	if s.Flash.PartName != "GD25Q40" || s.Extended() {
		t.Errorf("flash = %s, extended %v", s.Flash, s.Extended())
	}
}

func TestRead(t *testing.T) {
	d := newFakeDevice(1<<20, 0x1440C8)
	copy(d.flash[0x10000:], pattern(0x2000, 21))
	p := connected(t, d)

	got, err := p.Read(context.Background(), 0x10FF0, 0x20)
	if err != nil {
		t.Fatalf("Read() failed: %v", err)
	}
	if !bytes.Equal(got, d.flash[0x10FF0:0x11010]) {
		t.Errorf("Read() = % X", got)
	}
	if got := d.count(true, flashCommandRead); got != 2 {
		t.Errorf("sector reads = %d, want 2", got)
	}

	crc, err := p.CRC(context.Background(), 0x10000, 0x2000)
	if err != nil {
		t.Fatalf("CRC() failed: %v", err)
	}
	if crc != SectorCRC(d.flash[0x10000:0x12000]) {
		t.Errorf("CRC() = %08X", crc)
	}
}

func TestNewProgrammerBackends(t *testing.T) {
	for _, backend := range []Backend{BackendXModem, BackendSLIP} {
		if _, err := NewProgrammer(backend, newFakeDevice(1<<20, 0x1440C8)); !errors.Is(err, ErrUnsupportedBackend) {
			t.Errorf("NewProgrammer(%s) = %v, want ErrUnsupportedBackend", backend, err)
		}
	}
	for _, name := range []string{"beken", "XMODEM", "slip"} {
		b, err := ParseBackend(name)
		if err != nil || !strings.EqualFold(b.String(), name) {
			t.Errorf("ParseBackend(%q) = %v, %v", name, b, err)
		}
	}
	if _, err := ParseBackend("stm32"); err == nil {
		t.Error("ParseBackend(stm32) succeeded")
	}
}

func TestLoadHex(t *testing.T) {
	src := strings.Join([]string{
		":020000040000FA",
		":0400000001020304F2",
		":02000800AABB91",
		":00000001FF",
	}, "\n")
	img, err := LoadHex(strings.NewReader(src))
	if err != nil {
		t.Fatalf("LoadHex() failed: %v", err)
	}
	want := []byte{0x01, 0x02, 0x03, 0x04, 0xFF, 0xFF, 0xFF, 0xFF, 0xAA, 0xBB}
	if !img.HasAddress || img.Address != 0 || !bytes.Equal(img.Data, want) {
		t.Errorf("LoadHex() = %X, % X", img.Address, img.Data)
	}
	if _, err := LoadHex(strings.NewReader(":00000001FF")); err == nil {
		t.Error("LoadHex() accepted a file without data")
	}
}

func TestSessionSectorMaps(t *testing.T) {
	d, _ := LookupFlash(0x1440C8)
	s := newSession(DefaultInitialBaud)
	s.setFlash(0x1440C8, d)

	s.markErased(0x10000, BlockSize)
	if !s.isErased(0x1F000) || s.isErased(0x20000) {
		t.Error("64K erase not tracked per sector")
	}
	s.markWritten(0x10000)
	if s.isErased(0x10000) || s.SectorsWritten() != 1 {
		t.Errorf("written sector still erased or not counted")
	}
	s.markErased(0x10000, SectorSize)
	if s.SectorsWritten() != 0 {
		t.Errorf("SectorsWritten() = %d after erase, want 0", s.SectorsWritten())
	}
	if s.isErased(d.SizeBytes) {
		t.Error("address past the end reported erased")
	}
	if s.Stopped() {
		t.Error("new session is stopped")
	}
	s.Stop()
	if !s.Stopped() {
		t.Error("Stop() not observed")
	}
}

func TestInfo(t *testing.T) {
	d := newFakeDevice(1<<20, 0x1440EF)
	p := NewBekenProgrammer(NewSerialBootloader(d), testOptions()...)
	if _, err := p.Info(); err != ErrNotConnected {
		t.Errorf("Info() = %v before Connect, want ErrNotConnected", err)
	}
	if err := p.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() failed: %v", err)
	}
	info, err := p.Info()
	if err != nil {
		t.Fatalf("Info() failed: %v", err)
	}
	if info.FlashID != 0x1440EF || info.Flash.PartName != "W25Q80" {
		t.Errorf("Info() = %s", info)
	}
}

func TestStopFlag(t *testing.T) {
	d := newFakeDevice(1<<20, 0x1440C8)
	stop := false
	p := connected(t, d, WithStopFlag(func() bool { return stop }))
	stop = true

	if err := p.Erase(context.Background(), 0, 0x2000); KindOf(err) != KindCancelled {
		t.Errorf("Erase() = %v, want cancelled", err)
	}
	if got := d.count(true, flashCommandErase); got != 0 {
		t.Errorf("erase commands = %d, want 0", got)
	}
}

// flashAddresses returns the address of every erase, read and write command
// the device received.
func (d *fakeDevice) flashAddresses() []uint32 {
	var addrs []uint32
	for _, f := range d.frames {
		if !f.Extended {
			continue
		}
		switch f.Code {
		case flashCommandErase:
			addrs = append(addrs, binary.LittleEndian.Uint32(f.Payload[1:]))
		case flashCommandRead, flashCommandReadExt, flashCommandWrite, flashCommandWriteExt:
			addrs = append(addrs, binary.LittleEndian.Uint32(f.Payload))
		}
	}
	return addrs
}

func TestDownloadAtFlashEnd(t *testing.T) {
	const size = 512 << 10
	d := newFakeDevice(size, 0x1340C8)
	fill(d.flash[:SectorSize], 0x42)
	fill(d.flash[size-SectorSize:], 0x33)
	p := NewBekenProgrammer(NewSerialBootloader(d), testOptions()...)

	image := pattern(10, 1)
	if err := p.Download(context.Background(), size-10, image); err != nil {
		t.Fatalf("Download() failed: %v", err)
	}
	if !bytes.Equal(d.flash[size-10:], image) {
		t.Errorf("last bytes = % X, want % X", d.flash[size-10:], image)
	}
	if !bytes.Equal(d.flash[size-SectorSize:size-10], bytes.Repeat([]byte{0x33}, SectorSize-10)) {
		t.Error("start of the last sector was not preserved")
	}
	if !bytes.Equal(d.flash[:SectorSize], bytes.Repeat([]byte{0x42}, SectorSize)) {
		t.Error("first sector was modified")
	}
	for _, addr := range d.flashAddresses() {
		if addr >= size {
			t.Errorf("command addressed %08X, past the end of the flash", addr)
		}
	}
}

func TestDownloadTwice(t *testing.T) {
	d := newFakeDevice(1<<20, 0x1440C8)
	p := NewBekenProgrammer(NewSerialBootloader(d), testOptions()...)

	if err := p.Download(context.Background(), 0x11000, pattern(0x1000, 1)); err != nil {
		t.Fatalf("first Download() failed: %v", err)
	}
	first := p.Session()
	if err := p.Erase(context.Background(), 0x11000, SectorSize); err != ErrNotConnected {
		t.Errorf("Erase() after reboot = %v, want ErrNotConnected", err)
	}

	resets := d.resets
	if err := p.Download(context.Background(), 0x11000, pattern(0x1000, 2)); err != nil {
		t.Fatalf("second Download() failed: %v", err)
	}
	if d.resets == resets {
		t.Error("second Download() did not acquire the bus again")
	}
	if p.Session() == first {
		t.Error("second Download() reused the first session")
	}
	if got := d.count(false, commandReadReg); got != 2 {
		t.Errorf("chip id queries = %d, want 2", got)
	}
	if len(d.rebooted) != 2 {
		t.Errorf("reboots = %d, want 2", len(d.rebooted))
	}
	if !bytes.Equal(d.flash[0x11000:0x12000], pattern(0x1000, 2)) {
		t.Error("flash content differs from the second image")
	}
}

func TestRangeArguments(t *testing.T) {
	d := newFakeDevice(1<<20, 0x1440C8)
	p := connected(t, d)
	ctx := context.Background()

	if _, err := p.CRC(ctx, 0x1000, 0); err == nil {
		t.Error("CRC() of zero bytes succeeded")
	}
	if got := d.count(false, commandCheckCRC) + d.count(false, commandCheckCRCExt); got != 0 {
		t.Errorf("crc commands = %d, want 0", got)
	}
	if _, err := p.Read(ctx, 0, -1); err == nil {
		t.Error("Read() of a negative length succeeded")
	}
	if _, err := p.Read(ctx, 0xFFFF0, 0x20); err == nil {
		t.Error("Read() past the end of flash succeeded")
	}
	if err := p.Erase(ctx, 0, -1); err == nil {
		t.Error("Erase() of a negative length succeeded")
	}
	if got := len(d.flashAddresses()); got != 0 {
		t.Errorf("flash commands = %d, want 0", got)
	}
}
