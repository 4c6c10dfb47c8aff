package bekenboot

import (
	"bytes"
	"context"
	"testing"
)

func TestProtectionMerge(t *testing.T) {
	state := ProtectionRegisterState{Values: []byte{0x1C, 0x00}, Mask: []byte{0x7C, 0x40}}
	target := []byte{0x00, 0x00}
	if state.Matches(target) {
		t.Fatal("Matches() = true before merge")
	}
	merged := state.Merge(target)
	if !bytes.Equal(merged, []byte{0x00, 0x00}) {
		t.Errorf("Merge() = % X, want 00 00", merged)
	}
	state.Values = merged
	if !state.Matches(target) {
		t.Errorf("Matches() = false after merge")
	}
}

func TestProtectionMergeKeepsUnmaskedBits(t *testing.T) {
	state := ProtectionRegisterState{Values: []byte{0x83, 0x02}, Mask: []byte{0x7C, 0x40}}
	merged := state.Merge([]byte{0x1C, 0x00})
	if !bytes.Equal(merged, []byte{0x9F, 0x02}) {
		t.Errorf("Merge() = % X, want 9F 02", merged)
	}
}

func TestUnprotectCombined(t *testing.T) {
	d := newFakeDevice(1<<20, 0x1440C8)
	p := connected(t, d)
	d.regs[0x35] = 0x02

	if err := p.Unprotect(context.Background()); err != nil {
		t.Fatalf("Unprotect() failed: %v", err)
	}
	if d.regs[0x05] != 0x00 || d.regs[0x35] != 0x02 {
		t.Errorf("status registers = %02X %02X, want 00 02", d.regs[0x05], d.regs[0x35])
	}
	// GD25Q80 writes both registers with one command.
	if got := d.count(true, flashCommandWriteSR); got != 1 {
		t.Errorf("status register writes = %d, want 1", got)
	}
}

func TestProtectSplit(t *testing.T) {
	d := newFakeDevice(1<<20, 0x1440EF)
	p := connected(t, d)
	d.regs[0x05] = 0x00
	d.regs[0x35] = 0x40

	if err := p.Protect(context.Background()); err != nil {
		t.Fatalf("Protect() failed: %v", err)
	}
	if d.regs[0x05] != 0x1C || d.regs[0x35] != 0x00 {
		t.Errorf("status registers = %02X %02X, want 1C 00", d.regs[0x05], d.regs[0x35])
	}
	if got := d.count(true, flashCommandWriteSR); got != 2 {
		t.Errorf("status register writes = %d, want 2", got)
	}
}

func TestUnprotectNoop(t *testing.T) {
	d := newFakeDevice(1<<20, 0x1440C8)
	p := connected(t, d)
	d.regs[0x05] = 0x80

	if err := p.Unprotect(context.Background()); err != nil {
		t.Fatalf("Unprotect() failed: %v", err)
	}
	if got := d.count(true, flashCommandWriteSR); got != 0 {
		t.Errorf("status register writes = %d, want 0", got)
	}
}

func TestUnprotectVerifyFails(t *testing.T) {
	d := newFakeDevice(1<<20, 0x1440C8)
	p := connected(t, d)
	d.lockedRegs = true

	err := p.Unprotect(context.Background())
	if err == nil {
		t.Fatal("Unprotect() succeeded, want error")
	}
	if KindOf(err) != KindProtocolMismatch {
		t.Errorf("KindOf(err) = %v, want protocol mismatch", KindOf(err))
	}
}

func TestReadStatusRegisterRetries(t *testing.T) {
	d := newFakeDevice(1<<20, 0x1440C8)
	p := connected(t, d)
	d.silent[flashCommandReadSR] = 4

	values, err := p.readStatusRegisters(context.Background(), p.sess, []byte{0x05, 0x35})
	if err != nil {
		t.Fatalf("readStatusRegisters() failed: %v", err)
	}
	if !bytes.Equal(values, []byte{0x1C, 0x00}) {
		t.Errorf("values = % X, want 1C 00", values)
	}

	d.silent[flashCommandReadSR] = DefaultRetries
	if _, err := p.readStatusRegisters(context.Background(), p.sess, []byte{0x05}); err == nil {
		t.Error("readStatusRegisters() succeeded after exhausting retries")
	}
}
