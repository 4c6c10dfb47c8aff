package bekenboot

import "fmt"

// ExtendedAddressingSize is the flash size from which the extended erase,
// write, read and CRC command variants are used.
const ExtendedAddressingSize = 256 << 20

// ProtectionProfile describes how a flash part exposes its write
// protection bits.
type ProtectionProfile struct {
	// Opcodes reading each status register.
	ReadRegs []byte
	// Opcodes writing the status registers. A single opcode for more than one
	// register writes them all in one command.
	WriteRegs []byte
	Mask      []byte
	Protect   []byte
	Unprotect []byte
}

// Combined reports whether all status registers are written in one command.
func (p ProtectionProfile) Combined() bool {
	return len(p.WriteRegs) == 1 && len(p.ReadRegs) > 1
}

// FlashChipDescriptor identifies a flash part by its 24-bit JEDEC id.
type FlashChipDescriptor struct {
	ID           uint32
	Manufacturer string
	PartName     string
	SizeBytes    uint32
	Protection   ProtectionProfile
}

// Extended reports whether the part needs the extended command variants.
func (d *FlashChipDescriptor) Extended() bool {
	return d.SizeBytes >= ExtendedAddressingSize
}

func (d *FlashChipDescriptor) String() string {
	return fmt.Sprintf("%s %s (%06X, %d KiB)", d.Manufacturer, d.PartName, d.ID, d.SizeBytes>>10)
}

var (
	// SR1 BP0-BP4 plus SR2 CMP, both registers written with opcode 0x01.
	twoRegisterCombined = ProtectionProfile{
		ReadRegs:  []byte{0x05, 0x35},
		WriteRegs: []byte{0x01},
		Mask:      []byte{0x7C, 0x40},
		Protect:   []byte{0x1C, 0x00},
		Unprotect: []byte{0x00, 0x00},
	}
	// Same bits, SR2 written separately with opcode 0x31.
	twoRegisterSplit = ProtectionProfile{
		ReadRegs:  []byte{0x05, 0x35},
		WriteRegs: []byte{0x01, 0x31},
		Mask:      []byte{0x7C, 0x40},
		Protect:   []byte{0x1C, 0x00},
		Unprotect: []byte{0x00, 0x00},
	}
	oneRegister = ProtectionProfile{
		ReadRegs:  []byte{0x05},
		WriteRegs: []byte{0x01},
		Mask:      []byte{0x7C},
		Protect:   []byte{0x1C},
		Unprotect: []byte{0x00},
	}
	// Macronix parts only have BP0-BP3.
	oneRegisterBP3 = ProtectionProfile{
		ReadRegs:  []byte{0x05},
		WriteRegs: []byte{0x01},
		Mask:      []byte{0x3C},
		Protect:   []byte{0x3C},
		Unprotect: []byte{0x00},
	}
)

var flashTable = []FlashChipDescriptor{
	{0x1340C8, "GigaDevice", "GD25Q40", 512 << 10, twoRegisterCombined},
	{0x1440C8, "GigaDevice", "GD25Q80", 1 << 20, twoRegisterCombined},
	{0x1540C8, "GigaDevice", "GD25Q16", 2 << 20, twoRegisterCombined},
	{0x1640C8, "GigaDevice", "GD25Q32", 4 << 20, twoRegisterCombined},
	{0x1460C8, "GigaDevice", "GD25LQ80", 1 << 20, twoRegisterCombined},
	{0x134051, "GigaDevice", "MD25D40", 512 << 10, oneRegister},
	{0x144051, "GigaDevice", "MD25D80", 1 << 20, oneRegister},
	{0x1440EF, "Winbond", "W25Q80", 1 << 20, twoRegisterSplit},
	{0x1540EF, "Winbond", "W25Q16", 2 << 20, twoRegisterSplit},
	{0x1323C2, "Macronix", "MX25V4035F", 512 << 10, oneRegisterBP3},
	{0x1423C2, "Macronix", "MX25V8035F", 1 << 20, oneRegisterBP3},
	{0x14400B, "XTX", "XT25F08B", 1 << 20, twoRegisterCombined},
	{0x15400B, "XTX", "XT25F16B", 2 << 20, twoRegisterCombined},
	{0x146085, "Puya", "P25Q80H", 1 << 20, twoRegisterCombined},
	{0x156085, "Puya", "P25Q16H", 2 << 20, twoRegisterCombined},
	{0x14605E, "Zbit", "ZB25VQ80", 1 << 20, twoRegisterCombined},
	{0x15605E, "Zbit", "ZB25VQ16", 2 << 20, twoRegisterCombined},
	{0x144068, "Boya", "BY25Q80", 1 << 20, twoRegisterSplit},
	{0x1460EB, "Tenghui", "TH25Q80", 1 << 20, twoRegisterSplit},
}

// LookupFlash returns the descriptor for a 24-bit flash id as returned by
// GetFlashID.
func LookupFlash(id uint32) (*FlashChipDescriptor, bool) {
	for i := range flashTable {
		if flashTable[i].ID == id {
			d := flashTable[i]
			return &d, true
		}
	}
	return nil, false
}
