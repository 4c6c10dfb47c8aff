package bekenboot

import (
	"context"
	"fmt"

	"github.com/pkg/errors"
)

// padImage pads data with 0xFF to a multiple of PageSize.
func padImage(data []byte) []byte {
	n := (len(data) + PageSize - 1) / PageSize * PageSize
	out := make([]byte, n)
	copy(out, data)
	fill(out[len(data):], 0xFF)
	return out
}

// fitImage pads data for writing at address. Padding that would run past
// the end of the flash is dropped; data itself must fit.
func fitImage(s *FlashSession, address uint32, data []byte) ([]byte, error) {
	size := uint64(s.Flash.SizeBytes)
	if uint64(address)+uint64(len(data)) > size {
		return nil, errors.Errorf("image of %d bytes at %08X does not fit %s", len(data), address, s.Flash)
	}
	padded := padImage(data)
	if uint64(address)+uint64(len(padded)) > size {
		padded = padded[:size-uint64(address)]
	}
	return padded, nil
}

func isBlank(b []byte) bool {
	for _, v := range b {
		if v != 0xFF {
			return false
		}
	}
	return true
}

func sectorErase(s *FlashSession, addr uint32) EraseBlock {
	code := byte(EraseSector4K)
	if s.Extended() {
		code = EraseSector4KExt
	}
	return EraseBlock{Address: addr &^ (SectorSize - 1), Size: SectorSize, SizeCode: code}
}

// Write programs data at address. Sectors not erased earlier in the session
// are erased first; unaligned ends are merged with the existing content.
func (p *bekenProgrammer) Write(ctx context.Context, address uint32, data []byte) error {
	s, err := p.session()
	if err != nil {
		return err
	}
	padded, err := fitImage(s, address, data)
	if err != nil {
		return err
	}
	return p.writeRegion(ctx, s, address, padded)
}

// writeRegion writes buf, already padded, at start. Boundary sectors are
// handled by read-modify-write; interior sectors are written whole and
// verified by CRC, and blank ones are skipped.
func (p *bekenProgrammer) writeRegion(ctx context.Context, s *FlashSession, start uint32, buf []byte) error {
	if end := uint64(start) + uint64(len(buf)); end > uint64(s.Flash.SizeBytes) {
		return errors.Errorf("write %08X-%08X exceeds flash size %X", start, end, s.Flash.SizeBytes)
	}
	total := len(buf)
	done := 0
	advance := func(n int, addr uint32) {
		done += n
		p.report(Progress{Stage: StageWrite, Message: fmt.Sprintf("sector %08X", addr), BytesDone: done, BytesTotal: total})
	}

	if start%SectorSize != 0 {
		n, err := p.alignStart(ctx, s, start, buf)
		if err != nil {
			return err
		}
		advance(n, start)
		buf = buf[n:]
		start = start&^(SectorSize-1) + SectorSize
	}

	if end := start + uint32(len(buf)); len(buf) > 0 && end%SectorSize != 0 {
		tailAddr := end &^ (SectorSize - 1)
		tail := buf[tailAddr-start:]
		if err := p.alignEnd(ctx, s, tailAddr, tail); err != nil {
			return err
		}
		advance(len(tail), tailAddr)
		buf = buf[:tailAddr-start]
	}

	for off := 0; off < len(buf); off += SectorSize {
		if err := p.checkStop(ctx, s); err != nil {
			return err
		}
		addr := start + uint32(off)
		sector := buf[off : off+SectorSize]
		if !s.isErased(addr) {
			if err := p.eraseBlock(ctx, s, sectorErase(s, addr)); err != nil {
				return err
			}
		}
		if isBlank(sector) {
			pkgLog.Debugf("sector %08X is blank, skipping", addr)
		} else if err := p.writeSector(ctx, s, addr, sector); err != nil {
			return err
		}
		advance(SectorSize, addr)
	}
	return nil
}

// alignStart merges the head of buf into the sector containing start and
// returns the number of bytes consumed.
func (p *bekenProgrammer) alignStart(ctx context.Context, s *FlashSession, start uint32, buf []byte) (int, error) {
	sectorAddr := start &^ (SectorSize - 1)
	offset := int(start - sectorAddr)
	n := SectorSize - offset
	if n > len(buf) {
		n = len(buf)
	}
	pkgLog.Debugf("aligning start %08X: merging %d bytes at offset %X", start, n, offset)
	err := p.mergeSector(ctx, s, sectorAddr, func(merged []byte) {
		copy(merged[offset:], buf[:n])
	})
	return n, errors.Wrapf(err, "align start %08X", start)
}

// alignEnd merges tail over the head of the sector at sectorAddr.
func (p *bekenProgrammer) alignEnd(ctx context.Context, s *FlashSession, sectorAddr uint32, tail []byte) error {
	pkgLog.Debugf("aligning end %08X: merging %d bytes", sectorAddr, len(tail))
	err := p.mergeSector(ctx, s, sectorAddr, func(merged []byte) {
		copy(merged, tail)
	})
	return errors.Wrapf(err, "align end %08X", sectorAddr)
}

// mergeSector reads a sector at the alignment rate, erases it and writes it
// back with splice applied.
func (p *bekenProgrammer) mergeSector(ctx context.Context, s *FlashSession, sectorAddr uint32, splice func([]byte)) error {
	return p.atAlignmentBaud(s, func() error {
		old, err := p.readSector(ctx, s, sectorAddr)
		if err != nil {
			return err
		}
		merged := make([]byte, SectorSize)
		copy(merged, old)
		splice(merged)
		if err := p.eraseBlock(ctx, s, sectorErase(s, sectorAddr)); err != nil {
			return err
		}
		if isBlank(merged) {
			return nil
		}
		return p.writeSector(ctx, s, sectorAddr, merged)
	})
}

// writeSector writes and verifies one sector. A failure triggers one
// recovery: the bus is re-acquired at the initial rate, the sector erased
// and written again. A second failure is fatal.
func (p *bekenProgrammer) writeSector(ctx context.Context, s *FlashSession, addr uint32, data []byte) error {
	err := p.writeAndVerify(ctx, s, addr, data)
	if err == nil {
		s.markWritten(addr)
		return nil
	}
	if !Retryable(err) {
		return err
	}

	pkgLog.Warnf("sector %08X failed, recovering: %v", addr, err)
	if err := p.recoverBus(ctx, s); err != nil {
		return errors.Wrapf(err, "recover after sector %08X", addr)
	}
	if err := p.eraseBlock(ctx, s, sectorErase(s, addr)); err != nil {
		return err
	}
	if err := p.writeAndVerify(ctx, s, addr, data); err != nil {
		return errors.Wrapf(err, "sector %08X failed after recovery", addr)
	}
	s.markWritten(addr)
	return nil
}

func (p *bekenProgrammer) writeAndVerify(ctx context.Context, s *FlashSession, addr uint32, data []byte) error {
	err := p.retry(ctx, s, p.config.Retries, 0, func() error {
		return p.bootloader.WriteFlash(addr, data, s.Extended())
	})
	if err != nil {
		return err
	}
	return p.verifyRange(ctx, s, addr, data)
}
