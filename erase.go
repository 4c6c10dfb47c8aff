package bekenboot

import (
	"context"
	"fmt"

	"github.com/pkg/errors"
)

// EraseRegion is a sector aligned range [Start, End).
type EraseRegion struct {
	Start uint32
	End   uint32
}

// Size returns the number of bytes covered.
func (r EraseRegion) Size() uint32 {
	if r.End <= r.Start {
		return 0
	}
	return r.End - r.Start
}

// AlignRegion rounds start up and start+length down to sector boundaries.
// Partial sectors at either end are left to the write pipeline, which
// erases them while merging.
func AlignRegion(start uint32, length int) EraseRegion {
	end := start + uint32(length)
	r := EraseRegion{
		Start: (start + SectorSize - 1) &^ (SectorSize - 1),
		End:   end &^ (SectorSize - 1),
	}
	if r.End < r.Start {
		r.End = r.Start
	}
	return r
}

// EraseBlock is one erase command.
type EraseBlock struct {
	Address  uint32
	Size     uint32
	SizeCode byte
}

func (b EraseBlock) String() string {
	return fmt.Sprintf("%08X+%X", b.Address, b.Size)
}

// PlanErase splits an aligned region into erase commands. 64K block erases
// are used wherever the cursor sits on a 64K boundary with at least 64K
// left; the rest is erased in 4K sectors. A region that does not start on a
// 64K boundary is therefore erased in 4K sectors up to the next boundary,
// even when 64K or more remain, since a block erase always clears its whole
// aligned block.
func PlanErase(r EraseRegion, extended bool) []EraseBlock {
	sector, block := byte(EraseSector4K), byte(EraseBlock64K)
	if extended {
		sector, block = EraseSector4KExt, EraseBlock64KExt
	}
	var plan []EraseBlock
	for addr := r.Start; addr < r.End; {
		if addr%BlockSize == 0 && r.End-addr >= BlockSize {
			plan = append(plan, EraseBlock{addr, BlockSize, block})
			addr += BlockSize
		} else {
			plan = append(plan, EraseBlock{addr, SectorSize, sector})
			addr += SectorSize
		}
	}
	return plan
}

// Erase erases the sectors fully covered by [address, address+length).
// Every command gets the retry budget; exhausting it for any block fails the
// whole erase.
func (p *bekenProgrammer) Erase(ctx context.Context, address uint32, length int) error {
	s, err := p.session()
	if err != nil {
		return err
	}
	if length < 0 {
		return errors.Errorf("invalid erase length %d", length)
	}
	return p.eraseRegion(ctx, s, AlignRegion(address, length))
}

func (p *bekenProgrammer) eraseRegion(ctx context.Context, s *FlashSession, r EraseRegion) error {
	if s.Flash != nil && r.End > s.Flash.SizeBytes {
		return errors.Errorf("erase region %08X-%08X exceeds flash size %X", r.Start, r.End, s.Flash.SizeBytes)
	}
	plan := PlanErase(r, s.Extended())
	total := int(r.Size())
	done := 0
	pkgLog.Infof("erasing %08X-%08X in %d commands", r.Start, r.End, len(plan))
	for _, blk := range plan {
		if err := p.eraseBlock(ctx, s, blk); err != nil {
			return err
		}
		done += int(blk.Size)
		p.report(Progress{Stage: StageErase, Message: "erased " + blk.String(), BytesDone: done, BytesTotal: total})
	}
	return nil
}

func (p *bekenProgrammer) eraseBlock(ctx context.Context, s *FlashSession, blk EraseBlock) error {
	err := p.retry(ctx, s, p.config.Retries, 0, func() error {
		return p.bootloader.EraseFlash(blk.SizeCode, blk.Address)
	})
	if err != nil {
		return errors.Wrapf(err, "erase %s", blk)
	}
	s.markErased(blk.Address, blk.Size)
	return nil
}
