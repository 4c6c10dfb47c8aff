package bekenboot

import "hash/crc32"

// SectorCRC computes the CRC the boot ROM reports for a flash range: the
// reflected IEEE polynomial seeded with 0xFFFFFFFF and no final inversion.
func SectorCRC(data []byte) uint32 {
	return UpdateCRC(0xFFFFFFFF, data)
}

// UpdateCRC continues a SectorCRC computation over more data.
func UpdateCRC(crc uint32, data []byte) uint32 {
	// crc32.Update inverts on entry and exit; undo both.
	return ^crc32.Update(^crc, crc32.IEEETable, data)
}
