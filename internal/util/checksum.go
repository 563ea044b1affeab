// Package util holds small helpers shared by the storage packages.
package util

import "hash/crc32"

var crc32Table = crc32.MakeTable(crc32.IEEE)

// ComputeChecksum returns the CRC32 (IEEE) of data. Pending log records
// carry it so a torn or corrupted line is skipped on replay.
func ComputeChecksum(data []byte) uint32 {
	return crc32.Checksum(data, crc32Table)
}

// ValidateChecksum reports whether data still matches expected
func ValidateChecksum(data []byte, expected uint32) bool {
	return ComputeChecksum(data) == expected
}
