package util

import (
	"hash"
	"hash/crc32"
	"io"
	"os"
)

// Checksums use CRC32 with the IEEE polynomial

var crc32Table = crc32.MakeTable(crc32.IEEE)

// ComputeChecksum computes a CRC32 checksum for the given data
func ComputeChecksum(data []byte) uint32 {
	return crc32.Checksum(data, crc32Table)
}

// NewChecksumHash returns a streaming CRC32 hash matching ComputeChecksum
func NewChecksumHash() hash.Hash32 {
	return crc32.New(crc32Table)
}

// ChecksumFile streams a file through CRC32 and returns its checksum and size
func ChecksumFile(path string) (uint32, int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, 0, err
	}
	defer f.Close()

	h := NewChecksumHash()
	n, err := io.Copy(h, f)
	if err != nil {
		return 0, 0, err
	}
	return h.Sum32(), n, nil
}
