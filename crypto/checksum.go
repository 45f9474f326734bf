package crypto

import "hash/crc32"

// Checksum computes the CRC-32 (IEEE polynomial) of data. It confirms
// transfer integrity with the client; it is not a cryptographic guarantee.
func Checksum(data []byte) uint32 {
	return crc32.ChecksumIEEE(data)
}
