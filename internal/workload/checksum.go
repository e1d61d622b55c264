package workload

import (
	"encoding/binary"
	"fmt"

	"github.com/cespare/xxhash/v2"
	"github.com/minio/sha256-simd"
	"github.com/zeebo/blake3"
)

// Checksum selects the digest used to verify buffer contents.
type Checksum int

const (
	ChecksumXXHash Checksum = iota
	ChecksumBlake3
	ChecksumSHA256
)

func (c Checksum) String() string {
	switch c {
	case ChecksumXXHash:
		return "xxhash"
	case ChecksumBlake3:
		return "blake3"
	case ChecksumSHA256:
		return "sha256"
	}
	return fmt.Sprintf("Checksum(%d)", int(c))
}

func ParseChecksum(s string) (Checksum, error) {
	for _, c := range []Checksum{ChecksumXXHash, ChecksumBlake3, ChecksumSHA256} {
		if s == c.String() {
			return c, nil
		}
	}
	return 0, fmt.Errorf("unknown checksum %q", s)
}

// sum returns a 64-bit digest of b. The cryptographic digests are truncated.
func (c Checksum) sum(b []byte) uint64 {
	switch c {
	case ChecksumBlake3:
		d := blake3.Sum256(b)
		return binary.LittleEndian.Uint64(d[:8])
	case ChecksumSHA256:
		d := sha256.Sum256(b)
		return binary.LittleEndian.Uint64(d[:8])
	}
	return xxhash.Sum64(b)
}
