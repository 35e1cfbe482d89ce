package hls

import (
	"crypto/sha256"
	"os"
)

// countingFile wraps an on-disk segment file, tracking the number of
// bytes written so far (needed for LL-HLS partial BYTERANGE attributes)
// and hashing the full file content as it streams out, so a completed
// segment's SHA256 is available without a second read pass.
type countingFile struct {
	f       *os.File
	written int64
	hash    [32]byte
	hasher  hasher
}

type hasher interface {
	Write(p []byte) (int, error)
	Sum(b []byte) []byte
}

func newCountingFile(path string) (*countingFile, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, err
	}
	return &countingFile{f: f, hasher: sha256.New()}, nil
}

func (c *countingFile) Write(p []byte) (int, error) {
	n, err := c.f.Write(p)
	c.written += int64(n)
	if n > 0 {
		c.hasher.Write(p[:n])
	}
	return n, err
}

func (c *countingFile) Close() error {
	sum := c.hasher.Sum(nil)
	copy(c.hash[:], sum)
	return c.f.Close()
}
