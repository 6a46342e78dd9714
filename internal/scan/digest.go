package scan

import (
	"crypto/md5"
	"encoding/hex"
	"errors"
	"io"
	"log/slog"
	"os"

	"github.com/eargollo/hashguard/internal/console"
)

// Digester computes MD5 digests through one buffer allocated up front and
// reused for every file.
type Digester struct {
	buf     []byte
	console *console.Console
	read    int64
}

// NewDigester allocates a digester with a buffer of budget bytes.
func NewDigester(budget int, c *console.Console) *Digester {
	if budget <= 0 {
		budget = DefaultMinBudget
	}
	return &Digester{buf: make([]byte, budget), console: c}
}

// BufferSize is the size of the read buffer in bytes.
func (d *Digester) BufferSize() int { return len(d.buf) }

// BytesRead is the total number of bytes digested so far.
func (d *Digester) BytesRead() int64 { return d.read }

// Digest returns the lowercase hex MD5 of the file at path. ok is false when
// the file cannot be opened or read, or is empty.
func (d *Digester) Digest(path string) (digest string, ok bool) {
	f, err := os.Open(path)
	if err != nil {
		slog.Debug("digest: open failed", "path", path, "error", err)
		return "", false
	}
	defer f.Close()

	h := md5.New()
	var n int64
	for {
		k, err := f.Read(d.buf)
		if k > 0 {
			h.Write(d.buf[:k])
			n += int64(k)
		}
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			slog.Debug("digest: read failed", "path", path, "error", err)
			return "", false
		}
	}
	d.read += n
	if n == 0 {
		return "", false
	}

	digest = hex.EncodeToString(h.Sum(nil))
	d.console.PathDigest(path, digest)
	return digest, true
}
