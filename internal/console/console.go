// Package console prints per-file status lines when attached to a terminal.
// Output is presentation only; callers never depend on it.
package console

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"github.com/fatih/color"
	"golang.org/x/term"
)

// Console writes "path  digest" lines sized to the terminal width.
// A nil *Console discards everything.
type Console struct {
	mu    sync.Mutex
	out   io.Writer
	width int
	hit   *color.Color
}

// New returns a Console for f, or nil when f is not an interactive terminal.
func New(f *os.File) *Console {
	fd := int(f.Fd())
	if !term.IsTerminal(fd) {
		return nil
	}
	width, _, err := term.GetSize(fd)
	if err != nil {
		width = 0
	}
	return NewWriter(f, width)
}

// NewWriter returns a Console writing to w as if it were a terminal of the
// given width. A width of zero disables right-alignment.
func NewWriter(w io.Writer, width int) *Console {
	return &Console{
		out:   w,
		width: width,
		hit:   color.New(color.FgRed, color.Bold),
	}
}

// PathDigest prints the digest of path, right-aligned when it fits.
func (c *Console) PathDigest(path, digest string) {
	if c == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	fmt.Fprintln(c.out, c.line(path, digest))
}

// Match prints a highlighted line for a file whose digest is a signature.
func (c *Console) Match(path, digest string) {
	if c == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.hit.Fprintln(c.out, c.line("MATCH "+path, digest))
}

func (c *Console) line(left, right string) string {
	pad := c.width - len(left) - len(right) - 1
	if pad < 1 {
		return left + "  " + right
	}
	return left + strings.Repeat(" ", pad) + right
}
