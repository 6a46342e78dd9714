package console

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPathDigestRightAligns(t *testing.T) {
	var buf bytes.Buffer
	c := NewWriter(&buf, 40)
	c.PathDigest("/a/b", "0123456789")

	line := strings.TrimRight(buf.String(), "\n")
	assert.Len(t, line, 39)
	assert.True(t, strings.HasPrefix(line, "/a/b "))
	assert.True(t, strings.HasSuffix(line, "0123456789"))
}

func TestPathDigestNarrowTerminal(t *testing.T) {
	var buf bytes.Buffer
	NewWriter(&buf, 5).PathDigest("/long/path/name", "abc")
	assert.Equal(t, "/long/path/name  abc\n", buf.String())
}

func TestNilConsoleIsNoop(t *testing.T) {
	var c *Console
	assert.NotPanics(t, func() {
		c.PathDigest("x", "y")
		c.Match("x", "y")
	})
}
