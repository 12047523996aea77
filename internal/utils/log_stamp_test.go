package utils

import (
	"bytes"
	"fmt"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLogStamper(t *testing.T) {
	var out bytes.Buffer
	s := NewLogStamper(&out)
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return at }

	n, err := s.Write([]byte("level=INFO msg=one\nlevel=INFO msg="))
	require.NoError(t, err)
	assert.Equal(t, 34, n)
	_, err = s.Write([]byte("two\r\nlevel=WARN msg=tail"))
	require.NoError(t, err)
	require.NoError(t, s.Close())

	prefix := fmt.Sprintf("%s pid=%d", at.Format(time.RFC3339Nano), os.Getpid())
	lines := strings.Split(strings.TrimSuffix(out.String(), "\n"), "\n")
	require.Len(t, lines, 3)
	assert.Equal(t, prefix+" seq=1 level=INFO msg=one", lines[0])
	assert.Equal(t, prefix+" seq=2 level=INFO msg=two", lines[1])
	assert.Equal(t, prefix+" seq=3 level=WARN msg=tail", lines[2])
}
