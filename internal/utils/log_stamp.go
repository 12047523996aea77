// Package utils holds filesystem, path and logging helpers shared by tether's packages.
package utils

import (
	"bytes"
	"io"
	"os"
	"strconv"
	"sync"
	"time"
)

// LogStamper prefixes every line written through it with a timestamp, the process id and
// a sequence number. The daemon and interactive commands append to the same log file, the
// pid tells their lines apart.
type LogStamper struct {
	mu      sync.Mutex
	target  io.Writer
	pid     string
	seq     uint64
	partial []byte
	now     func() time.Time
}

func NewLogStamper(target io.Writer) *LogStamper {
	return &LogStamper{
		target: target,
		pid:    strconv.Itoa(os.Getpid()),
		now:    time.Now,
	}
}

// Write emits complete lines and keeps a trailing partial line for the next call.
func (s *LogStamper) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data := append(s.partial, p...)
	for {
		i := bytes.IndexByte(data, '\n')
		if i < 0 {
			break
		}
		if err := s.writeLine(bytes.TrimSuffix(data[:i], []byte{'\r'})); err != nil {
			s.partial = nil
			return len(p), err
		}
		data = data[i+1:]
	}
	s.partial = append([]byte(nil), data...)
	return len(p), nil
}

// Close flushes a trailing line without newline.
func (s *LogStamper) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.partial) == 0 {
		return nil
	}
	err := s.writeLine(s.partial)
	s.partial = nil
	return err
}

func (s *LogStamper) writeLine(line []byte) error {
	s.seq++
	var buf bytes.Buffer
	buf.Grow(len(line) + 48)
	buf.WriteString(s.now().Format(time.RFC3339Nano))
	buf.WriteString(" pid=")
	buf.WriteString(s.pid)
	buf.WriteString(" seq=")
	buf.WriteString(strconv.FormatUint(s.seq, 10))
	buf.WriteByte(' ')
	buf.Write(line)
	buf.WriteByte('\n')
	_, err := s.target.Write(buf.Bytes())
	return err
}
