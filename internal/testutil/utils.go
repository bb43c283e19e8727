package testutil

import (
	"bytes"
	"log"
	"os"
	"sync"
	"testing"
)

// TestLogger returns a logger tagged with the running test's name.
func TestLogger(t *testing.T) *log.Logger {
	return log.New(os.Stdout, "["+t.Name()+"] ", log.LstdFlags|log.Lmicroseconds)
}

// LogBuffer collects log output. It is safe to read while connection
// goroutines are still writing.
type LogBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *LogBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *LogBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

// BufferLogger returns a logger whose output can be inspected by the test.
func BufferLogger() (*log.Logger, *LogBuffer) {
	buf := &LogBuffer{}
	return log.New(buf, "", 0), buf
}
