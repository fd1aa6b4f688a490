package testutil

import (
	"io"
	"log"
	"os"
	"testing"
)

// TestLogger returns a logger that is silent unless the tests run with -v.
func TestLogger(t *testing.T) *log.Logger {
	var out io.Writer = io.Discard
	if testing.Verbose() {
		out = os.Stdout
	}
	logger := log.New(out, "[test "+t.Name()+"] ", log.LstdFlags|log.Lmicroseconds)
	t.Cleanup(func() {
		logger.SetOutput(io.Discard)
	})
	return logger
}
