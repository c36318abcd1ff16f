// Package logging builds the process logger.
package logging

import (
	"io"
	"log"
	"os"

	"gopkg.in/natefinch/lumberjack.v2"
)

// Options controls where logs go.
type Options struct {
	File      string // Empty logs to stderr only.
	MaxSizeMB int
	Backups   int
}

// Setup points the standard logger at stderr and, when a file is configured,
// a rotating log file. The returned closer releases the file.
func Setup(opts Options) io.Closer {
	log.SetFlags(log.LstdFlags | log.Lmicroseconds | log.LUTC)
	if opts.File == "" {
		log.SetOutput(os.Stderr)
		return nopCloser{}
	}
	rotator := &lumberjack.Logger{
		Filename:   opts.File,
		MaxSize:    opts.MaxSizeMB,
		MaxBackups: opts.Backups,
		Compress:   true,
	}
	log.SetOutput(io.MultiWriter(os.Stderr, rotator))
	return rotator
}

// Component returns a logger that writes through the standard logger's output
// with a "[name] " prefix.
func Component(name string) *log.Logger {
	return log.New(log.Writer(), "["+name+"] ", log.Flags()|log.Lmsgprefix)
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
