package app

import (
	"io"
	"os"
	"strings"

	"github.com/rs/zerolog"
)

type LogOptions struct {
	Level  string
	Format string
	Writer io.Writer
	// Path appends logs to a file instead of Writer.
	Path string
}

// NewLogger builds the root logger. The returned closer releases the log
// file, if one was opened.
func NewLogger(opts LogOptions) (zerolog.Logger, func() error, error) {
	closer := func() error { return nil }
	w := opts.Writer
	if w == nil {
		w = os.Stderr
	}
	if opts.Path != "" {
		f, err := os.OpenFile(opts.Path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o664)
		if err != nil {
			return zerolog.Nop(), closer, err
		}
		w = zerolog.SyncWriter(f)
		closer = f.Close
	} else if strings.EqualFold(opts.Format, "console") {
		w = zerolog.ConsoleWriter{Out: w, TimeFormat: "15:04:05"}
	}
	level := zerolog.InfoLevel
	if opts.Level != "" {
		parsed, err := zerolog.ParseLevel(strings.ToLower(opts.Level))
		if err != nil {
			return zerolog.Nop(), closer, err
		}
		level = parsed
	}
	logger := zerolog.New(w).Level(level).With().Timestamp().Logger()
	return logger, closer, nil
}
