// Package logging configures the process logger and serializes messages
// from concurrent workers.
package logging

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Setup routes the global logger to the console and, when file is set, to
// a JSON log file. The console shows Info and above and nothing at all
// when quiet; the file receives every level. The file is truncated when
// overwrite is set and appended to otherwise. The returned closer closes
// the file.
func Setup(quiet bool, file string, overwrite bool) (io.Closer, error) {
	zerolog.TimeFieldFormat = time.RFC3339
	zerolog.SetGlobalLevel(zerolog.DebugLevel)

	var writers []io.Writer
	if !quiet {
		console := zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.TimeOnly}
		writers = append(writers, &zerolog.FilteredLevelWriter{
			Writer: zerolog.LevelWriterAdapter{Writer: console},
			Level:  zerolog.InfoLevel,
		})
	}

	var closer io.Closer = nopCloser{}
	if file != "" {
		if err := os.MkdirAll(filepath.Dir(file), 0o755); err != nil {
			return nil, fmt.Errorf("creating log directory: %w", err)
		}
		flags := os.O_WRONLY | os.O_CREATE | os.O_APPEND
		if overwrite {
			flags = os.O_WRONLY | os.O_CREATE | os.O_TRUNC
		}
		f, err := os.OpenFile(file, flags, 0o644)
		if err != nil {
			return nil, fmt.Errorf("opening log file: %w", err)
		}
		writers = append(writers, f)
		closer = f
	}

	log.Logger = zerolog.New(zerolog.MultiLevelWriter(writers...)).With().Timestamp().Logger()
	return closer, nil
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
