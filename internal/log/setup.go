package log

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/term"
)

// Output formats
const (
	FormatAuto    = "auto"
	FormatConsole = "console"
	FormatJSON    = "json"
)

// Setup configures the global zerolog logger. FormatAuto writes console
// output when stderr is a terminal and JSON otherwise.
func Setup(level, format string) error {
	return SetupWriter(os.Stderr, level, format, IsTerminal(os.Stderr))
}

// SetupWriter configures the global logger to write to w
func SetupWriter(w io.Writer, level, format string, tty bool) error {
	lvl, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(level)))
	if err != nil {
		return fmt.Errorf("invalid log level %q: %w", level, err)
	}
	if lvl == zerolog.NoLevel {
		lvl = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(lvl)
	zerolog.TimeFieldFormat = time.RFC3339Nano

	var out io.Writer
	switch format {
	case FormatConsole:
		out = zerolog.ConsoleWriter{Out: w, TimeFormat: "15:04:05"}
	case FormatJSON:
		out = w
	case FormatAuto, "":
		if tty {
			out = zerolog.ConsoleWriter{Out: w, TimeFormat: "15:04:05"}
		} else {
			out = w
		}
	default:
		return fmt.Errorf("invalid log format %q", format)
	}
	log.Logger = zerolog.New(out).With().Timestamp().Logger()
	return nil
}

// IsTerminal reports whether f is attached to a terminal
func IsTerminal(f *os.File) bool {
	return term.IsTerminal(int(f.Fd()))
}
