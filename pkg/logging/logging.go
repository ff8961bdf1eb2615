// Package logging configures the shared zerolog logger for both binaries
// and adapts it to the narrow Errorf/Infof interfaces pkg/scheduler and
// pkg/authgateway depend on.
package logging

import (
	"os"
	"time"

	"github.com/rs/zerolog"
)

// Init sets the global zerolog level and returns a timestamped logger on
// stdout. jsonOutput selects structured JSON (production) over a
// human-readable console writer (dev).
func Init(jsonOutput bool, level string) zerolog.Logger {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil {
		lvl = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(lvl)

	if jsonOutput {
		return zerolog.New(os.Stdout).With().Timestamp().Logger()
	}
	return zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}).With().Timestamp().Logger()
}

// Component adapts a zerolog.Logger to the Errorf/Infof shape used by
// pkg/scheduler.Logger and pkg/authgateway.Logger, tagged with a component
// field so gateway/worker logs can be told apart.
type Component struct {
	log zerolog.Logger
}

// WithComponent returns a Component logger tagged with name.
func WithComponent(base zerolog.Logger, name string) Component {
	return Component{log: base.With().Str("component", name).Logger()}
}

func (c Component) Errorf(format string, args ...any) {
	c.log.Error().Msgf(format, args...)
}

func (c Component) Infof(format string, args ...any) {
	c.log.Info().Msgf(format, args...)
}
