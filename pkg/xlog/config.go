package xlog

import (
	"io"
	"log/slog"
	"os"
)

// NewConfig returns the default logging configuration: text format on
// stderr at info level.
func NewConfig() Config {
	return Config{
		Level:        slog.LevelInfo,
		AddSource:    false,
		AttrReplacer: NormalizeSourceAttrReplacer(),
		Format:       "text",
		Writer:       os.Stderr,
	}
}

// Config controls how the CLI builds its root Logger.
type Config struct {
	// Level is the minimum level that will be emitted.
	Level slog.Level
	// AddSource attaches the call site to every record.
	AddSource bool
	// AttrReplacer rewrites attributes before they're logged.
	AttrReplacer AttrReplacer

	// Format selects the handler: "text" or "json".
	Format string
	// Writer is where records are written.
	Writer io.Writer
}

// BuildHandler creates the slog.Handler described by c.
func (c *Config) BuildHandler() slog.Handler {
	opts := &slog.HandlerOptions{
		AddSource:   c.AddSource,
		Level:       c.Level,
		ReplaceAttr: c.AttrReplacer,
	}
	if c.Format == "json" {
		return NewLeveledHandlerCreator(JSONHandlerCreator)(c.Writer, opts)
	}
	return NewLeveledHandlerCreator(TextHandlerCreator)(c.Writer, opts)
}
