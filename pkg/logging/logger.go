package logging

import (
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// LogConfig holds logging configuration
type LogConfig struct {
	Level      string `json:"level"`       // debug, info, warn, error
	Format     string `json:"format"`      // json, pretty
	OutputFile string `json:"output_file"` // file path for logs, empty disables file output
	Console    bool   `json:"console"`     // also log to console
}

// DefaultLogConfig returns sensible defaults
func DefaultLogConfig() *LogConfig {
	return &LogConfig{
		Level:   "info",
		Format:  "json",
		Console: true,
	}
}

// SetupLogger configures the global logger
func SetupLogger(config *LogConfig) error {
	if config == nil {
		config = DefaultLogConfig()
	}

	level, err := zerolog.ParseLevel(config.Level)
	if err != nil {
		return err
	}
	zerolog.SetGlobalLevel(level)

	var writers []io.Writer

	if config.Console {
		if config.Format == "pretty" {
			writers = append(writers, zerolog.ConsoleWriter{
				Out:        os.Stdout,
				TimeFormat: time.RFC3339,
				NoColor:    false,
			})
		} else {
			writers = append(writers, os.Stdout)
		}
	}

	if config.OutputFile != "" {
		logDir := filepath.Dir(config.OutputFile)
		if err := os.MkdirAll(logDir, 0755); err != nil {
			return err
		}

		logFile, err := os.OpenFile(config.OutputFile, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
		if err != nil {
			return err
		}

		writers = append(writers, logFile)
	}

	switch len(writers) {
	case 0:
		log.Logger = zerolog.New(io.Discard).With().Timestamp().Logger()
	case 1:
		log.Logger = zerolog.New(writers[0]).With().Timestamp().Logger()
	default:
		log.Logger = zerolog.New(io.MultiWriter(writers...)).With().Timestamp().Logger()
	}

	log.Info().
		Str("level", config.Level).
		Str("format", config.Format).
		Str("output_file", config.OutputFile).
		Bool("console", config.Console).
		Msg("logger initialized")

	return nil
}

// GetLogger returns a contextual logger for a named component.
func GetLogger(component string) zerolog.Logger {
	return log.With().Str("component", component).Logger()
}

// GetWorkerLogger returns a logger scoped to one scrape worker's loop.
func GetWorkerLogger(workerID string) zerolog.Logger {
	return log.With().Str("component", "worker").Str("worker_id", workerID).Logger()
}

// GetEngineLogger returns a logger scoped to one scrape engine.
func GetEngineLogger(engine string) zerolog.Logger {
	return log.With().Str("component", "engine").Str("engine", engine).Logger()
}

// GetCrawlLogger returns a logger scoped to one crawl's expansion.
func GetCrawlLogger(crawlID string) zerolog.Logger {
	return log.With().Str("component", "crawler").Str("crawl_id", crawlID).Logger()
}

// GetWebhookLogger returns a logger scoped to webhook delivery.
func GetWebhookLogger(eventID string) zerolog.Logger {
	return log.With().Str("component", "webhook").Str("event_id", eventID).Logger()
}
