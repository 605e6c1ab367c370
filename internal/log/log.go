// Package log provides structured logging for the consensus core.
package log

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// Logger is the global logger instance.
var Logger zerolog.Logger

// Component loggers, one per collaborator in the core pipeline.
var (
	ChainIndex   zerolog.Logger
	Selector     zerolog.Logger
	Validator    zerolog.Logger
	ChainState   zerolog.Logger
	UTXO         zerolog.Logger
	Mempool      zerolog.Logger
	InvalidCache zerolog.Logger
	Storage      zerolog.Logger
)

func init() {
	Logger = NewConsoleLogger(os.Stdout, "info")
	initComponentLoggers()
}

// Init (re)initializes the global logger and all component loggers.
// jsonOutput selects structured JSON lines over colored console output.
func Init(level string, jsonOutput bool, w io.Writer) {
	if w == nil {
		w = os.Stdout
	}
	if jsonOutput {
		Logger = NewJSONLogger(w, level)
	} else {
		Logger = NewConsoleLogger(w, level)
	}
	initComponentLoggers()
}

// NewConsoleLogger creates a colored console logger.
func NewConsoleLogger(w io.Writer, level string) zerolog.Logger {
	output := zerolog.ConsoleWriter{
		Out:        w,
		TimeFormat: "15:04:05",
	}
	return zerolog.New(output).Level(parseLevel(level)).With().Timestamp().Logger()
}

// NewJSONLogger creates a structured JSON logger.
func NewJSONLogger(w io.Writer, level string) zerolog.Logger {
	return zerolog.New(w).Level(parseLevel(level)).With().Timestamp().Logger()
}

func parseLevel(level string) zerolog.Level {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil {
		return zerolog.InfoLevel
	}
	return lvl
}

func initComponentLoggers() {
	ChainIndex = Logger.With().Str("component", "chainindex").Logger()
	Selector = Logger.With().Str("component", "selector").Logger()
	Validator = Logger.With().Str("component", "validator").Logger()
	ChainState = Logger.With().Str("component", "chainstate").Logger()
	UTXO = Logger.With().Str("component", "utxo").Logger()
	Mempool = Logger.With().Str("component", "mempool").Logger()
	InvalidCache = Logger.With().Str("component", "invalidcache").Logger()
	Storage = Logger.With().Str("component", "storage").Logger()
}

// WithComponent returns a logger tagged with an arbitrary component name,
// for ad hoc sub-loggers such as a single pipeline stage.
func WithComponent(name string) zerolog.Logger {
	return Logger.With().Str("component", name).Logger()
}

// WithBlockHash returns a logger with a block_hash field.
func WithBlockHash(hash string) zerolog.Logger {
	return Logger.With().Str("block_hash", hash).Logger()
}

// Benchmark times an operation and logs its duration at debug level when
// the returned func is invoked, typically via defer.
func Benchmark(name string) func() {
	start := time.Now()
	return func() {
		Logger.Debug().Str("operation", name).Dur("duration", time.Since(start)).Msg("benchmark")
	}
}
