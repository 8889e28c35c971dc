package pkg

import (
	"io"
	"log/slog"
	"os"
	"sync"
)

// Component identifies a subsystem for log filtering.
type Component string

// USB stack component identifiers.
const (
	ComponentHAL      Component = "hal"
	ComponentXHCI     Component = "xhci"
	ComponentUSB      Component = "usb"
	ComponentCH341    Component = "ch341"
	ComponentSerial   Component = "serial"
	ComponentMemdump  Component = "memdump"
	ComponentTransfer Component = "transfer"
	ComponentEndpoint Component = "endpoint"
)

// LogFormat specifies the output format for logging.
type LogFormat int

// Log format options.
const (
	LogFormatText LogFormat = iota // Text format (default)
	LogFormatJSON                  // JSON format
)

var (
	// DefaultLogger is the default logger used by the USB stack.
	DefaultLogger *slog.Logger

	// logLevel controls the minimum log level.
	logLevel = new(slog.LevelVar)

	// logMutex protects logger configuration.
	logMutex sync.RWMutex

	// componentLoggers caches one DefaultLogger.With("component", ...)
	// child per Component, so the busy-poll call sites in xhci (ring
	// enqueue, unmatched-event dispatch) and the root-hub debounce loop —
	// which can log many times a second — don't rebuild an args slice on
	// every call. Cleared whenever DefaultLogger itself is replaced;
	// SetLogLevel needs no invalidation since every child shares logLevel.
	componentLoggers sync.Map // Component -> *slog.Logger
)

func init() {
	logLevel.Set(slog.LevelWarn)
	DefaultLogger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: logLevel,
	}))
}

// SetLogLevel sets the minimum log level for all USB stack logging.
func SetLogLevel(level slog.Level) {
	logMutex.Lock()
	defer logMutex.Unlock()
	logLevel.Set(level)
}

// GetLogLevel returns the current minimum log level.
func GetLogLevel() slog.Level {
	logMutex.RLock()
	defer logMutex.RUnlock()
	return logLevel.Level()
}

// SetLogger replaces the default logger with a custom logger.
func SetLogger(logger *slog.Logger) {
	logMutex.Lock()
	defer logMutex.Unlock()
	DefaultLogger = logger
	componentLoggers = sync.Map{}
}

// SetLogFormat configures the default logger to use the specified format.
// The logger writes to os.Stderr and uses the current log level.
func SetLogFormat(format LogFormat) {
	logMutex.Lock()
	defer logMutex.Unlock()
	opts := &slog.HandlerOptions{Level: logLevel}
	switch format {
	case LogFormatJSON:
		DefaultLogger = slog.New(slog.NewJSONHandler(os.Stderr, opts))
	default:
		DefaultLogger = slog.New(slog.NewTextHandler(os.Stderr, opts))
	}
	componentLoggers = sync.Map{}
}

// loggerFor returns the cached child logger for component, creating it
// from the current DefaultLogger on first use.
func loggerFor(component Component) *slog.Logger {
	if v, ok := componentLoggers.Load(component); ok {
		return v.(*slog.Logger)
	}
	logMutex.RLock()
	base := DefaultLogger
	logMutex.RUnlock()
	l := base.With("component", string(component))
	actual, _ := componentLoggers.LoadOrStore(component, l)
	return actual.(*slog.Logger)
}

// NewLogger creates a new text logger writing to the given writer.
func NewLogger(w io.Writer, opts *slog.HandlerOptions) *slog.Logger {
	if opts == nil {
		opts = &slog.HandlerOptions{Level: logLevel}
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

// NewJSONLogger creates a new JSON logger writing to the given writer.
func NewJSONLogger(w io.Writer, opts *slog.HandlerOptions) *slog.Logger {
	if opts == nil {
		opts = &slog.HandlerOptions{Level: logLevel}
	}
	return slog.New(slog.NewJSONHandler(w, opts))
}

// LogDebug logs a debug message with the given component.
func LogDebug(component Component, msg string, args ...any) {
	loggerFor(component).Debug(msg, args...)
}

// LogInfo logs an info message with the given component.
func LogInfo(component Component, msg string, args ...any) {
	loggerFor(component).Info(msg, args...)
}

// LogWarn logs a warning message with the given component.
func LogWarn(component Component, msg string, args ...any) {
	loggerFor(component).Warn(msg, args...)
}

// LogError logs an error message with the given component.
func LogError(component Component, msg string, args ...any) {
	loggerFor(component).Error(msg, args...)
}
