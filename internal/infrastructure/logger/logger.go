// Package logger builds the service's slog logger.
package logger

import (
	"context"
	"io"
	"log/slog"
	"os"
	"strings"

	ctxutil "bmarc/ms_facturacion_sri/internal/infrastructure/context"
)

const (
	colorReset  = "\033[0m"
	colorRed    = "\033[31m"
	colorGreen  = "\033[32m"
	colorYellow = "\033[33m"
	colorCyan   = "\033[36m"
)

var levelColors = []struct{ plain, colored string }{
	{"level=DEBUG", colorCyan + "level=DEBUG" + colorReset},
	{"level=INFO", colorGreen + "level=INFO" + colorReset},
	{"level=WARN", colorYellow + "level=WARN" + colorReset},
	{"level=ERROR", colorRed + "level=ERROR" + colorReset},
}

// New builds a structured logger honoring the configured level. Local
// environments get colored text, everything else JSON. Records logged with a
// context carry its correlation id and document reference.
func New(appName, level, environment string) *slog.Logger {
	return newLogger(os.Stdout, appName, level, environment)
}

func newLogger(w io.Writer, appName, level, environment string) *slog.Logger {
	opts := &slog.HandlerOptions{
		Level:     parseLevel(level),
		AddSource: true,
	}

	var handler slog.Handler
	if isLocal(environment) {
		handler = slog.NewTextHandler(&colorWriter{writer: w, enabled: isTerminal(w)}, opts)
	} else {
		handler = slog.NewJSONHandler(w, opts)
	}

	return slog.New(&contextHandler{Handler: handler}).With("app", appName)
}

// contextHandler copies request-scoped identifiers from the context onto
// each record.
type contextHandler struct {
	slog.Handler
}

func (h *contextHandler) Handle(ctx context.Context, record slog.Record) error {
	if id := ctxutil.GetCorrelationID(ctx); id != "" {
		record.AddAttrs(slog.String("correlation_id", id))
	}
	if ref, ok := ctxutil.GetDocumentRef(ctx); ok && ref.DocumentID != "" {
		record.AddAttrs(slog.String("document_id", ref.DocumentID))
	}
	return h.Handler.Handle(ctx, record)
}

func (h *contextHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &contextHandler{Handler: h.Handler.WithAttrs(attrs)}
}

func (h *contextHandler) WithGroup(name string) slog.Handler {
	return &contextHandler{Handler: h.Handler.WithGroup(name)}
}

// colorWriter paints the level token of text records.
type colorWriter struct {
	writer  io.Writer
	enabled bool
}

func (cw *colorWriter) Write(p []byte) (int, error) {
	if !cw.enabled {
		return cw.writer.Write(p)
	}
	text := string(p)
	for _, c := range levelColors {
		text = strings.Replace(text, c.plain, c.colored, 1)
	}
	_, err := cw.writer.Write([]byte(text))
	return len(p), err
}

func isTerminal(w io.Writer) bool {
	file, ok := w.(*os.File)
	if !ok {
		return false
	}
	info, err := file.Stat()
	if err != nil {
		return false
	}
	return info.Mode()&os.ModeCharDevice != 0
}

func isLocal(environment string) bool {
	switch strings.ToLower(strings.TrimSpace(environment)) {
	case "local", "dev", "development":
		return true
	}
	return false
}

func parseLevel(level string) slog.Leveler {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
