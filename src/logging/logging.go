package logging

import (
	"context"
	"encoding/json"
	"io"
	"log"
	"log/slog"

	"github.com/fatih/color"
)

type HandlerOpts struct {
	SlogOpts slog.HandlerOptions
}

// Handler prints leveled, colored lines for humans while delegating
// WithAttrs and WithGroup to a JSON handler.
type Handler struct {
	slog.Handler
	l *log.Logger
}

func (h *Handler) Handle(ctx context.Context, r slog.Record) error {
	level := r.Level.String() + ":"
	switch r.Level {
	case slog.LevelDebug:
		level = color.WhiteString(level)
	case slog.LevelInfo:
		level = color.GreenString(level)
	case slog.LevelWarn:
		level = color.YellowString(level)
	case slog.LevelError:
		level = color.RedString(level)
	default:
		// Unrecognized level.
		level = color.HiWhiteString(level)
	}
	timeStr := r.Time.Format("[15:05:05]")
	message := color.HiWhiteString(r.Message)
	if r.NumAttrs() == 0 {
		h.l.Println(timeStr, level, message)
		return nil
	}
	fields := make(map[string]interface{}, r.NumAttrs())
	r.Attrs(func(a slog.Attr) bool {
		fields[a.Key] = a.Value.Any()
		return true
	})
	j, err := json.MarshalIndent(fields, "", " ")
	if err != nil {
		return err
	}
	h.l.Println(timeStr, level, message, color.WhiteString(string(j)))
	return nil
}

func NewHandler(out io.Writer, opts HandlerOpts) *Handler {
	return &Handler{
		Handler: slog.NewJSONHandler(out, &opts.SlogOpts),
		l:       log.New(out, "", 0),
	}
}

// NewLogger builds the application logger at the given level.
func NewLogger(out io.Writer, level slog.Level) *slog.Logger {
	return slog.New(NewHandler(out, HandlerOpts{
		SlogOpts: slog.HandlerOptions{Level: level},
	}))
}
