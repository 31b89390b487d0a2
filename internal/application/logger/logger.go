package logger

import (
	"io"
	"log/slog"
	"os"
)

// Setup настраивает slog по умолчанию: JSON в stdout
func Setup(debug bool) *slog.Logger {
	return SetupWriter(os.Stdout, debug)
}

func SetupWriter(w io.Writer, debug bool) *slog.Logger {
	level := slog.LevelInfo
	if debug {
		level = slog.LevelDebug
	}

	l := slog.New(
		slog.NewJSONHandler(
			w,
			&slog.HandlerOptions{Level: level},
		),
	)

	slog.SetDefault(l)

	return l
}
