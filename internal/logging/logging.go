package logging

import (
	"io"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Setup configures the global logger: a console writer on out plus, when
// file is set, a rotated JSON log. Unknown levels fall back to info.
func Setup(out io.Writer, level, file string) {
	zerolog.TimeFieldFormat = time.RFC3339

	lvl, err := zerolog.ParseLevel(level)
	if err != nil || level == "" {
		lvl = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(lvl)

	log.Logger = zerolog.New(writer(out, file)).With().Timestamp().Logger()
}

func writer(out io.Writer, file string) io.Writer {
	console := zerolog.ConsoleWriter{Out: out, TimeFormat: time.RFC3339}
	if file == "" {
		return console
	}

	return zerolog.MultiLevelWriter(console, &lumberjack.Logger{
		Filename:   file,
		MaxSize:    50,
		MaxBackups: 5,
		MaxAge:     14,
		Compress:   true,
	})
}
