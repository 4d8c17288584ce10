// Package logger builds the process zerolog logger
package logger

import (
	"fmt"
	"io"
	"path/filepath"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/pkgerrors"

	"github.com/nanoncore/nano-reconciler/internal/config"
)

var (
	timeColor  = color.New(color.FgHiBlack)
	callColor  = color.New(color.FgHiMagenta)
	keyColor   = color.New(color.FgHiYellow)
	valueColor = color.New(color.FgCyan)
	errorColor = color.New(color.FgHiRed)
)

var levelColors = map[string]*color.Color{
	zerolog.LevelTraceValue: color.New(color.FgHiBlack, color.Bold),
	zerolog.LevelDebugValue: color.New(color.FgHiBlue, color.Bold),
	zerolog.LevelInfoValue:  color.New(color.FgHiGreen, color.Bold),
	zerolog.LevelWarnValue:  color.New(color.FgHiYellow, color.Bold),
	zerolog.LevelErrorValue: color.New(color.FgHiRed, color.Bold),
	zerolog.LevelFatalValue: color.New(color.FgHiRed, color.Bold),
	zerolog.LevelPanicValue: color.New(color.FgWhite, color.BgRed, color.Bold),
}

// New returns a logger writing to out in the configured format. Error
// values carrying a stack are logged with it.
func New(cfg config.LogConfig, out io.Writer) (zerolog.Logger, error) {
	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil {
		return zerolog.Nop(), fmt.Errorf("log level: %w", err)
	}
	zerolog.ErrorStackMarshaler = pkgerrors.MarshalStack
	zerolog.TimeFieldFormat = time.RFC3339Nano

	var w io.Writer = out
	if cfg.Format != "json" {
		w = console(out, cfg.Color)
	}
	return zerolog.New(w).Level(level).With().Timestamp().Caller().Logger(), nil
}

func console(out io.Writer, colored bool) zerolog.ConsoleWriter {
	cw := zerolog.ConsoleWriter{
		Out:        out,
		NoColor:    !colored,
		TimeFormat: "15:04:05.000",
		PartsOrder: []string{zerolog.TimestampFieldName, zerolog.LevelFieldName, zerolog.CallerFieldName, zerolog.MessageFieldName},
	}
	if !colored {
		return cw
	}
	cw.FormatLevel = formatLevel
	cw.FormatCaller = formatCaller
	cw.FormatTimestamp = func(i any) string { return timeColor.Sprint(i) }
	cw.FormatFieldName = func(i any) string { return keyColor.Sprintf("%v=", i) }
	cw.FormatFieldValue = func(i any) string { return valueColor.Sprint(i) }
	cw.FormatErrFieldName = func(i any) string { return errorColor.Sprintf("%v=", i) }
	cw.FormatErrFieldValue = func(i any) string { return errorColor.Sprint(i) }
	return cw
}

func formatLevel(i any) string {
	s, _ := i.(string)
	c, ok := levelColors[s]
	if !ok {
		return strings.ToUpper(fmt.Sprint(i))
	}
	return c.Sprintf("%-5s", strings.ToUpper(s))
}

// formatCaller keeps the package directory and file
func formatCaller(i any) string {
	s, ok := i.(string)
	if !ok || s == "" {
		return ""
	}
	dir := filepath.Base(filepath.Dir(s))
	return callColor.Sprintf("%s/%s", dir, filepath.Base(s))
}
