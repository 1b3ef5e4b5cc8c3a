// Package logging はエージェント共通のロガーを生成する
package logging

import (
	"fmt"
	"io"
	"time"

	"github.com/rs/zerolog"
)

// New は設定に従って zerolog.Logger を生成する
// format は "console" (人間向け) か "json"
func New(level, format string, w io.Writer) (zerolog.Logger, error) {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil {
		return zerolog.Nop(), fmt.Errorf("無効なログレベル %q: %w", level, err)
	}

	switch format {
	case "console":
		w = zerolog.ConsoleWriter{Out: w, TimeFormat: time.RFC3339}
	case "json":
	default:
		return zerolog.Nop(), fmt.Errorf("無効なログ形式: %q", format)
	}

	return zerolog.New(w).Level(lvl).With().Timestamp().Logger(), nil
}
