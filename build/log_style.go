package build

import (
	"fmt"
	"path/filepath"

	btclogv1 "github.com/btcsuite/btclog"
	"github.com/btcsuite/btclog/v2"
)

const (
	ansiReset  = "\033[0m"
	ansiBold   = "\033[1m"
	ansiFaint  = "\033[2m"
	ansiRed    = "\033[31m"
	ansiGreen  = "\033[32m"
	ansiYellow = "\033[33m"
	ansiCyan   = "\033[36m"
)

// styled wraps s in the given ANSI escape sequences.
func styled(s string, codes ...string) string {
	var prefix string
	for _, code := range codes {
		prefix += code
	}

	return prefix + s + ansiReset
}

// styleLevel colours a level tag by severity.
func styleLevel(l btclogv1.Level) string {
	tag := fmt.Sprintf("[%v]", l)

	switch l {
	case btclog.LevelTrace, btclog.LevelDebug:
		return styled(tag, ansiFaint)

	case btclog.LevelInfo:
		return styled(tag, ansiGreen)

	case btclog.LevelWarn:
		return styled(tag, ansiYellow)

	case btclog.LevelError:
		return styled(tag, ansiRed)

	case btclog.LevelCritical:
		return styled(tag, ansiBold, ansiRed)

	default:
		return tag
	}
}

// styleCallSite shortens and dims a call site.
func styleCallSite(file string, line int) string {
	return styled(fmt.Sprintf("%s:%d", filepath.Base(file), line),
		ansiFaint)
}

// styleKey colours the key of a structured attribute.
func styleKey(key string) string {
	return styled(key, ansiCyan)
}

// styledOutputOptions are the handler options of a coloured console.
func styledOutputOptions() []btclog.HandlerOption {
	return []btclog.HandlerOption{
		btclog.WithStyledLevel(styleLevel),
		btclog.WithStyledCallSite(styleCallSite),
		btclog.WithStyledKeys(styleKey),
	}
}
