package xlog

import (
	"log/slog"
	"path/filepath"
)

// AttrReplacer rewrites a non-group attribute before it is logged.
type AttrReplacer func(groups []string, attr slog.Attr) slog.Attr

// ChainReplacer applies replacers in order.
func ChainReplacer(replacers ...AttrReplacer) AttrReplacer {
	return func(groups []string, attr slog.Attr) slog.Attr {
		rewrite := attr
		for _, repl := range replacers {
			rewrite = repl(groups, rewrite)
		}
		return rewrite
	}
}

// NormalizeSourceAttrReplacer trims the source file attribute to its
// basename so records don't leak the build machine's directory layout.
func NormalizeSourceAttrReplacer() AttrReplacer {
	return func(groups []string, attr slog.Attr) slog.Attr {
		if attr.Key == slog.SourceKey {
			if source, ok := attr.Value.Any().(*slog.Source); ok {
				source.File = filepath.Base(source.File)
			}
		}
		return attr
	}
}
