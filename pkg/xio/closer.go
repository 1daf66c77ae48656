package xio

import (
	"errors"
	"io"
	"strings"

	"github.com/max-te/kleinladungstraeger/pkg/xlog"
)

// CloseAndSkipError closes c and discards any error. Used for read-side
// closers where a failure to close carries no useful signal.
func CloseAndSkipError(c io.Closer) {
	if c != nil {
		_ = c.Close()
	}
}

// CloseAndLogError closes c and logs a warning if it returns an error.
// Prefer "defer xio.CloseAndLogError(rc, "context")" over a bare
// "defer rc.Close()" anywhere the close error shouldn't be swallowed
// silently but also isn't worth failing the calling operation over.
func CloseAndLogError(c io.Closer, messages ...string) {
	if err := c.Close(); err != nil {
		if msg := strings.Join(messages, ": "); msg != "" {
			xlog.Warnf("unable to close %s: %+v", msg, err)
		} else {
			xlog.Warnf("unable to close: %+v", err)
		}
	}
}

// MultiClosers returns a Closer that closes every given closer, continuing
// past individual errors and joining them into one.
func MultiClosers(closers ...io.Closer) io.Closer {
	return multiClosers(closers)
}

type multiClosers []io.Closer

func (mc multiClosers) Close() error {
	var errs []error
	for _, c := range mc {
		if err := c.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
