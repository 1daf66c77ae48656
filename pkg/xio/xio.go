// Package xio collects small io helpers shared by the registry client and
// layer builder: safe closers, a rewindable request-body reader, and
// bounded-copy guards.
package xio

import (
	"fmt"
	"io"
	"reflect"
)

const (
	_   = iota
	KiB = 1 << (10 * iota)
	MiB
	GiB
)

// IsNil reports whether i is nil or a nil pointer boxed in an interface.
func IsNil(i any) bool {
	if i == nil {
		return true
	}
	v := reflect.ValueOf(i)
	return v.Kind() == reflect.Pointer && v.IsNil()
}

// LimitCopy copies from r to w, failing once limit bytes have been written
// without reaching EOF.
func LimitCopy(w io.Writer, r io.Reader, limit int64) error {
	written, err := io.Copy(w, io.LimitReader(r, limit))
	if err != nil {
		return err
	}
	if written >= limit {
		return fmt.Errorf("xio: read limit of %d bytes reached before EOF", limit)
	}
	return nil
}
