package xhttp

import (
	"fmt"
	stdurl "net/url"
	"strings"

	"github.com/spf13/cast"
)

// ParseHostScheme splits addr into host and scheme. If addr has no
// scheme, the returned scheme is empty and the caller should probe both
// https and http.
func ParseHostScheme(addr string) (host, scheme string, err error) {
	if strings.Contains(addr, "://") {
		u, err := stdurl.Parse(addr)
		if err != nil {
			return "", "", err
		}
		return u.Host, u.Scheme, nil
	}
	u, err := stdurl.Parse("https://" + addr)
	if err != nil {
		return "", "", err
	}
	return u.Host, "", nil
}

// RangeString formats [start, end) as the inclusive-inclusive
// "Content-Range" wire form chunked blob uploads use.
func RangeString(start, end int64) string {
	end--
	if end < 0 {
		end = 0
	}
	return fmt.Sprintf("%d-%d", start, end)
}

// ParseRange parses a "start-end" Content-Range value back into the
// [start, end) Go convention.
func ParseRange(s string) (start, end int64, ok bool) {
	s0, s1, found := strings.Cut(s, "-")
	if !found {
		return 0, 0, false
	}
	p0, err0 := cast.ToInt64E(s0)
	p1, err1 := cast.ToInt64E(s1)
	if p1 > 0 {
		p1++
	}
	return p0, p1, err0 == nil && err1 == nil
}
