// Package keys builds the Redis key layout for stored maps and MOCs.
package keys

import (
	"fmt"
	"strings"
	"unicode"

	"github.com/cespare/xxhash/v2"
)

const maxNameLen = 96

// TileKey addresses one tile of a stored map: tile:<name>:<fileOrder>:<index>.
func TileKey(mapName string, fileOrder int, index uint64) string {
	return fmt.Sprintf("tile:%s:%d:%d", Name(mapName), fileOrder, index)
}

// TilePrefix is the common prefix of every tile key of a map.
func TilePrefix(mapName string) string {
	return "tile:" + Name(mapName) + ":"
}

// MapMetaKey addresses the descriptor of a stored map.
func MapMetaKey(mapName string) string {
	return "map:" + Name(mapName) + ":meta"
}

// MocKey addresses a finished MOC by build id.
func MocKey(buildID string) string {
	return "moc:build:" + Name(buildID)
}

// Fingerprint hashes the parts into a fixed-width hex digest. Parts are
// separated so ("ab","c") and ("a","bc") differ.
func Fingerprint(parts ...string) string {
	d := xxhash.New()
	for _, p := range parts {
		_, _ = d.WriteString(p)
		_, _ = d.Write([]byte{0})
	}
	return fmt.Sprintf("%016x", d.Sum64())
}

// Name trims and sanitizes a user supplied name for use inside a key. Names
// that had to be shortened get a hash suffix so they stay distinct.
func Name(s string) string {
	s = strings.TrimSpace(s)
	out := sanitize(s)
	if len(out) > maxNameLen {
		out = fmt.Sprintf("%s-%016x", out[:maxNameLen], xxhash.Sum64String(s))
	}
	return out
}

func sanitize(s string) string {
	if s == "" {
		return ""
	}
	var b strings.Builder
	b.Grow(len(s))
	var prev rune
	for _, r := range s {
		out := rune(0)
		switch {
		case r == ' ' || r == '\t' || r == '\n' || r == '\r' || r == '\v' || r == '\f':
			out = '_'
		case isAlphaNum(r) || r == '_' || r == '-' || r == '.':
			out = r
		default:
			// ':' is the key separator, so it is replaced too
			out = '-'
		}
		if (out == '_' || out == '-') && out == prev {
			continue
		}
		b.WriteRune(out)
		prev = out
	}
	return b.String()
}

func isAlphaNum(r rune) bool {
	return (r >= 'a' && r <= 'z') ||
		(r >= 'A' && r <= 'Z') ||
		(r < unicode.MaxASCII && unicode.IsDigit(r))
}
