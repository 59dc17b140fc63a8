package keys

import (
	"regexp"
	"strings"
	"testing"
	"unicode"
)

func TestTileKey_Layout(t *testing.T) {
	if got, want := TileKey("gw170817", 3, 421), "tile:gw170817:3:421"; got != want {
		t.Fatalf("want %s, got %s", want, got)
	}
	if !strings.HasPrefix(TileKey("gw170817", 3, 421), TilePrefix("gw170817")) {
		t.Fatalf("tile key does not start with its prefix")
	}
	if got, want := MocKey("abc123"), "moc:build:abc123"; got != want {
		t.Fatalf("want %s, got %s", want, got)
	}
	if got, want := MapMetaKey(" sky map "), "map:sky_map:meta"; got != want {
		t.Fatalf("want %s, got %s", want, got)
	}
}

func TestName_SeparatorAndUnicodeSafety(t *testing.T) {
	k := TileKey("evil:name:Göteborg 雪", 4, 1)
	for _, r := range k {
		if r > unicode.MaxASCII {
			t.Fatalf("non-ASCII rune leaked into key: %q in %s", r, k)
		}
	}
	if strings.Count(k, ":") != 3 {
		t.Fatalf("name must not introduce separators: %s", k)
	}
	if !regexp.MustCompile(`^[A-Za-z0-9:_.\-]+$`).MatchString(k) {
		t.Fatalf("key contains disallowed characters: %s", k)
	}
}

func TestName_LongNamesStayDistinct(t *testing.T) {
	a := strings.Repeat("x", 200) + "a"
	b := strings.Repeat("x", 200) + "b"
	if Name(a) == Name(b) {
		t.Fatalf("long names collided")
	}
	if len(Name(a)) > maxNameLen+17 {
		t.Fatalf("name not shortened: %d", len(Name(a)))
	}
}

func TestFingerprint(t *testing.T) {
	if Fingerprint("a", "b") != Fingerprint("a", "b") {
		t.Fatalf("fingerprint not deterministic")
	}
	if Fingerprint("ab", "c") == Fingerprint("a", "bc") {
		t.Fatalf("part boundaries must matter")
	}
	if !regexp.MustCompile(`^[0-9a-f]{16}$`).MatchString(Fingerprint("x")) {
		t.Fatalf("bad digest %s", Fingerprint("x"))
	}
}
