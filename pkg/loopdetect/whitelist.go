package loopdetect

import "strings"

// whitelisted reports whether a repeating unit is made entirely of
// whitelisted text. The unit is tiled so that entries spanning the boundary
// between repeats count. Every byte of one repeat must be covered by an
// occurrence of some entry or be whitespace, and at least one byte must be
// covered. A unit that merely contains an entry, such as "Thinking... ",
// is not whitelisted.
func whitelisted(unit string, list []string) bool {
	if unit == "" {
		return false
	}
	longest := 0
	for _, w := range list {
		longest = max(longest, len(w))
	}
	if longest == 0 {
		return false
	}

	// k repeats on each side of the middle copy give every entry that
	// touches it enough context.
	k := (longest + len(unit) - 1) / len(unit)
	tiled := strings.Repeat(unit, 2*k+1)
	covered := make([]bool, len(tiled))
	for _, w := range list {
		if w == "" {
			continue
		}
		for i := 0; ; {
			j := strings.Index(tiled[i:], w)
			if j < 0 {
				break
			}
			for p := i + j; p < i+j+len(w); p++ {
				covered[p] = true
			}
			i += j + 1
		}
	}

	hit := false
	lo := k * len(unit)
	for p := lo; p < lo+len(unit); p++ {
		if covered[p] {
			hit = true
			continue
		}
		switch tiled[p] {
		case ' ', '\t', '\n', '\r':
			continue
		}
		return false
	}
	return hit
}
