// Package version implements an ordered, unbounded sequence of
// non-negative integer components with a caller-chosen literal prefix.
package version

import (
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// Number is an ordered sequence of non-negative integer components, e.g.
// the 3 in "1.2.3". Two Numbers of different lengths compare as though the
// shorter one were zero-padded on the right: 1.2 == 1.2.0.
type Number struct {
	prefix     string
	components []uint64
}

// Parse splits s on "." after stripping the given literal prefix, which must
// occur at position 0. Each component must be a non-empty run of ASCII
// digits; no sign, no leading +/-. At least one component is required.
func Parse(prefix, s string) (Number, error) {
	rest := s
	if prefix != "" {
		if !strings.HasPrefix(s, prefix) {
			return Number{}, errors.Errorf("version %q does not start with prefix %q", s, prefix)
		}
		rest = strings.TrimPrefix(s, prefix)
	}

	if rest == "" {
		return Number{}, errors.Errorf("version %q has no components after prefix %q", s, prefix)
	}

	parts := strings.Split(rest, ".")
	components := make([]uint64, len(parts))
	for i, p := range parts {
		if p == "" {
			return Number{}, errors.Errorf("version %q has an empty component", s)
		}
		for _, r := range p {
			if r < '0' || r > '9' {
				return Number{}, errors.Errorf("version %q has a non-digit component %q", s, p)
			}
		}
		n, err := strconv.ParseUint(p, 10, 64)
		if err != nil {
			return Number{}, errors.Wrapf(err, "parsing component %q of version %q", p, s)
		}
		components[i] = n
	}

	return Number{prefix: prefix, components: components}, nil
}

// MustParse is Parse, panicking on error. Intended for constants in tests
// and for call sites that have already validated the input.
func MustParse(prefix, s string) Number {
	n, err := Parse(prefix, s)
	if err != nil {
		panic(err)
	}
	return n
}

// String serializes the components (without the prefix) joined by ".".
// For all v parsed with prefix, Parse(prefix, prefix+v.String()) is Equal
// to v; with an empty prefix that is Parse("", v.String()).
func (n Number) String() string {
	parts := make([]string, len(n.components))
	for i, c := range n.components {
		parts[i] = strconv.FormatUint(c, 10)
	}
	return strings.Join(parts, ".")
}

// IsZero reports whether n is the unparsed zero value.
func (n Number) IsZero() bool {
	return n.components == nil
}

func componentAt(components []uint64, i int) uint64 {
	if i >= len(components) {
		return 0
	}
	return components[i]
}

// Compare returns -1, 0, or 1 as n is less than, equal to, or greater than
// other, comparing components lexicographically and treating a missing
// trailing component as zero.
func (n Number) Compare(other Number) int {
	max := len(n.components)
	if len(other.components) > max {
		max = len(other.components)
	}

	for i := 0; i < max; i++ {
		a := componentAt(n.components, i)
		b := componentAt(other.components, i)
		switch {
		case a < b:
			return -1
		case a > b:
			return 1
		}
	}
	return 0
}

// Less reports whether n < other.
func (n Number) Less(other Number) bool { return n.Compare(other) < 0 }

// Equal reports whether n == other. Equality is derived from Compare, not a
// component-length comparison, so "1.2" and "1.2.0" are equal.
func (n Number) Equal(other Number) bool { return n.Compare(other) == 0 }
