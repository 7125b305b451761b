package pipeline

import "strings"

// ContainsVersionWithBoundary implements the "filename contains version"
// rule: filename must contain v at a position where the character
// immediately to the left is either start-of-string, a
// non-digit, or a non-digit followed by ".", and symmetrically on the
// right. This rejects a version being absorbed into a longer numeric run
// (e.g. "12.2.3" does not count as containing "2.3"; "1.2.3.4" does not
// count as containing "1.2.3") while accepting ordinary decorated
// filenames ("release-1.2.3.zip", "app_1.2.3", "v1.2.3-win64").
func ContainsVersionWithBoundary(filename, v string) bool {
	if v == "" {
		return false
	}

	for start := 0; ; {
		idx := strings.Index(filename[start:], v)
		if idx < 0 {
			return false
		}
		idx += start

		if leftBoundaryOK(filename, idx) && rightBoundaryOK(filename, idx+len(v)) {
			return true
		}
		start = idx + 1
	}
}

// leftBoundaryOK reports whether position idx in s is a valid left boundary
// for a version match.
func leftBoundaryOK(s string, idx int) bool {
	if idx == 0 {
		return true
	}
	left := s[idx-1]
	if isDigit(left) {
		return false
	}
	if left != '.' {
		return true
	}
	// left is ".": the match is only absorbed into a longer run if a digit
	// immediately precedes the dot.
	if idx-2 < 0 {
		return true
	}
	return !isDigit(s[idx-2])
}

// rightBoundaryOK reports whether position end (one past the match) in s
// is a valid right boundary for a version match.
func rightBoundaryOK(s string, end int) bool {
	if end == len(s) {
		return true
	}
	right := s[end]
	if isDigit(right) {
		return false
	}
	if right != '.' {
		return true
	}
	if end+2 > len(s) {
		return true
	}
	return !isDigit(s[end+1])
}

func isDigit(b byte) bool {
	return b >= '0' && b <= '9'
}
