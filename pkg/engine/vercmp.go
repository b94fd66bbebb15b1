package engine

import "strings"

// Vercmp compares two package versions of the form [epoch:]version[-release]
// the way libalpm does: -1 if a is older than b, 0 if equal, 1 if newer.
// Numeric segments compare numerically and alphabetic segments sort before
// numeric ones, so "1.10" > "1.9" and "1.0alpha" < "1.0".
func Vercmp(a, b string) int {
	if a == b {
		return 0
	}
	epochA, verA, relA := parseEVR(a)
	epochB, verB, relB := parseEVR(b)

	if ret := rpmvercmp(epochA, epochB); ret != 0 {
		return ret
	}
	if ret := rpmvercmp(verA, verB); ret != 0 {
		return ret
	}
	if relA != "" && relB != "" {
		return rpmvercmp(relA, relB)
	}
	return 0
}

func parseEVR(evr string) (epoch, version, release string) {
	epoch = "0"
	rest := evr
	if i := strings.IndexByte(evr, ':'); i >= 0 {
		if i > 0 && allDigits(evr[:i]) {
			epoch = evr[:i]
		}
		rest = evr[i+1:]
	}
	if i := strings.LastIndexByte(rest, '-'); i >= 0 {
		return epoch, rest[:i], rest[i+1:]
	}
	return epoch, rest, ""
}

func rpmvercmp(a, b string) int {
	if a == b {
		return 0
	}

	i, j := 0, 0
	for i < len(a) && j < len(b) {
		sepA, sepB := i, j
		for i < len(a) && !isAlnum(a[i]) {
			i++
		}
		for j < len(b) && !isAlnum(b[j]) {
			j++
		}
		if i >= len(a) || j >= len(b) {
			break
		}
		// Different separator lengths decide on their own.
		if i-sepA != j-sepB {
			if i-sepA < j-sepB {
				return -1
			}
			return 1
		}

		startA, startB := i, j
		numeric := isDigit(a[i])
		if numeric {
			for i < len(a) && isDigit(a[i]) {
				i++
			}
			for j < len(b) && isDigit(b[j]) {
				j++
			}
		} else {
			for i < len(a) && isAlpha(a[i]) {
				i++
			}
			for j < len(b) && isAlpha(b[j]) {
				j++
			}
		}

		segA, segB := a[startA:i], b[startB:j]
		if segB == "" {
			// Segments of different types: numeric is newer.
			if numeric {
				return 1
			}
			return -1
		}

		if numeric {
			segA = strings.TrimLeft(segA, "0")
			segB = strings.TrimLeft(segB, "0")
			if len(segA) != len(segB) {
				if len(segA) > len(segB) {
					return 1
				}
				return -1
			}
		}
		if c := strings.Compare(segA, segB); c != 0 {
			return c
		}
	}

	restA, restB := i >= len(a), j >= len(b)
	if restA && restB {
		return 0
	}
	// The longer version wins unless what remains is an alphabetic
	// suffix, which marks a pre-release.
	if (restA && !isAlpha(b[j])) || (!restA && isAlpha(a[i])) {
		return -1
	}
	return 1
}

func allDigits(s string) bool {
	for i := 0; i < len(s); i++ {
		if !isDigit(s[i]) {
			return false
		}
	}
	return s != ""
}

func isDigit(c byte) bool { return c >= '0' && c <= '9' }
func isAlpha(c byte) bool { return (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') }
func isAlnum(c byte) bool { return isDigit(c) || isAlpha(c) }
