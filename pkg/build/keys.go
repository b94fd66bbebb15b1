package build

import (
	"regexp"
	"strings"
)

// signatureMarkers identify a source signature verification failure.
var signatureMarkers = []string{"unknown public key", "could not be verified"}

var (
	hexToken = regexp.MustCompile(`^[0-9A-Fa-f]{8,}$`)
	idToken  = regexp.MustCompile(`^[0-9A-Za-z]{8,}$`)
)

// SignatureFailure reports whether output shows a failed source signature check.
func SignatureFailure(lines []string) bool {
	for _, line := range lines {
		lower := strings.ToLower(line)
		for _, m := range signatureMarkers {
			if strings.Contains(lower, m) {
				return true
			}
		}
	}
	return false
}

// ExtractKeyIDs collects candidate key IDs from output: every token of eight
// or more hex digits, and every token following the word "key". The result
// is de-duplicated and upper-cased, in order of first appearance.
//
// This is a heuristic. Unrelated hex-looking tokens such as checksums or
// commit hashes are collected as well; importing them simply fails.
func ExtractKeyIDs(lines []string) []string {
	var ids []string
	seen := make(map[string]bool)
	add := func(tok string) {
		tok = strings.ToUpper(tok)
		if tok == "" || seen[tok] {
			return
		}
		seen[tok] = true
		ids = append(ids, tok)
	}

	for _, line := range lines {
		fields := strings.Fields(line)
		for i, raw := range fields {
			tok := trimToken(raw)
			if hexToken.MatchString(tok) {
				add(tok)
				continue
			}
			if strings.EqualFold(tok, "key") && i+1 < len(fields) {
				next := trimToken(fields[i+1])
				next = strings.TrimPrefix(strings.TrimPrefix(next, "0x"), "0X")
				if isKeyLike(next) {
					add(next)
				}
			}
		}
	}
	return ids
}

func trimToken(s string) string {
	return strings.Trim(s, "()[]{}<>.,:;!'\"`")
}

// isKeyLike rejects short words after "key" such as "could" or "is".
func isKeyLike(s string) bool {
	return idToken.MatchString(s)
}

// lastErrorLine returns the last line containing "ERROR:" with any leading
// "==>" marker removed.
func lastErrorLine(lines []string) string {
	for i := len(lines) - 1; i >= 0; i-- {
		line := strings.TrimSpace(lines[i])
		if idx := strings.Index(line, "ERROR:"); idx >= 0 {
			return strings.TrimSpace(line[idx:])
		}
	}
	return ""
}
