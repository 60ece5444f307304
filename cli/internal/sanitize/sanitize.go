// Package sanitize (sanitize.go) scrubs credential material from git
// metadata before it is packaged for upload. It is a pure string
// transformation: no file or repository access happens here, so the
// rewrite rules can be tested exhaustively without a working tree.
package sanitize

import (
	"regexp"
	"strings"
)

var (
	// http.<url>.extraHeader typically carries "AUTHORIZATION: basic ..."
	// injected by CI checkouts. Any spelling of the key counts.
	_extraHeaderRe = regexp.MustCompile(`(?i)\bextraheader\b`)

	_urlLineRe = regexp.MustCompile(`(?i)^(\s*url\s*=\s*)(.*)$`)

	// Userinfo runs to the last "@" before the first path slash, which
	// also covers passwords that themselves contain "@".
	_userinfoRe = regexp.MustCompile(`(?i)^(https?://)[^/]*@`)
)

// GitConfig returns a rewritten copy of a git config file with
// credentials removed. Lines naming an extraheader key have their value
// replaced with "<redacted>", url lines lose any user:password@ portion
// of http(s) remotes, and every other line passes through with trailing
// whitespace trimmed. Whether the input ended in a newline is preserved.
func GitConfig(raw string) string {
	lines := strings.Split(raw, "\n")
	hadFinalNewline := strings.HasSuffix(raw, "\n")
	if hadFinalNewline {
		lines = lines[:len(lines)-1]
	}

	out := make([]string, 0, len(lines))
	for _, line := range lines {
		out = append(out, sanitizeLine(line))
	}

	result := strings.Join(out, "\n")
	if hadFinalNewline {
		result += "\n"
	}
	return result
}

func sanitizeLine(line string) string {
	if _extraHeaderRe.MatchString(line) {
		if i := strings.Index(line, "="); i >= 0 {
			return strings.TrimRight(line[:i], " \t") + " = <redacted>"
		}
		return "<redacted>"
	}
	if m := _urlLineRe.FindStringSubmatch(line); m != nil {
		value := strings.TrimRight(m[2], " \t")
		return m[1] + _userinfoRe.ReplaceAllString(value, "$1")
	}
	return strings.TrimRight(line, " \t")
}
