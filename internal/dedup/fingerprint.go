package dedup

import (
	"crypto/sha256"
	"encoding/hex"
	"regexp"
	"strings"
)

// volatileLine matches generator-stamped lines that legitimately differ
// between two renderings of the same content. Two concurrent instances must
// compute the same fingerprint for logically identical output, so these
// lines are dropped before hashing.
var volatileLine = regexp.MustCompile(`(?i)^\s*(<!--\s*)?(generated|rendered|built)\s+at:?\s`)

// Normalize canonicalizes content bytes before fingerprinting: CRLF becomes
// LF, trailing whitespace is stripped per line, volatile generator-timestamp
// lines are removed, and leading/trailing blank lines are trimmed.
func Normalize(content []byte) []byte {
	text := strings.ReplaceAll(string(content), "\r\n", "\n")

	lines := strings.Split(text, "\n")
	out := make([]string, 0, len(lines))
	for _, line := range lines {
		if volatileLine.MatchString(line) {
			continue
		}
		out = append(out, strings.TrimRight(line, " \t"))
	}

	return []byte(strings.Trim(strings.Join(out, "\n"), "\n"))
}

// Fingerprint returns the SHA-256 hex digest of the normalized content.
// The hash covers the output bytes, never the input message: two different
// inputs that produce identical output must collapse to one artifact, and
// two deliveries of one input must not produce two.
func Fingerprint(content []byte) string {
	sum := sha256.Sum256(Normalize(content))
	return hex.EncodeToString(sum[:])
}
