package rpc

import (
	"regexp"
	"strings"
)

// Error messages that cross the RPC boundary are scrubbed of server-side
// detail first: engine errors routinely embed absolute file paths, memory
// addresses, and C++ source references that mean nothing to a pipeline
// author and leak deployment layout to anyone else. The full error is
// always logged server-side before sanitisation.
var (
	absolutePathPattern  = regexp.MustCompile(`(/[^\s:]+\.(?:go|so|cpp|c|h|hpp|o|parquet|csv|json|py))`)
	memoryAddressPattern = regexp.MustCompile(`0x[0-9a-fA-F]{6,}`)
	internalRefPattern   = regexp.MustCompile(`src/[^\s]+\.[ch]pp:\d+`)
	stackLinePattern     = regexp.MustCompile(`(?m)^\s*(?:at .*|goroutine \d+.*|.+\.go:\d+ \+0x[0-9a-f]+)$`)
	blankRunPattern      = regexp.MustCompile(`\n{3,}`)
	trailingSpacePattern = regexp.MustCompile(`(?m)[ \t]+$`)
)

// SanitizeError strips absolute file paths, memory addresses, internal
// source references, and stack-trace lines from an error message before it
// is returned to a client.
func SanitizeError(msg string) string {
	if msg == "" {
		return ""
	}
	out := internalRefPattern.ReplaceAllString(msg, "<internal>")
	out = absolutePathPattern.ReplaceAllString(out, "<path>")
	out = memoryAddressPattern.ReplaceAllString(out, "<addr>")
	out = stackLinePattern.ReplaceAllString(out, "")
	out = trailingSpacePattern.ReplaceAllString(out, "")
	out = blankRunPattern.ReplaceAllString(out, "\n\n")
	return strings.TrimSpace(out)
}
