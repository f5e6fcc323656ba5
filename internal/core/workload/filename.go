package workload

import (
	"regexp"
	"strings"

	"golang.org/x/text/unicode/norm"
)

// =============================================================================
// Filename Sanitizing
// =============================================================================

var unsafeFilenameChars = regexp.MustCompile(`[^A-Za-z0-9_.-]`)

// windowsDeviceNames are rejected so uploads stay portable across hosts.
var windowsDeviceNames = map[string]bool{
	"CON": true, "AUX": true, "COM1": true, "COM2": true, "COM3": true, "COM4": true,
	"LPT1": true, "LPT2": true, "LPT3": true, "PRN": true, "NUL": true,
}

// SanitizeFilename collapses an untrusted upload filename to a flat name
// made of [A-Za-z0-9_.-]. Path separators never survive, so the result can
// be joined to a workload directory without escaping it. An empty return
// value means nothing usable was left and the caller must pick a fallback.
//
// Example:
//
//	SanitizeFilename("../../etc/passwd")   // returns "etc_passwd"
//	SanitizeFilename("My Dockerfile.dev")  // returns "My_Dockerfile.dev"
func SanitizeFilename(name string) string {
	// Decompose accents so "é" keeps its base letter, then drop non-ASCII.
	decomposed := norm.NFKD.String(name)
	var b strings.Builder
	for _, r := range decomposed {
		if r < 0x80 {
			b.WriteRune(r)
		}
	}
	name = b.String()

	name = strings.NewReplacer("/", " ", "\\", " ").Replace(name)
	name = strings.Join(strings.Fields(name), "_")
	name = unsafeFilenameChars.ReplaceAllString(name, "")
	name = strings.Trim(name, "._")

	if name != "" && windowsDeviceNames[strings.ToUpper(strings.SplitN(name, ".", 2)[0])] {
		name = "_" + name
	}
	return name
}

// IsManifestName reports whether name looks like a compose manifest.
func IsManifestName(name string) bool {
	lower := strings.ToLower(name)
	return strings.HasSuffix(lower, ".yaml") || strings.HasSuffix(lower, ".yml")
}
