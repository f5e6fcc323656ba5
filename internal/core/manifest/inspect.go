// Package manifest extracts workload metadata from uploaded compose manifests.
// Everything here is a pure function over the manifest bytes.
package manifest

import (
	"fmt"
	"regexp"
	"strconv"

	"github.com/artpar/webtopd/internal/core/workload"
)

// =============================================================================
// Inspection Result
// =============================================================================

// Info is what the inspector recovers from a manifest.
// A nil field means the manifest did not carry it; absence is a valid value.
type Info struct {
	Identity *string
	Port     *int
}

// =============================================================================
// Matcher
// =============================================================================

// Matcher holds the compiled patterns for one naming convention.
type Matcher struct {
	identity *regexp.Regexp
	port     *regexp.Regexp
}

// NewMatcher builds a matcher for manifests whose container_name starts with
// containerPrefix and whose published port maps to containerPort.
// The identity token is any run of Unicode letters, digits and underscores,
// so a non-ASCII name is captured whole and later rejected by the identity
// policy rather than truncated into someone else's identity.
func NewMatcher(containerPrefix string, containerPort int) *Matcher {
	return &Matcher{
		identity: regexp.MustCompile(`container_name:\s*["']?` + regexp.QuoteMeta(containerPrefix) + `-([\p{L}\p{N}_]+)`),
		port:     regexp.MustCompile(fmt.Sprintf(`-\s*["']?(\d+):%d\b`, containerPort)),
	}
}

var defaultMatcher = NewMatcher(workload.DefaultContainerPrefix, workload.DefaultContainerPort)

// Inspect extracts identity and port using the default webtop conventions.
func Inspect(raw []byte) Info {
	return defaultMatcher.Inspect(raw)
}

// Inspect extracts identity and host port from raw manifest bytes.
// The input slice is only read, so callers can persist the same bytes afterwards.
func (m *Matcher) Inspect(raw []byte) Info {
	return Info{
		Identity: m.Identity(raw),
		Port:     m.Port(raw),
	}
}

// Identity returns the token following the container-name prefix, or nil.
func (m *Matcher) Identity(raw []byte) *string {
	match := m.identity.FindSubmatch(raw)
	if match == nil {
		return nil
	}
	id := string(match[1])
	return &id
}

// Port returns the host side of the first mapping onto the container port,
// or nil when there is none or it does not fit an int.
func (m *Matcher) Port(raw []byte) *int {
	match := m.port.FindSubmatch(raw)
	if match == nil {
		return nil
	}
	port, err := strconv.Atoi(string(match[1]))
	if err != nil {
		return nil
	}
	return &port
}
