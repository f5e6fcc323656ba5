// Package workload holds the pure naming and input-policy rules for webtop
// workloads. Nothing in this package performs I/O.
package workload

import (
	"fmt"
	"regexp"
)

// =============================================================================
// Defaults
// =============================================================================

const (
	// DefaultContainerPrefix is the container_name prefix webtop manifests use.
	DefaultContainerPrefix = "webtop-ubuntu-xfce"

	// DefaultImagePrefix prefixes the tags of images built from uploaded Dockerfiles.
	DefaultImagePrefix = "webtop"

	// DefaultDirPrefix prefixes every workload directory under the registry root.
	DefaultDirPrefix = "workload_"

	// DefaultIdentity is used when a manifest carries no recognizable container name.
	DefaultIdentity = "default_user"

	// DefaultContainerPort is the container-side port webtop images listen on.
	DefaultContainerPort = 3000

	// ScriptName is the generated run script inside each workload directory.
	ScriptName = "run.sh"
)

// =============================================================================
// Identity Policy
// =============================================================================

// identityPattern is the same \w class the manifest inspector captures,
// bounded so identities stay usable as directory and container names.
var identityPattern = regexp.MustCompile(`^[A-Za-z0-9_]{1,64}$`)

// ValidIdentity reports whether id may be embedded in directory names,
// container names, image tags and process arguments.
func ValidIdentity(id string) bool {
	return identityPattern.MatchString(id)
}

// =============================================================================
// Resource Naming Functions
// =============================================================================

// ContainerName returns the runtime container name for a workload.
// Pattern: {prefix}-{identity}
//
// Example:
//
//	ContainerName("webtop-ubuntu-xfce", "bob") // returns "webtop-ubuntu-xfce-bob"
func ContainerName(prefix, identity string) string {
	return fmt.Sprintf("%s-%s", prefix, identity)
}

// DirName returns the directory name of a workload under the registry root.
// Pattern: {dirPrefix}{identity}
func DirName(dirPrefix, identity string) string {
	return dirPrefix + identity
}

// ImageTag returns the tag of the seq-th image built for a workload.
// Sequence numbers start at 1.
// Pattern: {prefix}-custom-{identity}-{seq}
//
// Example:
//
//	ImageTag("webtop", "alice", 2) // returns "webtop-custom-alice-2"
func ImageTag(prefix, identity string, seq int) string {
	return fmt.Sprintf("%s-custom-%s-%d", prefix, identity, seq)
}
