package cachenames

import "strings"

const (
	precachePrefix = "precache-"
	runtimePrefix  = "runtime-"
)

// Names holds the two partition names in use for a single version tag.
// The precache partition holds the app shell assets stored during install,
// the runtime partition holds responses stored opportunistically while serving.
type Names struct {
	Precache string
	Runtime  string
}

// ForTag derives the partition names for the given version tag.
// The derivation is pure string composition: a changed tag always
// produces names never seen under any other tag.
func ForTag(tag string) Names {
	return Names{
		Precache: precachePrefix + tag,
		Runtime:  runtimePrefix + tag,
	}
}

// Has reports whether name is one of the two names for this version.
func (n Names) Has(name string) bool {
	return name == n.Precache || name == n.Runtime
}

// IsOwned reports whether a partition name follows this subsystem's naming
// convention. Activation cleanup only ever deletes owned partitions, so
// foreign data sharing the same store is left alone.
func IsOwned(name string) bool {
	return strings.HasPrefix(name, precachePrefix) || strings.HasPrefix(name, runtimePrefix)
}

// Tag extracts the version tag from an owned partition name.
// It returns an empty string for names not following the convention.
func Tag(name string) string {
	if strings.HasPrefix(name, precachePrefix) {
		return strings.TrimPrefix(name, precachePrefix)
	}
	if strings.HasPrefix(name, runtimePrefix) {
		return strings.TrimPrefix(name, runtimePrefix)
	}
	return ""
}
