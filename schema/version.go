package schema

// Protocol revisions, date-tagged per the MCP convention. Lexical comparison of
// the tags matches chronological order.
const (
	Version20241105 = "2024-11-05"
	Version20250326 = "2025-03-26"
	Version20250618 = "2025-06-18"
)

// SupportedVersions lists supported protocol revisions, newest first. The list
// is closed; negotiation never returns a value outside it.
var SupportedVersions = []string{Version20250618, Version20250326, Version20241105}

// LatestVersion is the newest supported protocol revision.
var LatestVersion = SupportedVersions[0]

// EarliestVersion is the oldest supported protocol revision.
var EarliestVersion = SupportedVersions[len(SupportedVersions)-1]

// IsSupported returns true if version is a member of SupportedVersions.
func IsSupported(version string) bool {
	for _, candidate := range SupportedVersions {
		if candidate == version {
			return true
		}
	}
	return false
}

// Negotiate returns the requested version when supported, otherwise the newest
// supported version.
func Negotiate(requested string) string {
	if IsSupported(requested) {
		return requested
	}
	return LatestVersion
}

// versionAtLeast reports whether version is the same or newer than min.
func versionAtLeast(version, min string) bool {
	return version >= min
}
