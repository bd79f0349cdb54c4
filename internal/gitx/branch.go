package gitx

import (
	"regexp"
	"strings"
)

// branchSuffix is appended to every derived branch name. Downstream
// consumers match on the exact format, so it must not vary.
const branchSuffix = "_AI_Fix"

var (
	disallowedCharsRegex = regexp.MustCompile(`[^A-Z0-9 ]`)
	whitespaceRunRegex   = regexp.MustCompile(`\s+`)
)

// DeriveBranchName builds the fix branch name for a team and leader pair.
// The result is deterministic: "{TEAM}_{LEADER}_AI_Fix" with both parts
// uppercased and reduced to [A-Z0-9_].
func DeriveBranchName(teamName, leaderName string) string {
	return sanitizeNamePart(teamName) + "_" + sanitizeNamePart(leaderName) + branchSuffix
}

// sanitizeNamePart uppercases the name, strips every character outside
// [A-Z0-9 ], and collapses the remaining whitespace runs into single
// underscores.
func sanitizeNamePart(name string) string {
	upper := strings.ToUpper(name)
	stripped := disallowedCharsRegex.ReplaceAllString(upper, "")
	trimmed := strings.TrimSpace(stripped)
	return whitespaceRunRegex.ReplaceAllString(trimmed, "_")
}
