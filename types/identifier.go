package types

import (
	"fmt"
	"regexp"
)

// issueDatePattern matches a DD.MM.YYYY issue date with any of the
// separators seen in portal links and downloaded filenames.
var issueDatePattern = regexp.MustCompile(`(\d{2})[._-](\d{2})[._-](\d{4})`)

// ParseArtifactID extracts every distinct issue date in s, normalised
// to "DD.MM.YYYY", in order of first appearance.
func ParseArtifactID(s string) []ArtifactID {
	matches := issueDatePattern.FindAllStringSubmatch(s, -1)
	if len(matches) == 0 {
		return nil
	}
	seen := make(map[ArtifactID]struct{}, len(matches))
	var ids []ArtifactID
	for _, m := range matches {
		id := ArtifactID(fmt.Sprintf("%s.%s.%s", m[1], m[2], m[3]))
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		ids = append(ids, id)
	}
	return ids
}

// ArtifactIDFromName derives an identifier from a filename.
// Returns "" unless the name carries exactly one distinct date.
func ArtifactIDFromName(name string) ArtifactID {
	ids := ParseArtifactID(name)
	if len(ids) != 1 {
		return ""
	}
	return ids[0]
}
