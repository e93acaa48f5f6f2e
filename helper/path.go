package helper

import (
	"net/url"
	"path/filepath"
	"strings"
)

// CleanSegments splits an escaped request path into the segments it names
// on disk. Segments are percent-decoded before "." and ".." are folded,
// empty segments are dropped and ".." never climbs above the first one.
func CleanSegments(requestPath string) []string {
	var parts []string
	for _, segment := range strings.Split(requestPath, "/") {
		decoded, err := url.PathUnescape(segment)
		if err != nil {
			decoded = segment
		}
		// a decoded segment may itself hold separators
		for _, part := range strings.FieldsFunc(decoded, isSeparator) {
			switch part {
			case ".":
			case "..":
				if len(parts) > 0 {
					parts = parts[:len(parts)-1]
				}
			default:
				parts = append(parts, part)
			}
		}
	}
	return parts
}

func isSeparator(r rune) bool {
	return r == '/' || r == filepath.Separator
}
