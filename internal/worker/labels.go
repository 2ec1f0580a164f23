package worker

import "strings"

// hasLabel reports whether labels contains target, case-insensitively.
func hasLabel(labels []string, target string) bool {
	for _, l := range labels {
		if strings.EqualFold(l, target) {
			return true
		}
	}
	return false
}
