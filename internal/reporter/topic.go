package reporter

import "strings"

var topicEscaper = strings.NewReplacer("/", "_", "+", "_", "#", "_")

// Topic joins prefix and system with further levels. Levels other than the
// prefix must not introduce extra separators or wildcards and are escaped.
func Topic(prefix, system string, levels ...string) string {
	parts := make([]string, 0, len(levels)+2)
	parts = append(parts, prefix, topicEscaper.Replace(system))
	for _, l := range levels {
		parts = append(parts, topicEscaper.Replace(l))
	}
	return strings.Join(parts, "/")
}
