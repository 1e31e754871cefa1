package knowledge

import "strings"

// Chunk splits content on '.' and drops empty pieces. It does not try to find
// sentence boundaries beyond that.
func Chunk(content string) []string {
	pieces := strings.Split(strings.TrimSpace(content), ".")
	out := make([]string, 0, len(pieces))
	for _, p := range pieces {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		out = append(out, p)
	}
	return out
}
