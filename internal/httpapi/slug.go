package httpapi

import "strings"

const maxSlugLength = 32

// deriveSlug lowercases name, replaces runs of non-alphanumeric characters
// with a single hyphen, and trims leading/trailing hyphens, truncating to
// maxSlugLength. Callers must reject an empty result.
func deriveSlug(name string) string {
	lower := strings.ToLower(name)
	var b strings.Builder
	b.Grow(len(lower))
	prevHyphen := false
	for _, r := range lower {
		switch {
		case r >= 'a' && r <= 'z' || r >= '0' && r <= '9':
			b.WriteRune(r)
			prevHyphen = false
		default:
			if !prevHyphen && b.Len() > 0 {
				b.WriteByte('-')
				prevHyphen = true
			}
		}
	}
	slug := strings.TrimRight(b.String(), "-")
	if len(slug) > maxSlugLength {
		slug = strings.TrimRight(slug[:maxSlugLength], "-")
	}
	return slug
}
