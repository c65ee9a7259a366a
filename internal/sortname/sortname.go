// Package sortname builds bibliographic sort titles.
package sortname

import "strings"

// TitleArticles are moved from the front of a title to its end.
var TitleArticles = []string{"The", "A", "An"}

// ForTitle returns the sort form of a display title.
//   - "The Hobbit" -> "Hobbit, The"
//   - "An Instance of the Fingerpost" -> "Instance of the Fingerpost, An"
//   - "Anathem" -> "Anathem"
func ForTitle(title string) string {
	title = strings.TrimSpace(title)
	first, rest, ok := strings.Cut(title, " ")
	if !ok {
		return title
	}
	rest = strings.TrimSpace(rest)
	if rest == "" {
		return title
	}
	for _, article := range TitleArticles {
		if strings.EqualFold(first, article) {
			return rest + ", " + first
		}
	}
	return title
}
