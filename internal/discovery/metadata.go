package discovery

import (
	"regexp"
	"strings"
)

var (
	hashtagRe = regexp.MustCompile(`#([\p{L}\p{N}_]+)`)
	mentionRe = regexp.MustCompile(`(?:^|[^\w.@])@([A-Za-z0-9._]{1,30})`)
)

// ExtractHashtags returns the caption's hashtags, lower-cased, without the
// leading '#', de-duplicated in first-seen order.
func ExtractHashtags(caption string) []string {
	var tags []string
	for _, m := range hashtagRe.FindAllStringSubmatch(caption, -1) {
		tags = append(tags, m[1])
	}
	return dedupeLower(tags)
}

// ExtractMentions returns the handles mentioned in the caption followed by
// the platform user tags, lower-cased and de-duplicated in first-seen order.
func ExtractMentions(caption string, userTags []string) []string {
	var handles []string
	for _, m := range mentionRe.FindAllStringSubmatch(caption, -1) {
		if h := strings.TrimRight(m[1], "."); h != "" {
			handles = append(handles, h)
		}
	}
	handles = append(handles, userTags...)
	return dedupeLower(handles)
}

func dedupeLower(in []string) []string {
	out := make([]string, 0, len(in))
	seen := make(map[string]bool, len(in))
	for _, s := range in {
		s = strings.ToLower(strings.TrimSpace(s))
		if s == "" || seen[s] {
			continue
		}
		seen[s] = true
		out = append(out, s)
	}
	return out
}
