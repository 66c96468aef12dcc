package publisher

import (
	"strings"
	"unicode/utf8"

	"postflow/internal/post"
)

// Per-platform limits.
const (
	maxCaptionRunes  = 2200
	maxTitleRunes    = 100
	maxInstagramTags = 30
	shortsTag        = "#Shorts"
	ellipsis         = "…"
)

// Shape adapts caption and hashtags to platform limits. Hashtags are
// normalised to a single leading '#' and deduplicated case-insensitively.
func Shape(pl post.Platform, caption string, hashtags []string) (string, []string) {
	tags := normalizeTags(hashtags)
	caption = strings.TrimSpace(caption)

	switch pl {
	case post.Instagram:
		if len(tags) > maxInstagramTags {
			tags = tags[:maxInstagramTags]
		}
		return truncate(caption, maxCaptionRunes), tags
	case post.YouTubeShorts:
		if !hasTag(tags, shortsTag) {
			tags = append(tags, shortsTag)
		}
		title, _, _ := strings.Cut(caption, "\n")
		return truncate(strings.TrimSpace(title), maxTitleRunes), tags
	default:
		// TikTok renders hashtags inline, so they share the caption budget.
		inline := strings.TrimSpace(caption + " " + strings.Join(tags, " "))
		if utf8.RuneCountInString(inline) <= maxCaptionRunes {
			return inline, tags
		}
		return truncate(caption, maxCaptionRunes), tags
	}
}

func normalizeTags(in []string) []string {
	out := make([]string, 0, len(in))
	seen := make(map[string]struct{}, len(in))
	for _, t := range in {
		t = strings.TrimLeft(strings.TrimSpace(t), "#")
		t = strings.Join(strings.Fields(t), "")
		if t == "" {
			continue
		}
		key := strings.ToLower(t)
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, "#"+t)
	}
	return out
}

func hasTag(tags []string, tag string) bool {
	for _, t := range tags {
		if strings.EqualFold(t, tag) {
			return true
		}
	}
	return false
}

func truncate(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	r := []rune(s)
	return string(r[:n-1]) + ellipsis
}
