package caption

import (
	"strings"
	"testing"

	"postflow/internal/story"
)

func TestComposeDefaultTemplate(t *testing.T) {
	t.Parallel()
	c, err := New("", []string{"#fyp", "storytime"}, 4)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	text, tags, err := c.Compose(story.Story{
		ID:       "s1",
		Title:    "The Neighbour",
		Summary:  "It started with a parcel.",
		Category: "true crime",
		Tags:     []string{"TrueCrime", "mystery", "twist"},
	})
	if err != nil {
		t.Fatalf("compose: %v", err)
	}
	if text != "The Neighbour\n\nIt started with a parcel." {
		t.Fatalf("caption = %q", text)
	}
	if got := strings.Join(tags, " "); got != "#truecrime #mystery #twist #fyp" {
		t.Fatalf("tags = %q", got)
	}
}

func TestComposeCustomTemplate(t *testing.T) {
	t.Parallel()
	c, err := New("{{.Title}} ({{.Spiciness}})", nil, 0)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	text, tags, err := c.Compose(story.Story{Title: "Quiet", Spiciness: story.Mild})
	if err != nil {
		t.Fatalf("compose: %v", err)
	}
	if text != "Quiet (mild)" || len(tags) != 0 {
		t.Fatalf("caption=%q tags=%v", text, tags)
	}
	if _, err := New("{{.Title", nil, 0); err == nil {
		t.Fatalf("expected template parse error")
	}
}
