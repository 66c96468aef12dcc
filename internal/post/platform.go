package post

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Platform is a publishing destination. The set is closed.
type Platform uint8

const (
	TikTok Platform = iota
	Instagram
	YouTubeShorts

	platformCount
)

var platformNames = [platformCount]string{
	TikTok:        "tiktok",
	Instagram:     "instagram",
	YouTubeShorts: "youtube_shorts",
}

// Platforms lists every platform in declaration order.
func Platforms() []Platform {
	out := make([]Platform, 0, platformCount)
	for p := Platform(0); p < platformCount; p++ {
		out = append(out, p)
	}
	return out
}

func (p Platform) String() string {
	if p.Valid() {
		return platformNames[p]
	}
	return fmt.Sprintf("platform(%d)", uint8(p))
}

func (p Platform) Valid() bool { return p < platformCount }

// ParsePlatform accepts the canonical lowercase names ("youtube" is an alias
// for youtube_shorts).
func ParsePlatform(s string) (Platform, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "youtube" {
		return YouTubeShorts, nil
	}
	for i, n := range platformNames {
		if n == s {
			return Platform(i), nil
		}
	}
	return 0, fmt.Errorf("unknown platform %q", s)
}

func (p Platform) MarshalText() ([]byte, error) {
	if !p.Valid() {
		return nil, fmt.Errorf("invalid platform %d", uint8(p))
	}
	return []byte(platformNames[p]), nil
}

func (p *Platform) UnmarshalText(b []byte) error {
	v, err := ParsePlatform(string(b))
	if err != nil {
		return err
	}
	*p = v
	return nil
}

// PlatformSet is a set of platforms.
type PlatformSet uint8

func NewPlatformSet(ps ...Platform) PlatformSet {
	var s PlatformSet
	for _, p := range ps {
		s = s.With(p)
	}
	return s
}

// ParsePlatformSet parses names; duplicates collapse.
func ParsePlatformSet(names []string) (PlatformSet, error) {
	var s PlatformSet
	for _, n := range names {
		p, err := ParsePlatform(n)
		if err != nil {
			return 0, err
		}
		s = s.With(p)
	}
	return s, nil
}

func (s PlatformSet) Has(p Platform) bool { return p.Valid() && s&(1<<p) != 0 }

func (s PlatformSet) With(p Platform) PlatformSet {
	if !p.Valid() {
		return s
	}
	return s | 1<<p
}

func (s PlatformSet) Without(p Platform) PlatformSet {
	if !p.Valid() {
		return s
	}
	return s &^ (1 << p)
}

func (s PlatformSet) Empty() bool { return s == 0 }

func (s PlatformSet) Len() int {
	n := 0
	for _, p := range Platforms() {
		if s.Has(p) {
			n++
		}
	}
	return n
}

// Slice returns members in declaration order.
func (s PlatformSet) Slice() []Platform {
	out := make([]Platform, 0, platformCount)
	for _, p := range Platforms() {
		if s.Has(p) {
			out = append(out, p)
		}
	}
	return out
}

func (s PlatformSet) Names() []string {
	ps := s.Slice()
	out := make([]string, len(ps))
	for i, p := range ps {
		out[i] = p.String()
	}
	return out
}

func (s PlatformSet) String() string { return strings.Join(s.Names(), ",") }

func (s PlatformSet) MarshalJSON() ([]byte, error) { return json.Marshal(s.Names()) }

func (s *PlatformSet) UnmarshalJSON(b []byte) error {
	var names []string
	if err := json.Unmarshal(b, &names); err != nil {
		return err
	}
	v, err := ParsePlatformSet(names)
	if err != nil {
		return err
	}
	*s = v
	return nil
}
