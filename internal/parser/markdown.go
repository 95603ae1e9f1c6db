package parser

import (
	"math"
	"regexp"
	"strings"
	"unicode"
	"unicode/utf8"
)

const (
	// MaxDerivedTitleLength bounds a title taken from a note's first line
	MaxDerivedTitleLength = 60

	wordsPerPage   = 250
	wordsPerMinute = 200
)

var (
	// headingRegex matches the first level-one heading
	headingRegex = regexp.MustCompile(`(?m)^#[ \t]+(.+?)[ \t]*$`)

	sentenceRegex  = regexp.MustCompile(`[.!?]+(\s|$)`)
	paragraphSplit = regexp.MustCompile(`\n\s*\n`)

	// wikiLinkRegex matches [[Page Name]] and [[Page Name|Alias]]
	wikiLinkRegex = regexp.MustCompile(`\[\[([^\]|]+)(?:\|[^\]]+)?\]\]`)

	// inlineTagRegex matches #tag-name (but not #123 or inside code blocks)
	inlineTagRegex = regexp.MustCompile(`(?:^|[^&\w])#([a-zA-Z][a-zA-Z0-9_/-]*)`)

	// codeBlockRegex matches fenced code blocks
	codeBlockRegex = regexp.MustCompile("(?s)```.*?```")

	// inlineCodeRegex matches inline code
	inlineCodeRegex = regexp.MustCompile("`[^`]+`")
)

// Stats are writing statistics for a note body
type Stats struct {
	Words          int `json:"words"`
	Chars          int `json:"chars"`
	CharsNoSpaces  int `json:"charsNoSpaces"`
	Sentences      int `json:"sentences"`
	Paragraphs     int `json:"paragraphs"`
	Pages          int `json:"pages"`
	ReadingMinutes int `json:"readingMinutes"`
}

// Analysis is what the API reports about a note body
type Analysis struct {
	Stats      Stats    `json:"stats"`
	Links      []string `json:"links"`
	InlineTags []string `json:"inlineTags"`
}

// ExtractTitle derives a title from markdown: the first "# " heading, else
// the first non-empty line cut to MaxDerivedTitleLength runes, else Untitled.
func ExtractTitle(content string) string {
	if m := headingRegex.FindStringSubmatch(content); m != nil {
		if title := strings.TrimSpace(m[1]); title != "" {
			return title
		}
	}

	for _, line := range strings.Split(content, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if utf8.RuneCountInString(line) > MaxDerivedTitleLength {
			line = strings.TrimSpace(string([]rune(line)[:MaxDerivedTitleLength]))
		}
		return line
	}

	return UntitledName
}

// ComputeStats counts words, characters, sentences and paragraphs
func ComputeStats(content string) Stats {
	var s Stats
	trimmed := strings.TrimSpace(content)
	if trimmed == "" {
		return s
	}

	s.Words = len(strings.Fields(trimmed))
	s.Chars = utf8.RuneCountInString(content)
	for _, r := range content {
		if !unicode.IsSpace(r) {
			s.CharsNoSpaces++
		}
	}
	s.Sentences = len(sentenceRegex.FindAllStringIndex(trimmed, -1))
	if s.Sentences == 0 {
		s.Sentences = 1
	}
	for _, p := range paragraphSplit.Split(trimmed, -1) {
		if strings.TrimSpace(p) != "" {
			s.Paragraphs++
		}
	}
	s.Pages = int(math.Ceil(float64(s.Words) / wordsPerPage))
	s.ReadingMinutes = int(math.Ceil(float64(s.Words) / wordsPerMinute))
	return s
}

// Value returns the statistic a goal of the given type measures
func (s Stats) Value(targetType string) int {
	switch targetType {
	case "words":
		return s.Words
	case "chars":
		return s.Chars
	case "charsNoSpaces":
		return s.CharsNoSpaces
	case "sentences":
		return s.Sentences
	case "paragraphs":
		return s.Paragraphs
	case "pages":
		return s.Pages
	default:
		return 0
	}
}

// Progress reports how far a note is towards a goal
type Progress struct {
	Current int     `json:"current"`
	Target  int     `json:"target"`
	Percent float64 `json:"percent"`
	Met     bool    `json:"met"`
}

// GoalProgress evaluates a goal against stats. "about" is met within 10% of
// the target, "atLeast" at or above it, "atMost" at or below it.
func GoalProgress(s Stats, g GoalMeta) Progress {
	p := Progress{Current: s.Value(g.Type), Target: g.Target}
	if g.Target <= 0 {
		return p
	}
	p.Percent = math.Round(float64(p.Current)/float64(g.Target)*1000) / 10

	switch g.Mode {
	case "atLeast":
		p.Met = p.Current >= g.Target
	case "atMost":
		p.Met = p.Current <= g.Target
	default:
		diff := math.Abs(float64(p.Current - g.Target))
		p.Met = diff <= float64(g.Target)*0.1
	}
	return p
}

// Analyze gathers stats, outgoing wiki links and inline tags of a body
func Analyze(content string) Analysis {
	return Analysis{
		Stats:      ComputeStats(content),
		Links:      extractWikiLinks(content),
		InlineTags: extractInlineTags(content),
	}
}

// extractWikiLinks finds all [[wikilinks]] in the content
func extractWikiLinks(content string) []string {
	matches := wikiLinkRegex.FindAllStringSubmatch(content, -1)
	seen := make(map[string]bool)
	var links []string

	for _, match := range matches {
		if len(match) > 1 {
			link := strings.TrimSpace(match[1])
			// [[folder/page#heading]] -> folder/page
			if idx := strings.Index(link, "#"); idx != -1 {
				link = link[:idx]
			}
			link = strings.TrimSpace(link)

			if link != "" && !seen[link] {
				seen[link] = true
				links = append(links, link)
			}
		}
	}

	return links
}

// extractInlineTags finds all #tags in the content, excluding code blocks
func extractInlineTags(content string) []string {
	cleanContent := codeBlockRegex.ReplaceAllString(content, "")
	cleanContent = inlineCodeRegex.ReplaceAllString(cleanContent, "")

	matches := inlineTagRegex.FindAllStringSubmatch(cleanContent, -1)
	seen := make(map[string]bool)
	var tags []string

	for _, match := range matches {
		if len(match) > 1 {
			tag := strings.ToLower(strings.TrimSpace(match[1]))
			if tag != "" && !seen[tag] {
				seen[tag] = true
				tags = append(tags, tag)
			}
		}
	}

	return tags
}
