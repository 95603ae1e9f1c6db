package parser

import (
	"bytes"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	// Delimiter opens and closes the metadata header
	Delimiter = "---"

	// TimestampFormat is the ISO-8601 layout written for created/modified
	TimestampFormat = "2006-01-02T15:04:05.000Z07:00"
)

var (
	// frontmatterRegex matches the metadata header between --- delimiters.
	// The header body may be empty.
	frontmatterRegex = regexp.MustCompile(`(?s)^---\r?\n(?:(.*?)\r?\n)?---(?:\r?\n|$)`)

	// Date formats accepted from hand-edited files
	dateFormats = []string{
		time.RFC3339,
		"2006-01-02T15:04:05",
		"2006-01-02 15:04:05",
		"2006-01-02T15:04",
		"2006-01-02 15:04",
		"2006-01-02",
		"January 2, 2006",
		"Jan 2, 2006",
	}
)

// GoalMeta is the goal sub-block of a note header
type GoalMeta struct {
	Type     string `yaml:"type"`
	Target   int    `yaml:"target"`
	Mode     string `yaml:"mode"`
	Deadline string `yaml:"deadline,omitempty"`
}

// NoteDocument is everything Encode writes for one note
type NoteDocument struct {
	ID       string
	Tags     []string
	Favorite bool
	Notes    string
	Created  int64 // ms since epoch
	Modified int64 // ms since epoch
	Goal     *GoalMeta
	Content  string
}

// Frontmatter is the decoded metadata header of a mirror file
type Frontmatter struct {
	ID       string
	Tags     []string
	Favorite bool
	Notes    string
	Created  *time.Time
	Modified *time.Time
	Goal     *GoalMeta
	Extra    map[string]interface{} // unknown keys
}

// header fixes the key order of encoded files
type header struct {
	ID       string       `yaml:"id"`
	Tags     []string     `yaml:"tags,omitempty"`
	Favorite bool         `yaml:"favorite,omitempty"`
	Notes    quotedString `yaml:"notes,omitempty"`
	Created  isoTime      `yaml:"created,omitempty"`
	Modified isoTime      `yaml:"modified,omitempty"`
	Goal     *GoalMeta    `yaml:"goal,omitempty"`
}

// quotedString always encodes as a double-quoted scalar
type quotedString string

func (q quotedString) IsZero() bool { return q == "" }

func (q quotedString) MarshalYAML() (interface{}, error) {
	return &yaml.Node{
		Kind:  yaml.ScalarNode,
		Tag:   "!!str",
		Style: yaml.DoubleQuotedStyle,
		Value: string(q),
	}, nil
}

// isoTime encodes milliseconds as an unquoted ISO-8601 timestamp
type isoTime int64

func (t isoTime) IsZero() bool { return t == 0 }

func (t isoTime) MarshalYAML() (interface{}, error) {
	return &yaml.Node{
		Kind:  yaml.ScalarNode,
		Tag:   "!!timestamp",
		Value: FormatMillis(int64(t)),
	}, nil
}

// FormatMillis renders epoch milliseconds in TimestampFormat (UTC)
func FormatMillis(ms int64) string {
	return time.UnixMilli(ms).UTC().Format(TimestampFormat)
}

// Encode renders a note as a metadata header followed by its raw content
func Encode(doc NoteDocument) string {
	h := header{
		ID:       doc.ID,
		Tags:     doc.Tags,
		Favorite: doc.Favorite,
		Notes:    quotedString(doc.Notes),
		Created:  isoTime(doc.Created),
		Modified: isoTime(doc.Modified),
	}
	if doc.Goal != nil {
		g := *doc.Goal
		h.Goal = &g
	}

	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(h); err != nil {
		// header only holds plain strings and numbers
		panic(fmt.Sprintf("parser: encode header: %v", err))
	}
	enc.Close()

	var out strings.Builder
	out.Grow(buf.Len() + len(doc.Content) + 8)
	out.WriteString(Delimiter + "\n")
	out.Write(buf.Bytes())
	out.WriteString(Delimiter + "\n")
	out.WriteString(doc.Content)
	return out.String()
}

// flexibleTime handles various date formats
type flexibleTime struct {
	time.Time
}

func (ft *flexibleTime) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind != yaml.ScalarNode {
		return nil
	}

	str := strings.TrimSpace(value.Value)
	if str == "" {
		return nil
	}

	for _, format := range dateFormats {
		if t, err := time.Parse(format, str); err == nil {
			ft.Time = t
			return nil
		}
	}

	// Epoch milliseconds
	if ms, err := strconv.ParseInt(str, 10, 64); err == nil && len(str) >= 12 {
		ft.Time = time.UnixMilli(ms)
		return nil
	}

	return nil // Don't fail on unparseable dates, just leave empty
}

// rawFrontmatter tolerates any value shape for known keys
type rawFrontmatter struct {
	ID       interface{}  `yaml:"id"`
	Tags     interface{}  `yaml:"tags"`
	Favorite interface{}  `yaml:"favorite"`
	Notes    interface{}  `yaml:"notes"`
	Created  flexibleTime `yaml:"created"`
	Modified flexibleTime `yaml:"modified"`
	Goal     interface{}  `yaml:"goal"`
}

var knownFields = map[string]bool{
	"id": true, "tags": true, "favorite": true, "notes": true,
	"created": true, "modified": true, "goal": true,
}

// Decode splits a mirror file into its metadata and body. Text without a
// well-formed header, or whose header is not valid YAML, yields empty
// metadata and the whole text as body.
func Decode(text string) (*Frontmatter, string) {
	fm := &Frontmatter{
		Extra: make(map[string]interface{}),
	}

	match := frontmatterRegex.FindStringSubmatchIndex(text)
	if match == nil {
		return fm, text
	}

	yamlContent := ""
	if match[2] >= 0 {
		yamlContent = text[match[2]:match[3]]
	}
	body := text[match[1]:]

	var raw rawFrontmatter
	if err := yaml.Unmarshal([]byte(yamlContent), &raw); err != nil {
		return fm, text
	}

	fm.ID = scalarString(raw.ID)
	fm.Tags = normalizeStringArray(raw.Tags)
	fm.Favorite = coerceBool(raw.Favorite)
	fm.Notes = scalarString(raw.Notes)
	fm.Goal = decodeGoal(raw.Goal)

	if !raw.Created.IsZero() {
		t := raw.Created.Time
		fm.Created = &t
	}
	if !raw.Modified.IsZero() {
		t := raw.Modified.Time
		fm.Modified = &t
	}

	var allFields map[string]interface{}
	if err := yaml.Unmarshal([]byte(yamlContent), &allFields); err == nil {
		for k, v := range allFields {
			if !knownFields[k] {
				fm.Extra[k] = v
			}
		}
	}

	return fm, body
}

// HasFrontmatter checks if text starts with a metadata header
func HasFrontmatter(text string) bool {
	return frontmatterRegex.MatchString(text)
}

// ModifiedMillis returns the header's modified time in ms, or 0
func (fm *Frontmatter) ModifiedMillis() int64 {
	if fm.Modified == nil {
		return 0
	}
	return fm.Modified.UnixMilli()
}

// CreatedMillis returns the header's created time in ms, or 0
func (fm *Frontmatter) CreatedMillis() int64 {
	if fm.Created == nil {
		return 0
	}
	return fm.Created.UnixMilli()
}

func decodeGoal(v interface{}) *GoalMeta {
	m, ok := v.(map[string]interface{})
	if !ok {
		return nil
	}
	g := &GoalMeta{
		Type:     scalarString(m["type"]),
		Target:   coerceInt(m["target"]),
		Mode:     scalarString(m["mode"]),
		Deadline: scalarString(m["deadline"]),
	}
	if g.Type == "" {
		return nil
	}
	return g
}

// scalarString renders a decoded scalar as text; non-scalars become ""
func scalarString(v interface{}) string {
	switch val := v.(type) {
	case nil:
		return ""
	case string:
		return val
	case bool:
		return strconv.FormatBool(val)
	case int:
		return strconv.Itoa(val)
	case int64:
		return strconv.FormatInt(val, 10)
	case uint64:
		return strconv.FormatUint(val, 10)
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64)
	case time.Time:
		return val.Format("2006-01-02")
	default:
		return ""
	}
}

func coerceBool(v interface{}) bool {
	switch val := v.(type) {
	case bool:
		return val
	case string:
		b, _ := strconv.ParseBool(strings.TrimSpace(val))
		return b
	default:
		return false
	}
}

func coerceInt(v interface{}) int {
	switch val := v.(type) {
	case int:
		return val
	case int64:
		return int(val)
	case float64:
		return int(val)
	case string:
		n, _ := strconv.Atoi(strings.TrimSpace(val))
		return n
	default:
		return 0
	}
}

// normalizeStringArray converts string or []interface{} to []string
func normalizeStringArray(v interface{}) []string {
	if v == nil {
		return nil
	}

	switch val := v.(type) {
	case string:
		if val == "" {
			return nil
		}
		return []string{val}
	case []string:
		return val
	case []interface{}:
		result := make([]string, 0, len(val))
		for _, item := range val {
			if s := scalarString(item); s != "" {
				result = append(result, s)
			}
		}
		return result
	default:
		return nil
	}
}
