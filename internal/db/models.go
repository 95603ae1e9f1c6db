package db

// Section classifications for top-level groups
const (
	SectionNotes    = "notes"
	SectionProjects = "projects"
)

// Goal target types
var GoalTypes = []string{"words", "chars", "charsNoSpaces", "sentences", "paragraphs", "pages"}

// Goal modes
var GoalModes = []string{"about", "atLeast", "atMost"}

// DefaultGoalMode is used when a goal is saved without a mode
const DefaultGoalMode = "about"

// DefaultTagColor is applied to tags created without a color
const DefaultTagColor = "#888888"

// Group is a folder node in an owner's library tree
type Group struct {
	ID        string  `db:"id" json:"id"`
	ParentID  *string `db:"parent_id" json:"parentId"`
	OwnerID   string  `db:"owner_id" json:"ownerId"`
	Name      string  `db:"name" json:"name"`
	SortOrder int     `db:"sort_order" json:"sortOrder"`
	Created   int64   `db:"created_at" json:"createdAt"`
	Icon      *string `db:"icon" json:"icon"`
	IconColor *string `db:"icon_color" json:"iconColor"`
	Collapsed bool    `db:"collapsed" json:"collapsed"`
	Section   *string `db:"section" json:"section"`
}

// Note is a unit of writing content. OwnerID is resolved through the group.
type Note struct {
	ID        string   `db:"id" json:"id"`
	GroupID   string   `db:"group_id" json:"groupId"`
	OwnerID   string   `db:"owner_id" json:"ownerId"`
	Title     string   `db:"title" json:"title"`
	Content   string   `db:"content" json:"content"`
	Notes     string   `db:"notes" json:"notes"`
	Images    string   `db:"images" json:"images"`
	SortOrder int      `db:"sort_order" json:"sortOrder"`
	Favorite  bool     `db:"favorite" json:"favorite"`
	Trashed   bool     `db:"is_trashed" json:"trashed"`
	Created   int64    `db:"created_at" json:"createdAt"`
	Modified  int64    `db:"updated_at" json:"updatedAt"`
	Tags      []string `json:"tags"`
	Goal      *Goal    `json:"goal,omitempty"`
}

// Tag is an owner-scoped label
type Tag struct {
	ID      string `db:"id" json:"id"`
	OwnerID string `db:"owner_id" json:"ownerId"`
	Name    string `db:"name" json:"name"`
	Color   string `db:"color" json:"color"`
}

// Goal is a writing target attached to at most one note
type Goal struct {
	NoteID      string  `db:"note_id" json:"noteId"`
	TargetType  string  `db:"target_type" json:"targetType"`
	TargetValue int     `db:"target_value" json:"targetValue"`
	Mode        string  `db:"mode" json:"mode"`
	Deadline    *string `db:"deadline" json:"deadline"`
}

// NoteFilter selects which notes ListNotes returns
type NoteFilter string

const (
	FilterActive    NoteFilter = ""
	FilterAll       NoteFilter = "all"
	FilterFavorites NoteFilter = "favorites"
	FilterTrash     NoteFilter = "trash"
)

// NoteEdit carries the fields a mirror file can change on a note
type NoteEdit struct {
	Title    string
	Content  string
	Notes    string
	Favorite bool
	Modified int64
	// GroupID moves the note when non-empty
	GroupID string
}

// NoteUpdate is a partial update from the API; nil fields are left alone
type NoteUpdate struct {
	Title     *string `json:"title"`
	Content   *string `json:"content"`
	Notes     *string `json:"notes"`
	Images    *string `json:"images"`
	GroupID   *string `json:"groupId"`
	SortOrder *int    `json:"sortOrder"`
}

// GroupUpdate is a partial group update from the API
type GroupUpdate struct {
	Name      *string `json:"name"`
	ParentID  *string `json:"parentId"`
	SortOrder *int    `json:"sortOrder"`
	Icon      *string `json:"icon"`
	IconColor *string `json:"iconColor"`
	Collapsed *bool   `json:"collapsed"`
	Section   *string `json:"section"`
	// MoveToRoot clears ParentID when set
	MoveToRoot bool `json:"moveToRoot"`
}

// Status summarizes one owner's library
type Status struct {
	Connected    bool
	Groups       int
	Notes        int
	Trashed      int
	Favorites    int
	Tags         int
	LastModified *int64
}

// IsValidGoalType reports whether t is a known goal target type
func IsValidGoalType(t string) bool {
	for _, v := range GoalTypes {
		if v == t {
			return true
		}
	}
	return false
}

// IsValidGoalMode reports whether m is a known goal mode
func IsValidGoalMode(m string) bool {
	for _, v := range GoalModes {
		if v == m {
			return true
		}
	}
	return false
}
