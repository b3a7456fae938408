package note

import (
	"encoding/json"
	"time"

	"gorm.io/datatypes"
)

// Known categories. The set is open: unknown values are stored as-is and
// fall back to the generic extraction prompt.
const (
	CategoryToDo       = "to-do"
	CategoryCollection = "collection"
	CategoryFeedback   = "feedback"
	CategoryScratchpad = "scratchpad"
	CategoryBrainstorm = "brainstorm"
	CategoryJournal    = "journal"
)

// ChatMessage is one turn of a note's (or cluster's) assistant conversation.
type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Note is user content. Title and tags may be backfilled by extraction.
type Note struct {
	ID          uint64         `gorm:"primaryKey"`
	UserID      uint64         `gorm:"index;not null"`
	Title       string         `gorm:"not null;default:''"`
	Content     string         `gorm:"type:text;not null"`
	Category    string         `gorm:"index;not null;default:'scratchpad'"`
	Zone        string         `gorm:"index;not null;default:''"`
	ChatHistory datatypes.JSON `gorm:"type:jsonb"`
	CreatedAt   time.Time      `gorm:"not null"`
	UpdatedAt   time.Time      `gorm:"index;not null"`
}

// Tag is an edge between a note and a tag name, not a standalone entity.
// Uniqueness is (note_id, name); rows die with their note.
type Tag struct {
	ID         uint64    `gorm:"primaryKey"`
	NoteID     uint64    `gorm:"index;not null;uniqueIndex:uq_tags_note_name,priority:1"`
	UserID     uint64    `gorm:"index;not null"`
	Name       string    `gorm:"index;not null;uniqueIndex:uq_tags_note_name,priority:2"`
	Confidence float64   `gorm:"not null;default:1"`
	CreatedAt  time.Time `gorm:"not null"`
}

// TodoItem belongs to a tag family by name. Plain CRUD, independent of
// cluster lifecycle.
type TodoItem struct {
	ID        uint64    `gorm:"primaryKey"`
	UserID    uint64    `gorm:"index;not null"`
	TagName   string    `gorm:"index;not null"`
	Item      string    `gorm:"type:text;not null"`
	Done      bool      `gorm:"not null;default:false"`
	CreatedAt time.Time `gorm:"not null"`
	UpdatedAt time.Time `gorm:"not null"`
}

// Chat returns the decoded chat history, tolerating an unset column.
func (n *Note) Chat() []ChatMessage {
	if len(n.ChatHistory) == 0 {
		return nil
	}
	var msgs []ChatMessage
	if err := json.Unmarshal(n.ChatHistory, &msgs); err != nil {
		return nil
	}
	return msgs
}

// AppendChat re-encodes the history with msg appended.
func (n *Note) AppendChat(msg ChatMessage) error {
	msgs := append(n.Chat(), msg)
	b, err := json.Marshal(msgs)
	if err != nil {
		return err
	}
	n.ChatHistory = datatypes.JSON(b)
	return nil
}
