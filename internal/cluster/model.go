package cluster

import (
	"time"

	"gorm.io/datatypes"
)

// Cluster is a derived aggregate of notes sharing a tag within one
// category. It is uniquely identified by (user, tag name, category) and must
// reference at least MinClusterSize notes; smaller clusters are deleted, not
// displayed.
type Cluster struct {
	ID          uint64         `gorm:"primaryKey"`
	UserID      uint64         `gorm:"index;not null;uniqueIndex:uq_clusters_tag_category,priority:1"`
	TagName     string         `gorm:"not null;uniqueIndex:uq_clusters_tag_category,priority:2"`
	Category    string         `gorm:"not null;uniqueIndex:uq_clusters_tag_category,priority:3"`
	NoteCount   int            `gorm:"not null;default:0"`
	Summary     string         `gorm:"type:text;not null;default:''"`
	ChatHistory datatypes.JSON `gorm:"type:jsonb"`
	CreatedAt   time.Time      `gorm:"not null"`
	UpdatedAt   time.Time      `gorm:"index;not null"`
}
