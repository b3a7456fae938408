package cluster

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"cosmicnotes/internal/ai"
	"cosmicnotes/internal/note"

	"github.com/rs/zerolog"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// MinClusterSize is the membership floor below which a cluster is deleted.
const MinClusterSize = 2

var ErrTagNotFound = errors.New("tag not found")

// TagRef identifies a tag family by name or by a tag-row id.
type TagRef struct {
	Name string
	ID   uint64
}

const summarySystem = `You summarize groups of related personal notes.
Write a concise markdown summary of the common thread across the notes.
Reference individual notes inline as [title](/notes/{id}) links where useful.
Return only the summary.`

// Builder groups notes by shared tag within a category and maintains the
// cluster records, calling the model for summaries. Summaries are written
// only on full model success; a failed call leaves the prior row intact.
type Builder struct {
	DB  *gorm.DB
	AI  ai.Client
	Log zerolog.Logger
}

// BuildForCategory reconciles the cluster for one (tag, category) pair and
// returns it, or nil when membership is below MinClusterSize.
//
// With an existing cluster, the model is re-invoked only when force is set
// or the stored member count no longer matches; otherwise the stored row is
// returned unchanged so repeated calls cost no model traffic.
func (b *Builder) BuildForCategory(ctx context.Context, userID uint64, category string, ref TagRef, force bool) (*Cluster, error) {
	name, err := b.resolveTagName(ctx, userID, ref)
	if err != nil {
		return nil, err
	}

	members, err := b.members(ctx, userID, category, name)
	if err != nil {
		return nil, fmt.Errorf("load cluster members %q/%q: %w", name, category, err)
	}

	if len(members) < MinClusterSize {
		if err := b.DB.WithContext(ctx).
			Where("user_id=? AND tag_name=? AND category=?", userID, name, category).
			Delete(&Cluster{}).Error; err != nil {
			return nil, fmt.Errorf("delete undersized cluster %q/%q: %w", name, category, err)
		}
		return nil, nil
	}

	var existing Cluster
	err = b.DB.WithContext(ctx).
		Where("user_id=? AND tag_name=? AND category=?", userID, name, category).
		First(&existing).Error
	switch {
	case err == nil:
		if !force && existing.NoteCount == len(members) {
			return &existing, nil
		}
	case errors.Is(err, gorm.ErrRecordNotFound):
	default:
		return nil, err
	}

	summary, err := b.AI.Complete(ctx, summarySystem, memberPrompt(members))
	if err != nil {
		return nil, fmt.Errorf("summarize cluster %q/%q: %w", name, category, err)
	}
	summary = strings.TrimSpace(summary)
	if summary == "" {
		return nil, fmt.Errorf("summarize cluster %q/%q: empty summary", name, category)
	}

	now := time.Now()
	c := Cluster{
		UserID:    userID,
		TagName:   name,
		Category:  category,
		NoteCount: len(members),
		Summary:   summary,
		CreatedAt: now,
		UpdatedAt: now,
	}
	// concurrent rebuilds of the same pair resolve last-writer-wins; safe
	// because regeneration is idempotent for the same membership
	err = b.DB.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "user_id"}, {Name: "tag_name"}, {Name: "category"}},
		DoUpdates: clause.AssignmentColumns([]string{"summary", "note_count", "updated_at"}),
	}).Create(&c).Error
	if err != nil {
		return nil, fmt.Errorf("upsert cluster %q/%q: %w", name, category, err)
	}

	var out Cluster
	if err := b.DB.WithContext(ctx).
		Where("user_id=? AND tag_name=? AND category=?", userID, name, category).
		First(&out).Error; err != nil {
		return nil, err
	}
	return &out, nil
}

// RebuildForCategory is the coordinator-facing slice of BuildForCategory.
func (b *Builder) RebuildForCategory(ctx context.Context, userID uint64, category, tagName string, force bool) error {
	_, err := b.BuildForCategory(ctx, userID, category, TagRef{Name: tagName}, force)
	return err
}

// BuildAll fans BuildForCategory out across every category holding a note
// with the tag. A failing category is logged and skipped; the call returns
// whatever succeeded.
func (b *Builder) BuildAll(ctx context.Context, userID, tagID uint64) ([]Cluster, error) {
	name, err := b.resolveTagName(ctx, userID, TagRef{ID: tagID})
	if err != nil {
		return nil, err
	}

	var categories []string
	err = b.DB.WithContext(ctx).Model(&note.Note{}).
		Distinct().
		Joins("JOIN tags ON tags.note_id = notes.id").
		Where("tags.user_id=? AND tags.name=?", userID, name).
		Pluck("notes.category", &categories).Error
	if err != nil {
		return nil, err
	}

	out := make([]Cluster, 0, len(categories))
	for _, cat := range categories {
		c, err := b.BuildForCategory(ctx, userID, cat, TagRef{Name: name}, true)
		if err != nil {
			b.Log.Warn().Err(err).Str("tag", name).Str("category", cat).Msg("cluster generation skipped")
			continue
		}
		if c != nil {
			out = append(out, *c)
		}
	}
	return out, nil
}

func (b *Builder) resolveTagName(ctx context.Context, userID uint64, ref TagRef) (string, error) {
	if ref.ID != 0 {
		var t note.Tag
		if err := b.DB.WithContext(ctx).Where("id=? AND user_id=?", ref.ID, userID).First(&t).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return "", ErrTagNotFound
			}
			return "", err
		}
		return t.Name, nil
	}
	name := note.NormalizeTagName(ref.Name)
	if name == "" {
		return "", ErrTagNotFound
	}
	return name, nil
}

// members are ordered by ascending note id so the same membership always
// produces the same prompt.
func (b *Builder) members(ctx context.Context, userID uint64, category, name string) ([]note.Note, error) {
	var notes []note.Note
	err := b.DB.WithContext(ctx).Model(&note.Note{}).
		Joins("JOIN tags ON tags.note_id = notes.id").
		Where("tags.user_id=? AND tags.name=? AND notes.category=?", userID, name, category).
		Order("notes.id asc").
		Find(&notes).Error
	return notes, err
}

func memberPrompt(members []note.Note) string {
	var sb strings.Builder
	sb.WriteString("Notes:\n\n")
	for _, n := range members {
		title := n.Title
		if title == "" {
			title = fmt.Sprintf("Note %d", n.ID)
		}
		fmt.Fprintf(&sb, "## %s (id %d)\n%s\n\n", title, n.ID, n.Content)
	}
	return sb.String()
}
