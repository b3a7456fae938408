package note

import (
	"context"
	"errors"
	"strings"
	"time"

	"cosmicnotes/internal/jobs"

	"github.com/rs/zerolog"
	"gorm.io/gorm"
)

var ErrNotFound = errors.New("not found")
var ErrInvalidInput = errors.New("invalid input")

// ClusterRebuilder reconciles the cluster for one (tag, category) pair.
// Implemented by the cluster builder; the coordinator only needs this slice
// of it.
type ClusterRebuilder interface {
	RebuildForCategory(ctx context.Context, userID uint64, category, tagName string, force bool) error
}

// EnrichmentOutcome reports one secondary step of a lifecycle operation.
// Err == nil means the step succeeded.
type EnrichmentOutcome struct {
	Step     string
	TagName  string
	Category string
	Err      error
}

// SaveResult separates the primary mutation from its best-effort
// side-effects: the note saved even if entries in Enrichment carry errors.
type SaveResult struct {
	Note       Note
	Enrichment []EnrichmentOutcome
}

type SaveNoteInput struct {
	ID       uint64 // 0 creates
	Title    string
	Content  string
	Category string
	Zone     string
}

// Service coordinates note persistence with tag extraction and cluster
// reconciliation. Operations on one note id are serialized; extraction and
// clustering failures never fail the note mutation itself.
type Service struct {
	DB       *gorm.DB
	Extract  *Extractor
	Clusters ClusterRebuilder
	Jobs     *jobs.Repo
	Log      zerolog.Logger

	locks noteLocks
}

type tagPair struct {
	name     string
	category string
}

func (s *Service) SaveNote(ctx context.Context, userID uint64, in SaveNoteInput) (SaveResult, error) {
	in.Content = strings.TrimSpace(in.Content)
	if in.Content == "" {
		return SaveResult{}, ErrInvalidInput
	}
	if in.Category == "" {
		in.Category = CategoryScratchpad
	}

	var (
		n              Note
		oldTags        []Tag
		oldCategory    string
		contentChanged bool
	)

	if in.ID != 0 {
		unlock := s.locks.lock(in.ID)
		defer unlock()

		if err := s.DB.WithContext(ctx).Where("id=? AND user_id=?", in.ID, userID).First(&n).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return SaveResult{}, ErrNotFound
			}
			return SaveResult{}, err
		}
		if err := s.DB.WithContext(ctx).Where("note_id=?", n.ID).Find(&oldTags).Error; err != nil {
			return SaveResult{}, err
		}
		oldCategory = n.Category
		contentChanged = n.Content != in.Content

		n.Title = in.Title
		n.Content = in.Content
		n.Category = in.Category
		n.Zone = in.Zone
		n.UpdatedAt = time.Now()
		if err := s.DB.WithContext(ctx).Save(&n).Error; err != nil {
			return SaveResult{}, err
		}
	} else {
		contentChanged = true
		n = Note{
			UserID:   userID,
			Title:    in.Title,
			Content:  in.Content,
			Category: in.Category,
			Zone:     in.Zone,
		}
		if err := s.DB.WithContext(ctx).Create(&n).Error; err != nil {
			return SaveResult{}, err
		}
		oldCategory = n.Category

		// hold the fresh id's lock through the cascade so an immediate
		// delete cannot interleave with it
		unlock := s.locks.lock(n.ID)
		defer unlock()
	}

	res := SaveResult{Note: n}
	newNames := tagNames(oldTags)

	if contentChanged {
		suggestions, err := s.Extract.Extract(ctx, n.Content, n.Category)
		if err != nil {
			s.Log.Warn().Err(err).Uint64("note_id", n.ID).Msg("tag extraction failed, keeping prior tags")
			res.Enrichment = append(res.Enrichment, EnrichmentOutcome{Step: "extract_tags", Err: err})
		} else {
			if err := s.replaceTags(ctx, &n, suggestions); err != nil {
				s.Log.Error().Err(err).Uint64("note_id", n.ID).Msg("tag replace failed")
				res.Enrichment = append(res.Enrichment, EnrichmentOutcome{Step: "save_tags", Err: err})
			} else {
				res.Enrichment = append(res.Enrichment, EnrichmentOutcome{Step: "extract_tags"})
				newNames = suggestionNames(suggestions)
			}
		}
	}

	if n.Title == "" {
		title, err := s.Extract.Title(ctx, n.Content)
		if err != nil {
			s.Log.Warn().Err(err).Uint64("note_id", n.ID).Msg("title generation failed")
			res.Enrichment = append(res.Enrichment, EnrichmentOutcome{Step: "generate_title", Err: err})
		} else {
			n.Title = title
			if err := s.DB.WithContext(ctx).Model(&Note{}).Where("id=?", n.ID).Update("title", title).Error; err != nil {
				s.Log.Error().Err(err).Uint64("note_id", n.ID).Msg("title persist failed")
				res.Enrichment = append(res.Enrichment, EnrichmentOutcome{Step: "generate_title", Err: err})
			}
		}
	}

	// summaries embed note content, so only content changes force
	// regeneration; the member-count check covers the rest
	pairs := touchedPairs(tagNames(oldTags), newNames, oldCategory, n.Category)
	res.Enrichment = append(res.Enrichment, s.rebuildClusters(ctx, userID, pairs, contentChanged)...)

	res.Note = n
	return res, nil
}

// RefreshNote regenerates title and tags for an existing note regardless of
// whether content changed, then reconciles clusters like SaveNote.
func (s *Service) RefreshNote(ctx context.Context, userID, noteID uint64) (SaveResult, error) {
	unlock := s.locks.lock(noteID)
	defer unlock()

	var n Note
	if err := s.DB.WithContext(ctx).Where("id=? AND user_id=?", noteID, userID).First(&n).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return SaveResult{}, ErrNotFound
		}
		return SaveResult{}, err
	}

	var oldTags []Tag
	if err := s.DB.WithContext(ctx).Where("note_id=?", n.ID).Find(&oldTags).Error; err != nil {
		return SaveResult{}, err
	}

	res := SaveResult{Note: n}
	newNames := tagNames(oldTags)

	suggestions, err := s.Extract.Extract(ctx, n.Content, n.Category)
	if err != nil {
		s.Log.Warn().Err(err).Uint64("note_id", n.ID).Msg("tag extraction failed on refresh")
		res.Enrichment = append(res.Enrichment, EnrichmentOutcome{Step: "extract_tags", Err: err})
	} else if err := s.replaceTags(ctx, &n, suggestions); err != nil {
		res.Enrichment = append(res.Enrichment, EnrichmentOutcome{Step: "save_tags", Err: err})
	} else {
		res.Enrichment = append(res.Enrichment, EnrichmentOutcome{Step: "extract_tags"})
		newNames = suggestionNames(suggestions)
	}

	title, err := s.Extract.Title(ctx, n.Content)
	if err != nil {
		res.Enrichment = append(res.Enrichment, EnrichmentOutcome{Step: "generate_title", Err: err})
	} else {
		n.Title = title
		n.UpdatedAt = time.Now()
		if err := s.DB.WithContext(ctx).Model(&Note{}).Where("id=?", n.ID).
			Updates(map[string]any{"title": title, "updated_at": n.UpdatedAt}).Error; err != nil {
			res.Enrichment = append(res.Enrichment, EnrichmentOutcome{Step: "generate_title", Err: err})
		}
	}

	pairs := touchedPairs(tagNames(oldTags), newNames, n.Category, n.Category)
	res.Enrichment = append(res.Enrichment, s.rebuildClusters(ctx, userID, pairs, true)...)

	res.Note = n
	return res, nil
}

// DeleteNote removes the note and its tag rows, then reconciles every
// cluster the note was a member of. Reconciliation is best-effort: failures
// are logged and retried from the job queue.
func (s *Service) DeleteNote(ctx context.Context, userID, noteID uint64) error {
	unlock := s.locks.lock(noteID)
	defer unlock()

	var n Note
	if err := s.DB.WithContext(ctx).Where("id=? AND user_id=?", noteID, userID).First(&n).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ErrNotFound
		}
		return err
	}

	var tags []Tag
	if err := s.DB.WithContext(ctx).Where("note_id=?", n.ID).Find(&tags).Error; err != nil {
		return err
	}

	err := s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("note_id=?", n.ID).Delete(&Tag{}).Error; err != nil {
			return err
		}
		return tx.Delete(&n).Error
	})
	if err != nil {
		return err
	}

	pairs := touchedPairs(tagNames(tags), nil, n.Category, n.Category)
	s.rebuildClusters(ctx, userID, pairs, false)
	return nil
}

// ReplaceTags swaps the note's full tag set for the given names
// (user-curated tags carry confidence 1) and reconciles clusters.
func (s *Service) ReplaceTags(ctx context.Context, userID, noteID uint64, names []string) (SaveResult, error) {
	if len(names) == 0 {
		return SaveResult{}, ErrInvalidInput
	}

	unlock := s.locks.lock(noteID)
	defer unlock()

	var n Note
	if err := s.DB.WithContext(ctx).Where("id=? AND user_id=?", noteID, userID).First(&n).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return SaveResult{}, ErrNotFound
		}
		return SaveResult{}, err
	}

	var oldTags []Tag
	if err := s.DB.WithContext(ctx).Where("note_id=?", n.ID).Find(&oldTags).Error; err != nil {
		return SaveResult{}, err
	}

	suggestions := make([]TagSuggestion, 0, len(names))
	for _, name := range names {
		suggestions = append(suggestions, TagSuggestion{Name: name, Confidence: 1})
	}
	suggestions = FilterSuggestions(suggestions, 0)
	if len(suggestions) == 0 {
		return SaveResult{}, ErrInvalidInput
	}

	if err := s.replaceTags(ctx, &n, suggestions); err != nil {
		return SaveResult{}, err
	}

	res := SaveResult{Note: n}
	pairs := touchedPairs(tagNames(oldTags), suggestionNames(suggestions), n.Category, n.Category)
	res.Enrichment = s.rebuildClusters(ctx, userID, pairs, true)
	return res, nil
}

// RemoveTag deletes one tag row by name or id and reconciles its cluster.
func (s *Service) RemoveTag(ctx context.Context, userID, noteID uint64, tagName string, tagID uint64) error {
	if tagName == "" && tagID == 0 {
		return ErrInvalidInput
	}

	unlock := s.locks.lock(noteID)
	defer unlock()

	var n Note
	if err := s.DB.WithContext(ctx).Where("id=? AND user_id=?", noteID, userID).First(&n).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ErrNotFound
		}
		return err
	}

	q := s.DB.WithContext(ctx).Where("note_id=?", n.ID)
	if tagID != 0 {
		q = q.Where("id=?", tagID)
	} else {
		q = q.Where("name=?", NormalizeTagName(tagName))
	}

	var tag Tag
	if err := q.First(&tag).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ErrNotFound
		}
		return err
	}
	if err := s.DB.WithContext(ctx).Delete(&tag).Error; err != nil {
		return err
	}

	s.rebuildClusters(ctx, userID, []tagPair{{name: tag.Name, category: n.Category}}, false)
	return nil
}

// AppendChat adds one message to the note's chat history.
func (s *Service) AppendChat(ctx context.Context, userID, noteID uint64, msg ChatMessage) (*Note, error) {
	if msg.Role == "" || strings.TrimSpace(msg.Content) == "" {
		return nil, ErrInvalidInput
	}

	unlock := s.locks.lock(noteID)
	defer unlock()

	var n Note
	if err := s.DB.WithContext(ctx).Where("id=? AND user_id=?", noteID, userID).First(&n).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	if err := n.AppendChat(msg); err != nil {
		return nil, err
	}
	if err := s.DB.WithContext(ctx).Model(&Note{}).Where("id=?", n.ID).
		Update("chat_history", n.ChatHistory).Error; err != nil {
		return nil, err
	}
	return &n, nil
}

// replaceTags deletes all tag rows for the note and inserts the new set in
// one transaction, so no reader ever sees old and new tags together.
func (s *Service) replaceTags(ctx context.Context, n *Note, suggestions []TagSuggestion) error {
	return s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("note_id=?", n.ID).Delete(&Tag{}).Error; err != nil {
			return err
		}
		for _, sg := range suggestions {
			t := Tag{
				NoteID:     n.ID,
				UserID:     n.UserID,
				Name:       sg.Name,
				Confidence: sg.Confidence,
				CreatedAt:  time.Now(),
			}
			if err := tx.Create(&t).Error; err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *Service) rebuildClusters(ctx context.Context, userID uint64, pairs []tagPair, force bool) []EnrichmentOutcome {
	outcomes := make([]EnrichmentOutcome, 0, len(pairs))
	for _, p := range pairs {
		err := s.Clusters.RebuildForCategory(ctx, userID, p.category, p.name, force)
		if err != nil {
			s.Log.Warn().Err(err).
				Str("tag", p.name).Str("category", p.category).
				Msg("cluster rebuild failed, deferring to worker")
			if s.Jobs != nil {
				if qerr := s.Jobs.EnqueueClusterRefresh(userID, p.name, p.category, time.Now()); qerr != nil {
					s.Log.Error().Err(qerr).Str("tag", p.name).Msg("enqueue cluster refresh failed")
				}
			}
		}
		outcomes = append(outcomes, EnrichmentOutcome{
			Step:     "rebuild_cluster",
			TagName:  p.name,
			Category: p.category,
			Err:      err,
		})
	}
	return outcomes
}

// touchedPairs is the union of (tag, category) pairs affected by a tag-set
// change, covering removed tags under the old category and the new set under
// the new one.
func touchedPairs(oldNames, newNames []string, oldCategory, newCategory string) []tagPair {
	seen := map[tagPair]struct{}{}
	var out []tagPair
	add := func(name, cat string) {
		p := tagPair{name: name, category: cat}
		if _, ok := seen[p]; ok {
			return
		}
		seen[p] = struct{}{}
		out = append(out, p)
	}
	for _, name := range oldNames {
		add(name, oldCategory)
		if newCategory != oldCategory {
			add(name, newCategory)
		}
	}
	for _, name := range newNames {
		add(name, newCategory)
	}
	return out
}

func tagNames(tags []Tag) []string {
	out := make([]string, 0, len(tags))
	for _, t := range tags {
		out = append(out, t.Name)
	}
	return out
}

func suggestionNames(in []TagSuggestion) []string {
	out := make([]string, 0, len(in))
	for _, s := range in {
		out = append(out, s.Name)
	}
	return out
}
