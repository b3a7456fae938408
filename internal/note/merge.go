package note

import (
	"context"
	"errors"
	"sort"
	"strings"

	"github.com/rs/zerolog"
	"gorm.io/gorm"
)

// MergeGroup maps near-duplicate tag names onto one canonical survivor.
type MergeGroup struct {
	PrimaryName  string
	SimilarNames []string
}

// MergeResult reports one group independently. The merge call as a whole
// never fails atomically.
type MergeResult struct {
	PrimaryName     string
	Success         bool
	Error           string
	AffectedNoteIDs []uint64
}

// Merger rewrites tag rows for duplicate names and reconciles the clusters
// whose membership changed.
type Merger struct {
	DB       *gorm.DB
	Clusters ClusterRebuilder
	Log      zerolog.Logger
}

// Merge processes each group in its own transaction. A failing group is
// reported in its result and does not abort the others.
func (m *Merger) Merge(ctx context.Context, userID uint64, groups []MergeGroup) []MergeResult {
	results := make([]MergeResult, 0, len(groups))
	for _, g := range groups {
		results = append(results, m.mergeGroup(ctx, userID, g))
	}
	return results
}

func (m *Merger) mergeGroup(ctx context.Context, userID uint64, g MergeGroup) MergeResult {
	res := MergeResult{PrimaryName: g.PrimaryName}

	primary := NormalizeTagName(g.PrimaryName)
	if primary == "" {
		res.Error = "primary name is empty"
		return res
	}
	res.PrimaryName = primary

	// rows are matched under the spellings as supplied plus their normalized
	// forms; only the surviving primary is normalized
	seenNames := map[string]struct{}{}
	similar := make([]string, 0, 2*len(g.SimilarNames))
	add := func(name string) {
		if name == "" || name == primary {
			return
		}
		if _, ok := seenNames[name]; ok {
			return
		}
		seenNames[name] = struct{}{}
		similar = append(similar, name)
	}
	for _, name := range g.SimilarNames {
		raw := strings.TrimSpace(name)
		if raw == "" {
			res.Error = "similar names must be non-empty"
			return res
		}
		add(raw)
		add(NormalizeTagName(raw))
	}
	if len(similar) == 0 {
		res.Error = "no similar names to merge"
		return res
	}

	var affected []uint64
	var categories []string

	err := m.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var rows []Tag
		if err := tx.Where("user_id=? AND name IN ?", userID, similar).
			Order("note_id asc, id asc").Find(&rows).Error; err != nil {
			return err
		}
		if len(rows) == 0 {
			return errors.New("no tags match the similar names")
		}

		noteIDs := map[uint64]struct{}{}
		for _, r := range rows {
			noteIDs[r.NoteID] = struct{}{}
		}

		// notes that already carry the primary keep that row; their similar
		// rows are dropped outright
		var havePrimary []Tag
		if err := tx.Where("user_id=? AND name=? AND note_id IN ?", userID, primary, keys(noteIDs)).
			Find(&havePrimary).Error; err != nil {
			return err
		}
		skip := map[uint64]bool{}
		for _, t := range havePrimary {
			skip[t.NoteID] = true
		}

		var keepIDs, dropIDs []uint64
		kept := map[uint64]bool{}
		for _, r := range rows {
			if skip[r.NoteID] || kept[r.NoteID] {
				dropIDs = append(dropIDs, r.ID)
				continue
			}
			kept[r.NoteID] = true
			keepIDs = append(keepIDs, r.ID)
		}

		if len(dropIDs) > 0 {
			if err := tx.Where("id IN ?", dropIDs).Delete(&Tag{}).Error; err != nil {
				return err
			}
		}
		if len(keepIDs) > 0 {
			if err := tx.Model(&Tag{}).Where("id IN ?", keepIDs).
				Update("name", primary).Error; err != nil {
				return err
			}
		}

		affected = keys(noteIDs)
		return tx.Model(&Note{}).Distinct().
			Where("id IN ?", affected).Pluck("category", &categories).Error
	})
	if err != nil {
		m.Log.Warn().Err(err).Str("primary", primary).Msg("tag merge group failed")
		res.Error = err.Error()
		return res
	}

	// clusters under the primary gained members; clusters under the old
	// names are stale and get deleted by the rebuild
	for _, cat := range categories {
		if err := m.Clusters.RebuildForCategory(ctx, userID, cat, primary, true); err != nil {
			m.Log.Warn().Err(err).Str("tag", primary).Str("category", cat).Msg("cluster rebuild after merge failed")
		}
		for _, name := range similar {
			if err := m.Clusters.RebuildForCategory(ctx, userID, cat, name, false); err != nil {
				m.Log.Warn().Err(err).Str("tag", name).Str("category", cat).Msg("stale cluster cleanup after merge failed")
			}
		}
	}

	res.Success = true
	res.AffectedNoteIDs = affected
	return res
}

func keys(m map[uint64]struct{}) []uint64 {
	out := make([]uint64, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
