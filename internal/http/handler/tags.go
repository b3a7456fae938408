package handler

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"cosmicnotes/internal/auth"
	"cosmicnotes/internal/note"

	"github.com/go-chi/chi/v5"
	"gorm.io/gorm"
)

type TagHandler struct {
	Svc     *note.Service
	Merger  *note.Merger
	Extract *note.Extractor
	DB      *gorm.DB
}

type generateTagsReq struct {
	Content   string   `json:"content"`
	Category  string   `json:"category"`
	Threshold *float64 `json:"threshold"`
}

// Generate suggests tags for arbitrary content without persisting anything.
func (h *TagHandler) Generate(w http.ResponseWriter, r *http.Request) {
	var req generateTagsReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "bad json", http.StatusBadRequest)
		return
	}
	if strings.TrimSpace(req.Content) == "" {
		http.Error(w, "content required", http.StatusBadRequest)
		return
	}

	threshold := note.DefaultConfidenceThreshold
	if req.Threshold != nil {
		if *req.Threshold < 0 || *req.Threshold > 1 {
			http.Error(w, "threshold must be in [0,1]", http.StatusBadRequest)
			return
		}
		threshold = *req.Threshold
	}

	suggestions, err := h.Extract.ExtractWithThreshold(r.Context(),
		req.Content, strings.TrimSpace(strings.ToLower(req.Category)), threshold)
	if err != nil {
		var ee *note.ExtractionError
		if errors.As(err, &ee) {
			http.Error(w, "tag generation failed", http.StatusBadGateway)
			return
		}
		writeSvcError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"tags": suggestions})
}

type replaceTagsReq struct {
	Tags []string `json:"tags"`
}

// Replace swaps a note's full tag set.
func (h *TagHandler) Replace(w http.ResponseWriter, r *http.Request) {
	uid, _ := auth.UserIDFromContext(r.Context())

	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}

	var req replaceTagsReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "bad json", http.StatusBadRequest)
		return
	}

	res, err := h.Svc.ReplaceTags(r.Context(), uid, id, req.Tags)
	if err != nil {
		writeSvcError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, saveNoteResp{
		Note:       noteToDTO(h.DB, res.Note, false),
		Enrichment: enrichmentDTOs(res.Enrichment),
	})
}

// Remove deletes one tag from a note, by name.
func (h *TagHandler) Remove(w http.ResponseWriter, r *http.Request) {
	uid, _ := auth.UserIDFromContext(r.Context())

	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	name := chi.URLParam(r, "name")
	if strings.TrimSpace(name) == "" {
		http.Error(w, "tag name required", http.StatusBadRequest)
		return
	}

	if err := h.Svc.RemoveTag(r.Context(), uid, id, name, 0); err != nil {
		writeSvcError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type mergeReq struct {
	Merges []struct {
		Primary string   `json:"primary"`
		Similar []string `json:"similar"`
	} `json:"merges"`
}

type mergeResultDTO struct {
	Primary         string   `json:"primary"`
	Success         bool     `json:"success"`
	Error           string   `json:"error,omitempty"`
	AffectedNoteIDs []uint64 `json:"affected_note_ids,omitempty"`
}

// Merge collapses duplicate tag spellings. Groups succeed or fail
// independently; the response always carries one result per group.
func (h *TagHandler) Merge(w http.ResponseWriter, r *http.Request) {
	uid, _ := auth.UserIDFromContext(r.Context())

	var req mergeReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "bad json", http.StatusBadRequest)
		return
	}
	if len(req.Merges) == 0 {
		http.Error(w, "merges required", http.StatusBadRequest)
		return
	}

	groups := make([]note.MergeGroup, 0, len(req.Merges))
	for _, m := range req.Merges {
		groups = append(groups, note.MergeGroup{PrimaryName: m.Primary, SimilarNames: m.Similar})
	}

	results := h.Merger.Merge(r.Context(), uid, groups)

	out := make([]mergeResultDTO, 0, len(results))
	for _, res := range results {
		out = append(out, mergeResultDTO{
			Primary:         res.PrimaryName,
			Success:         res.Success,
			Error:           res.Error,
			AffectedNoteIDs: res.AffectedNoteIDs,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"results": out})
}

type tagFamilyDTO struct {
	Name      string `json:"name"`
	NoteCount int64  `json:"note_count"`
}

// Families lists distinct tag names with note counts. The family is a
// derived view over tag rows, never a stored entity.
func (h *TagHandler) Families(w http.ResponseWriter, r *http.Request) {
	uid, _ := auth.UserIDFromContext(r.Context())

	var out []tagFamilyDTO
	err := h.DB.Model(&note.Tag{}).
		Select("name, count(distinct note_id) as note_count").
		Where("user_id = ?", uid).
		Group("name").
		Order("note_count desc, name asc").
		Scan(&out).Error
	if err != nil {
		http.Error(w, "server error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, out)
}
