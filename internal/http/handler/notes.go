package handler

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"cosmicnotes/internal/auth"
	"cosmicnotes/internal/note"

	"github.com/go-chi/chi/v5"
	"gorm.io/gorm"
)

type NoteHandler struct {
	Svc *note.Service
	DB  *gorm.DB
}

type saveNoteReq struct {
	ID       uint64 `json:"id"`
	Title    string `json:"title"`
	Content  string `json:"content"`
	Category string `json:"category"`
	Zone     string `json:"zone"`
}

type noteDTO struct {
	ID        uint64             `json:"id"`
	Title     string             `json:"title"`
	Content   string             `json:"content"`
	Category  string             `json:"category"`
	Zone      string             `json:"zone"`
	Tags      []tagDTO           `json:"tags"`
	Chat      []note.ChatMessage `json:"chat,omitempty"`
	CreatedAt time.Time          `json:"created_at"`
	UpdatedAt time.Time          `json:"updated_at"`
}

type tagDTO struct {
	ID         uint64  `json:"id"`
	Name       string  `json:"name"`
	Confidence float64 `json:"confidence"`
}

type enrichmentDTO struct {
	Step     string `json:"step"`
	Tag      string `json:"tag,omitempty"`
	Category string `json:"category,omitempty"`
	Error    string `json:"error,omitempty"`
}

type saveNoteResp struct {
	Note       noteDTO         `json:"note"`
	Enrichment []enrichmentDTO `json:"enrichment"`
}

// Save creates or updates a note. Tag extraction and cluster rebuilds are
// reported per-step in enrichment, never as the request's failure.
func (h *NoteHandler) Save(w http.ResponseWriter, r *http.Request) {
	uid, _ := auth.UserIDFromContext(r.Context())

	var req saveNoteReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "bad json", http.StatusBadRequest)
		return
	}

	res, err := h.Svc.SaveNote(r.Context(), uid, note.SaveNoteInput{
		ID:       req.ID,
		Title:    strings.TrimSpace(req.Title),
		Content:  req.Content,
		Category: strings.TrimSpace(strings.ToLower(req.Category)),
		Zone:     strings.TrimSpace(req.Zone),
	})
	if err != nil {
		writeSvcError(w, err)
		return
	}

	status := http.StatusOK
	if req.ID == 0 {
		status = http.StatusCreated
	}
	writeJSON(w, status, h.saveResp(res))
}

func (h *NoteHandler) Refresh(w http.ResponseWriter, r *http.Request) {
	uid, _ := auth.UserIDFromContext(r.Context())

	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}

	res, err := h.Svc.RefreshNote(r.Context(), uid, id)
	if err != nil {
		writeSvcError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, h.saveResp(res))
}

func (h *NoteHandler) Delete(w http.ResponseWriter, r *http.Request) {
	uid, _ := auth.UserIDFromContext(r.Context())

	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}

	if err := h.Svc.DeleteNote(r.Context(), uid, id); err != nil {
		writeSvcError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *NoteHandler) Get(w http.ResponseWriter, r *http.Request) {
	uid, _ := auth.UserIDFromContext(r.Context())

	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}

	var n note.Note
	if err := h.DB.Where("id=? AND user_id=?", id, uid).First(&n).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			http.Error(w, "not found", http.StatusNotFound)
			return
		}
		http.Error(w, "server error", http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, noteToDTO(h.DB, n, true))
}

func (h *NoteHandler) List(w http.ResponseWriter, r *http.Request) {
	uid, _ := auth.UserIDFromContext(r.Context())

	category := strings.TrimSpace(strings.ToLower(r.URL.Query().Get("category")))
	zone := strings.TrimSpace(r.URL.Query().Get("zone"))
	tag := note.NormalizeTagName(r.URL.Query().Get("tag"))
	qText := strings.TrimSpace(r.URL.Query().Get("q"))

	q := h.DB.Model(&note.Note{}).Where("notes.user_id = ?", uid)
	if category != "" {
		q = q.Where("notes.category = ?", category)
	}
	if zone != "" {
		q = q.Where("notes.zone = ?", zone)
	}
	if tag != "" {
		q = q.Joins("JOIN tags ON tags.note_id = notes.id").Where("tags.name = ?", tag)
	}
	if qText != "" {
		q = q.Where("notes.content ILIKE ?", "%"+qText+"%")
	}

	var rows []note.Note
	if err := q.Order("notes.updated_at desc").Limit(50).Find(&rows).Error; err != nil {
		http.Error(w, "server error", http.StatusInternalServerError)
		return
	}

	out := make([]noteDTO, 0, len(rows))
	for _, n := range rows {
		out = append(out, noteToDTO(h.DB, n, false))
	}
	writeJSON(w, http.StatusOK, out)
}

type chatReq struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

func (h *NoteHandler) Chat(w http.ResponseWriter, r *http.Request) {
	uid, _ := auth.UserIDFromContext(r.Context())

	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}

	var req chatReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "bad json", http.StatusBadRequest)
		return
	}

	n, err := h.Svc.AppendChat(r.Context(), uid, id, note.ChatMessage{Role: req.Role, Content: req.Content})
	if err != nil {
		writeSvcError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, noteToDTO(h.DB, *n, true))
}

func (h *NoteHandler) saveResp(res note.SaveResult) saveNoteResp {
	return saveNoteResp{
		Note:       noteToDTO(h.DB, res.Note, false),
		Enrichment: enrichmentDTOs(res.Enrichment),
	}
}

func noteToDTO(db *gorm.DB, n note.Note, withChat bool) noteDTO {
	var tags []note.Tag
	_ = db.Where("note_id=?", n.ID).Order("id asc").Find(&tags).Error

	dto := noteDTO{
		ID:        n.ID,
		Title:     n.Title,
		Content:   n.Content,
		Category:  n.Category,
		Zone:      n.Zone,
		Tags:      make([]tagDTO, 0, len(tags)),
		CreatedAt: n.CreatedAt,
		UpdatedAt: n.UpdatedAt,
	}
	for _, t := range tags {
		dto.Tags = append(dto.Tags, tagDTO{ID: t.ID, Name: t.Name, Confidence: t.Confidence})
	}
	if withChat {
		dto.Chat = n.Chat()
	}
	return dto
}

func enrichmentDTOs(in []note.EnrichmentOutcome) []enrichmentDTO {
	out := make([]enrichmentDTO, 0, len(in))
	for _, o := range in {
		d := enrichmentDTO{Step: o.Step, Tag: o.TagName, Category: o.Category}
		if o.Err != nil {
			d.Error = o.Err.Error()
		}
		out = append(out, d)
	}
	return out
}

func pathID(w http.ResponseWriter, r *http.Request, key string) (uint64, bool) {
	id, err := strconv.ParseUint(chi.URLParam(r, key), 10, 64)
	if err != nil {
		http.Error(w, "invalid id", http.StatusBadRequest)
		return 0, false
	}
	return id, true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeSvcError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, note.ErrNotFound):
		http.Error(w, "not found", http.StatusNotFound)
	case errors.Is(err, note.ErrInvalidInput), errors.Is(err, note.ErrEmptyContent):
		http.Error(w, "invalid input", http.StatusBadRequest)
	default:
		http.Error(w, "server error", http.StatusInternalServerError)
	}
}
