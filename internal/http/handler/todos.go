package handler

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"cosmicnotes/internal/auth"
	"cosmicnotes/internal/note"

	"github.com/go-chi/chi/v5"
	"gorm.io/gorm"
)

// TodoHandler is plain CRUD over todo items attached to a tag family.
type TodoHandler struct {
	DB *gorm.DB
}

type todoDTO struct {
	ID        uint64    `json:"id"`
	TagName   string    `json:"tag_name"`
	Item      string    `json:"item"`
	Done      bool      `json:"done"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (h *TodoHandler) List(w http.ResponseWriter, r *http.Request) {
	uid, _ := auth.UserIDFromContext(r.Context())
	name := note.NormalizeTagName(chi.URLParam(r, "name"))

	var rows []note.TodoItem
	if err := h.DB.Where("user_id=? AND tag_name=?", uid, name).
		Order("done asc, created_at desc").Find(&rows).Error; err != nil {
		http.Error(w, "server error", http.StatusInternalServerError)
		return
	}

	out := make([]todoDTO, 0, len(rows))
	for _, t := range rows {
		out = append(out, todoToDTO(t))
	}
	writeJSON(w, http.StatusOK, out)
}

type createTodoReq struct {
	Item string `json:"item"`
}

func (h *TodoHandler) Create(w http.ResponseWriter, r *http.Request) {
	uid, _ := auth.UserIDFromContext(r.Context())
	name := note.NormalizeTagName(chi.URLParam(r, "name"))
	if name == "" {
		http.Error(w, "tag name required", http.StatusBadRequest)
		return
	}

	var req createTodoReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "bad json", http.StatusBadRequest)
		return
	}
	req.Item = strings.TrimSpace(req.Item)
	if req.Item == "" {
		http.Error(w, "item required", http.StatusBadRequest)
		return
	}

	t := note.TodoItem{UserID: uid, TagName: name, Item: req.Item}
	if err := h.DB.Create(&t).Error; err != nil {
		http.Error(w, "server error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusCreated, todoToDTO(t))
}

type updateTodoReq struct {
	Item *string `json:"item"`
	Done *bool   `json:"done"`
}

func (h *TodoHandler) Update(w http.ResponseWriter, r *http.Request) {
	uid, _ := auth.UserIDFromContext(r.Context())

	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}

	var req updateTodoReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "bad json", http.StatusBadRequest)
		return
	}
	if req.Item == nil && req.Done == nil {
		http.Error(w, "nothing to update", http.StatusBadRequest)
		return
	}

	var t note.TodoItem
	if err := h.DB.Where("id=? AND user_id=?", id, uid).First(&t).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			http.Error(w, "not found", http.StatusNotFound)
			return
		}
		http.Error(w, "server error", http.StatusInternalServerError)
		return
	}

	if req.Item != nil {
		item := strings.TrimSpace(*req.Item)
		if item == "" {
			http.Error(w, "item must not be empty", http.StatusBadRequest)
			return
		}
		t.Item = item
	}
	if req.Done != nil {
		t.Done = *req.Done
	}
	t.UpdatedAt = time.Now()

	if err := h.DB.Save(&t).Error; err != nil {
		http.Error(w, "server error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, todoToDTO(t))
}

func (h *TodoHandler) Delete(w http.ResponseWriter, r *http.Request) {
	uid, _ := auth.UserIDFromContext(r.Context())

	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}

	res := h.DB.Where("id=? AND user_id=?", id, uid).Delete(&note.TodoItem{})
	if res.Error != nil {
		http.Error(w, "server error", http.StatusInternalServerError)
		return
	}
	if res.RowsAffected == 0 {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func todoToDTO(t note.TodoItem) todoDTO {
	return todoDTO{
		ID:        t.ID,
		TagName:   t.TagName,
		Item:      t.Item,
		Done:      t.Done,
		CreatedAt: t.CreatedAt,
		UpdatedAt: t.UpdatedAt,
	}
}
