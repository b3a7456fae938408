package handler

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"cosmicnotes/internal/auth"
	"cosmicnotes/internal/cluster"
	"cosmicnotes/internal/note"

	"gorm.io/gorm"
)

type ClusterHandler struct {
	Builder *cluster.Builder
	DB      *gorm.DB
}

type clusterDTO struct {
	ID        uint64             `json:"id"`
	TagName   string             `json:"tag_name"`
	Category  string             `json:"category"`
	NoteCount int                `json:"note_count"`
	Summary   string             `json:"summary"`
	Chat      []note.ChatMessage `json:"chat,omitempty"`
	CreatedAt time.Time          `json:"created_at"`
	UpdatedAt time.Time          `json:"updated_at"`
}

type generateClusterReq struct {
	Category string `json:"category"`
	TagName  string `json:"tag_name"`
	TagID    uint64 `json:"tag_id"`
	Force    bool   `json:"force"`
}

// Generate runs one (tag, category) reconcile. A null body means membership
// is below the cluster floor and no cluster exists.
func (h *ClusterHandler) Generate(w http.ResponseWriter, r *http.Request) {
	uid, _ := auth.UserIDFromContext(r.Context())

	var req generateClusterReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "bad json", http.StatusBadRequest)
		return
	}
	req.Category = strings.TrimSpace(strings.ToLower(req.Category))
	if req.Category == "" {
		http.Error(w, "category required", http.StatusBadRequest)
		return
	}
	if req.TagName == "" && req.TagID == 0 {
		http.Error(w, "tag_name or tag_id required", http.StatusBadRequest)
		return
	}

	c, err := h.Builder.BuildForCategory(r.Context(), uid, req.Category,
		cluster.TagRef{Name: req.TagName, ID: req.TagID}, req.Force)
	if err != nil {
		if errors.Is(err, cluster.ErrTagNotFound) {
			http.Error(w, "tag not found", http.StatusNotFound)
			return
		}
		http.Error(w, "server error", http.StatusInternalServerError)
		return
	}
	if c == nil {
		writeJSON(w, http.StatusOK, nil)
		return
	}
	writeJSON(w, http.StatusOK, clusterToDTO(*c, true))
}

// GenerateAll fans out over every category holding a note with the tag.
func (h *ClusterHandler) GenerateAll(w http.ResponseWriter, r *http.Request) {
	uid, _ := auth.UserIDFromContext(r.Context())

	tagID, ok := pathID(w, r, "id")
	if !ok {
		return
	}

	clusters, err := h.Builder.BuildAll(r.Context(), uid, tagID)
	if err != nil {
		if errors.Is(err, cluster.ErrTagNotFound) {
			http.Error(w, "tag not found", http.StatusNotFound)
			return
		}
		http.Error(w, "server error", http.StatusInternalServerError)
		return
	}

	out := make([]clusterDTO, 0, len(clusters))
	for _, c := range clusters {
		out = append(out, clusterToDTO(c, false))
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *ClusterHandler) List(w http.ResponseWriter, r *http.Request) {
	uid, _ := auth.UserIDFromContext(r.Context())

	category := strings.TrimSpace(strings.ToLower(r.URL.Query().Get("category")))

	q := h.DB.Model(&cluster.Cluster{}).Where("user_id = ?", uid)
	if category != "" {
		q = q.Where("category = ?", category)
	}

	var rows []cluster.Cluster
	if err := q.Order("updated_at desc").Find(&rows).Error; err != nil {
		http.Error(w, "server error", http.StatusInternalServerError)
		return
	}

	out := make([]clusterDTO, 0, len(rows))
	for _, c := range rows {
		out = append(out, clusterToDTO(c, false))
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *ClusterHandler) Get(w http.ResponseWriter, r *http.Request) {
	uid, _ := auth.UserIDFromContext(r.Context())

	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}

	var c cluster.Cluster
	if err := h.DB.Where("id=? AND user_id=?", id, uid).First(&c).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			http.Error(w, "not found", http.StatusNotFound)
			return
		}
		http.Error(w, "server error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, clusterToDTO(c, true))
}

func clusterToDTO(c cluster.Cluster, withChat bool) clusterDTO {
	dto := clusterDTO{
		ID:        c.ID,
		TagName:   c.TagName,
		Category:  c.Category,
		NoteCount: c.NoteCount,
		Summary:   c.Summary,
		CreatedAt: c.CreatedAt,
		UpdatedAt: c.UpdatedAt,
	}
	if withChat && len(c.ChatHistory) > 0 {
		var msgs []note.ChatMessage
		if err := json.Unmarshal(c.ChatHistory, &msgs); err == nil {
			dto.Chat = msgs
		}
	}
	return dto
}
