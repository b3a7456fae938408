package http

import (
	"net/http"

	"cosmicnotes/internal/auth"
	"cosmicnotes/internal/cluster"
	"cosmicnotes/internal/config"
	"cosmicnotes/internal/http/handler"
	mw "cosmicnotes/internal/http/middleware"
	"cosmicnotes/internal/note"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"gorm.io/gorm"
)

type Deps struct {
	Config  config.Config
	DB      *gorm.DB
	JWT     *auth.JWT
	Notes   *note.Service
	Merger  *note.Merger
	Extract *note.Extractor
	Builder *cluster.Builder
}

func NewRouter(d Deps) http.Handler {
	r := chi.NewRouter()

	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)

	if len(d.Config.CORSAllowedOrigins) > 0 {
		r.Use(mw.CORS(d.Config.CORSAllowedOrigins, d.Config.CORSAllowCredentials))
	}

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	ah := &handler.AuthHandler{DB: d.DB, JWT: d.JWT}
	r.Post("/auth/register", ah.Register)
	r.Post("/auth/login", ah.Login)

	me := &handler.MeHandler{}
	r.With(auth.RequireAuth(d.JWT)).Get("/me", me.Me)

	noteH := &handler.NoteHandler{Svc: d.Notes, DB: d.DB}
	tagH := &handler.TagHandler{Svc: d.Notes, Merger: d.Merger, Extract: d.Extract, DB: d.DB}
	clusterH := &handler.ClusterHandler{Builder: d.Builder, DB: d.DB}
	todoH := &handler.TodoHandler{DB: d.DB}

	r.Group(func(r chi.Router) {
		r.Use(auth.RequireAuth(d.JWT))

		r.Route("/notes", func(r chi.Router) {
			r.Post("/", noteH.Save)
			r.Get("/", noteH.List)
			r.Get("/{id}", noteH.Get)
			r.Delete("/{id}", noteH.Delete)
			r.Post("/{id}/refresh", noteH.Refresh)
			r.Post("/{id}/chat", noteH.Chat)

			r.Post("/{id}/tags", tagH.Replace)
			r.Delete("/{id}/tags/{name}", tagH.Remove)
		})

		r.Route("/tags", func(r chi.Router) {
			r.Get("/", tagH.Families)
			r.Post("/generate", tagH.Generate)
			r.Post("/merge", tagH.Merge)
			r.Post("/{id}/clusters", clusterH.GenerateAll)

			r.Get("/{name}/todos", todoH.List)
			r.Post("/{name}/todos", todoH.Create)
		})

		r.Route("/clusters", func(r chi.Router) {
			r.Post("/generate", clusterH.Generate)
			r.Get("/", clusterH.List)
			r.Get("/{id}", clusterH.Get)
		})

		r.Patch("/todos/{id}", todoH.Update)
		r.Delete("/todos/{id}", todoH.Delete)
	})

	return r
}
