package httpapi

import (
	"net/http"
	"strconv"

	"github.com/cockroachdb/errors"

	"catalogd/internal/content"
	"catalogd/internal/storage"
)

func queryInt(r *http.Request, key string) (int, error) {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return 0, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v < 0 {
		return 0, errors.Mark(errors.Newf("%s must be a non-negative integer", key), errBadRequest)
	}
	return v, nil
}

func (s *Server) handleListContent(w http.ResponseWriter, r *http.Request) {
	page, err := queryInt(r, "page")
	if err != nil {
		s.failErr(w, r, err)
		return
	}
	limit, err := queryInt(r, "limit")
	if err != nil {
		s.failErr(w, r, err)
		return
	}
	q := r.URL.Query()
	res, err := s.deps.Content.List(r.Context(), content.ListParams{
		Type:   q.Get("type"),
		Genre:  q.Get("genre"),
		Source: q.Get("source"),
		Status: q.Get("status"),
		Sort:   q.Get("sort"),
		Page:   page,
		Limit:  limit,
	})
	if err != nil {
		s.failErr(w, r, err)
		return
	}
	ok(w, "", res)
}

func (s *Server) handleTrending(w http.ResponseWriter, r *http.Request) {
	limit, err := queryInt(r, "limit")
	if err != nil {
		s.failErr(w, r, err)
		return
	}
	items, err := s.deps.Content.Trending(r.Context(), r.URL.Query().Get("type"), limit)
	if err != nil {
		s.failErr(w, r, err)
		return
	}
	ok(w, "", items)
}

func (s *Server) handleByGenre(w http.ResponseWriter, r *http.Request) {
	limit, err := queryInt(r, "limit")
	if err != nil {
		s.failErr(w, r, err)
		return
	}
	items, err := s.deps.Content.ByGenre(r.Context(), r.PathValue("genre"), limit)
	if err != nil {
		s.failErr(w, r, err)
		return
	}
	ok(w, "", items)
}

func (s *Server) handleGetContent(w http.ResponseWriter, r *http.Request) {
	it, err := s.deps.Content.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		s.failErr(w, r, err)
		return
	}
	ok(w, "", it)
}

func (s *Server) handleCreateContent(w http.ResponseWriter, r *http.Request) {
	var it storage.ContentItem
	if err := decode(r, &it); err != nil {
		s.failErr(w, r, err)
		return
	}
	// Server-owned fields.
	it.ID = ""
	it.TrendScore = 0
	out, err := s.deps.Content.Create(r.Context(), it)
	if err != nil {
		s.failErr(w, r, err)
		return
	}
	created(w, "Content created", out)
}

func (s *Server) handleUpdateContent(w http.ResponseWriter, r *http.Request) {
	var p content.Patch
	if err := decode(r, &p); err != nil {
		s.failErr(w, r, err)
		return
	}
	out, err := s.deps.Content.Update(r.Context(), r.PathValue("id"), p)
	if err != nil {
		s.failErr(w, r, err)
		return
	}
	ok(w, "Content updated", out)
}

func (s *Server) handleDeleteContent(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Content.Delete(r.Context(), r.PathValue("id")); err != nil {
		s.failErr(w, r, err)
		return
	}
	ok(w, "Content deleted", nil)
}

func (s *Server) handleSetStatus(status string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		out, err := s.deps.Content.SetStatus(r.Context(), r.PathValue("id"), status)
		if err != nil {
			s.failErr(w, r, err)
			return
		}
		ok(w, "Content "+status, out)
	}
}
