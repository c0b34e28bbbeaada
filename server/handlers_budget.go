package server

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/teranos/scribe/cache"
	"github.com/teranos/scribe/errors"
	"github.com/teranos/scribe/logger"
	"github.com/teranos/scribe/pulse/budget"
)

// HandleListLedger lists every known scope: GET /api/ledger
func (s *ScribeServer) HandleListLedger(w http.ResponseWriter, r *http.Request) {
	list, err := s.app.Ledger.List(r.Context())
	if err != nil {
		s.writeErrorFor(w, r, err)
		return
	}
	if list == nil {
		list = []budget.Status{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"scopes": list})
}

// HandleLedgerStatus returns one scope: GET /api/ledger/{scope}
func (s *ScribeServer) HandleLedgerStatus(w http.ResponseWriter, r *http.Request) {
	scope, ok := s.scopeParam(w, r)
	if !ok {
		return
	}
	s.writeLedgerStatus(w, r, scope)
}

// HandleLedgerReset zeroes usage and unpauses a scope:
// POST /api/ledger/{scope}/reset
func (s *ScribeServer) HandleLedgerReset(w http.ResponseWriter, r *http.Request) {
	scope, ok := s.scopeParam(w, r)
	if !ok {
		return
	}
	if err := s.app.Ledger.Reset(r.Context(), scope); err != nil {
		s.writeErrorFor(w, r, err)
		return
	}
	logger.AddLedgerSymbol(logger.FromContext(r.Context(), s.logger)).Infow("Ledger scope reset via API",
		logger.FieldScope, scope)
	s.writeLedgerStatus(w, r, scope)
}

// HandleLedgerLimits replaces a scope's limits: PUT /api/ledger/{scope}/limits
func (s *ScribeServer) HandleLedgerLimits(w http.ResponseWriter, r *http.Request) {
	scope, ok := s.scopeParam(w, r)
	if !ok {
		return
	}
	var limits budget.Limits
	if err := readJSON(w, r, &limits); err != nil {
		return
	}
	if err := s.app.Ledger.SetLimits(r.Context(), scope, limits); err != nil {
		s.writeErrorFor(w, r, err)
		return
	}
	logger.AddLedgerSymbol(logger.FromContext(r.Context(), s.logger)).Infow("Ledger limits updated via API",
		logger.FieldScope, scope)
	s.writeLedgerStatus(w, r, scope)
}

func (s *ScribeServer) scopeParam(w http.ResponseWriter, r *http.Request) (budget.Scope, bool) {
	scope, err := budget.ParseScope(chi.URLParam(r, "scope"))
	if err != nil {
		s.writeErrorFor(w, r, err)
		return "", false
	}
	return scope, true
}

func (s *ScribeServer) writeLedgerStatus(w http.ResponseWriter, r *http.Request, scope budget.Scope) {
	status, err := s.app.Ledger.Status(r.Context(), scope)
	if err != nil {
		s.writeErrorFor(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

// HandleInvalidateCache drops cached sections:
// DELETE /api/cache?fingerprint=|prefix=|template_version=
func (s *ScribeServer) HandleInvalidateCache(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	sel := cache.Selector{Exact: q.Get("fingerprint"), Prefix: q.Get("prefix")}
	if v := q.Get("template_version"); v != "" {
		if sel.Exact != "" || sel.Prefix != "" {
			s.writeErrorFor(w, r, errors.NewValidationError("template_version cannot be combined with fingerprint or prefix"))
			return
		}
		sel = cache.ForTemplateVersion(v)
	}
	if err := sel.Validate(); err != nil {
		s.writeErrorFor(w, r, err)
		return
	}

	n, err := s.app.Cache.Invalidate(r.Context(), sel)
	if err != nil {
		s.writeErrorFor(w, r, err)
		return
	}
	logger.FromContext(r.Context(), s.logger).Infow("Cache invalidated via API",
		"exact", sel.Exact,
		"prefix", sel.Prefix,
		logger.FieldCount, n)
	writeJSON(w, http.StatusOK, CacheInvalidateResponse{Removed: n})
}
