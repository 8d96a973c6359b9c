package acl

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/objacl/objacl/internal/platform/httpx"
)

// Handler exposes the Acl service over HTTP.
type Handler struct {
	logger    *slog.Logger
	service   *Service
	evaluator *Evaluator
	validate  *validator.Validate
}

// NewHandler builds a Handler instance.
func NewHandler(logger *slog.Logger, service *Service, evaluator *Evaluator) *Handler {
	return &Handler{
		logger:    logger,
		service:   service,
		evaluator: evaluator,
		validate:  validator.New(),
	}
}

// MountRoutes registers the ACL routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Route("/acls", func(r chi.Router) {
		r.Post("/lookup", h.lookupBatch)
		r.Route("/{type}/{id}", func(r chi.Router) {
			r.Get("/", h.read)
			r.Post("/", h.create)
			r.Put("/", h.update)
			r.Delete("/", h.delete)
			r.Post("/check", h.check)
		})
	})
}

type sidPayload struct {
	Name      string `json:"name" validate:"required"`
	Principal bool   `json:"principal"`
}

type objectPayload struct {
	Type string `json:"type" validate:"required"`
	ID   int64  `json:"id" validate:"required"`
}

type entryPayload struct {
	ID           int64      `json:"id,omitempty"`
	Sid          sidPayload `json:"sid"`
	Permission   string     `json:"permission" validate:"required"`
	Granting     bool       `json:"granting"`
	AuditSuccess bool       `json:"audit_success,omitempty"`
	AuditFailure bool       `json:"audit_failure,omitempty"`
}

type aclPayload struct {
	ObjectIdentity objectPayload  `json:"object_identity"`
	Owner          sidPayload     `json:"owner"`
	Parent         *objectPayload `json:"parent,omitempty"`
	Inheriting     bool           `json:"inheriting"`
	Entries        []entryPayload `json:"entries"`
	Version        int64          `json:"version"`
}

type updateRequest struct {
	Owner      sidPayload     `json:"owner" validate:"required"`
	Parent     *objectPayload `json:"parent,omitempty"`
	Inheriting bool           `json:"inheriting"`
	Entries    []entryPayload `json:"entries" validate:"dive"`
	Version    int64          `json:"version" validate:"gte=1"`
}

type checkRequest struct {
	Principal   string   `json:"principal,omitempty"`
	Authorities []string `json:"authorities,omitempty"`
	Permissions []string `json:"permissions" validate:"required,min=1"`
}

type checkResponse struct {
	Granted bool `json:"granted"`
}

type lookupRequest struct {
	Objects []objectPayload `json:"objects" validate:"required,min=1,dive"`
	Sids    []sidPayload    `json:"sids,omitempty" validate:"dive"`
}

type lookupResponse struct {
	Acls    []aclPayload    `json:"acls"`
	Missing []objectPayload `json:"missing"`
}

func (h *Handler) read(w http.ResponseWriter, r *http.Request) {
	oid, ok := RouteObject(r)
	if !ok {
		httpx.Problem(w, http.StatusBadRequest, "Bad Request", "object identity must be {type}/{integer id}")
		return
	}
	acl, err := h.service.ReadAcl(r.Context(), oid)
	if err != nil {
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, toAclPayload(acl))
}

func (h *Handler) create(w http.ResponseWriter, r *http.Request) {
	oid, ok := RouteObject(r)
	if !ok {
		httpx.Problem(w, http.StatusBadRequest, "Bad Request", "object identity must be {type}/{integer id}")
		return
	}
	acl, err := h.service.CreateAcl(r.Context(), oid)
	if err != nil {
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, toAclPayload(acl))
}

func (h *Handler) update(w http.ResponseWriter, r *http.Request) {
	oid, ok := RouteObject(r)
	if !ok {
		httpx.Problem(w, http.StatusBadRequest, "Bad Request", "object identity must be {type}/{integer id}")
		return
	}
	var req updateRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Bad Request", "invalid JSON body")
		return
	}
	if err := h.validate.Struct(req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}
	if err := h.authorizeAdmin(r, oid); err != nil {
		h.respondError(w, err)
		return
	}

	acl := &Acl{
		ObjectIdentity: oid,
		Owner:          Sid{Name: req.Owner.Name, Principal: req.Owner.Principal},
		Inheriting:     req.Inheriting,
		Version:        req.Version,
	}
	if req.Parent != nil {
		acl.SetParent(&ObjectIdentity{Type: req.Parent.Type, ID: req.Parent.ID})
	}
	for i, e := range req.Entries {
		perm, err := parsePermission(e.Permission)
		if err != nil {
			httpx.Problem(w, http.StatusBadRequest, "Validation Failed", fmt.Sprintf("entry %d: %v", i, err))
			return
		}
		acl.Entries = append(acl.Entries, Entry{
			ID:           e.ID,
			Sid:          Sid{Name: e.Sid.Name, Principal: e.Sid.Principal},
			Permission:   perm,
			Granting:     e.Granting,
			AuditSuccess: e.AuditSuccess,
			AuditFailure: e.AuditFailure,
		})
	}
	updated, err := h.service.UpdateAcl(r.Context(), acl)
	if err != nil {
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, toAclPayload(updated))
}

func (h *Handler) delete(w http.ResponseWriter, r *http.Request) {
	oid, ok := RouteObject(r)
	if !ok {
		httpx.Problem(w, http.StatusBadRequest, "Bad Request", "object identity must be {type}/{integer id}")
		return
	}
	if err := h.authorizeAdmin(r, oid); err != nil {
		h.respondError(w, err)
		return
	}
	deleteChildren, _ := strconv.ParseBool(r.URL.Query().Get("children"))
	if err := h.service.DeleteAcl(r.Context(), oid, deleteChildren); err != nil {
		h.respondError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) check(w http.ResponseWriter, r *http.Request) {
	oid, ok := RouteObject(r)
	if !ok {
		httpx.Problem(w, http.StatusBadRequest, "Bad Request", "object identity must be {type}/{integer id}")
		return
	}
	var req checkRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Bad Request", "invalid JSON body")
		return
	}
	if err := h.validate.Struct(req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}
	principal := Principal{Name: req.Principal, Authorities: req.Authorities}
	if principal.Name == "" {
		ctxPrincipal, ok := PrincipalFromContext(r.Context())
		if !ok {
			httpx.Problem(w, http.StatusUnauthorized, "Unauthorized", "no principal supplied or authenticated")
			return
		}
		principal = ctxPrincipal
	}
	perms := make([]Permission, 0, len(req.Permissions))
	for i, name := range req.Permissions {
		perm, err := parsePermission(name)
		if err != nil {
			httpx.Problem(w, http.StatusBadRequest, "Validation Failed", fmt.Sprintf("permission %d: %v", i, err))
			return
		}
		perms = append(perms, perm)
	}
	granted := h.evaluator.HasPermission(r.Context(), principal, oid, perms...)
	httpx.JSON(w, http.StatusOK, checkResponse{Granted: granted})
}

func (h *Handler) lookupBatch(w http.ResponseWriter, r *http.Request) {
	var req lookupRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Bad Request", "invalid JSON body")
		return
	}
	if err := h.validate.Struct(req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}
	oids := make([]ObjectIdentity, 0, len(req.Objects))
	for _, o := range req.Objects {
		oids = append(oids, ObjectIdentity{Type: o.Type, ID: o.ID})
	}
	sids := make([]Sid, 0, len(req.Sids))
	for _, s := range req.Sids {
		sids = append(sids, Sid{Name: s.Name, Principal: s.Principal})
	}
	acls, err := h.service.ReadAcls(r.Context(), oids, sids)
	if err != nil {
		h.respondError(w, err)
		return
	}
	resp := lookupResponse{Acls: []aclPayload{}, Missing: []objectPayload{}}
	for _, oid := range oids {
		if acl, ok := acls[oid]; ok {
			resp.Acls = append(resp.Acls, toAclPayload(acl))
		} else {
			resp.Missing = append(resp.Missing, objectPayload{Type: oid.Type, ID: oid.ID})
		}
	}
	httpx.JSON(w, http.StatusOK, resp)
}

// authorizeAdmin gates ACL mutations: the caller must own the Acl or hold an
// administer grant on it.
func (h *Handler) authorizeAdmin(r *http.Request, oid ObjectIdentity) error {
	principal, ok := PrincipalFromContext(r.Context())
	if !ok {
		return ErrNoPrincipal
	}
	acl, err := h.service.ReadAcl(r.Context(), oid)
	if err != nil {
		return err
	}
	if acl.Owner == PrincipalSid(principal.Name) {
		return nil
	}
	if Decide(acl, principal.Sids(), []Permission{PermAdminister}) {
		return nil
	}
	return fmt.Errorf("%w: %s may not administer %s", ErrForbidden, principal.Name, oid)
}

func (h *Handler) respondError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ErrNotFound):
		httpx.Problem(w, http.StatusNotFound, "Not Found", err.Error())
	case errors.Is(err, ErrAlreadyExists):
		httpx.Problem(w, http.StatusConflict, "Already Exists", err.Error())
	case errors.Is(err, ErrChildrenExist):
		httpx.Problem(w, http.StatusConflict, "Children Exist", err.Error())
	case errors.Is(err, ErrConflict):
		httpx.Problem(w, http.StatusConflict, "Conflict", err.Error())
	case errors.Is(err, ErrCycleDetected):
		httpx.Problem(w, http.StatusUnprocessableEntity, "Cycle Detected", err.Error())
	case errors.Is(err, ErrEntryRange):
		httpx.Problem(w, http.StatusBadRequest, "Bad Request", err.Error())
	case errors.Is(err, ErrNoPrincipal):
		httpx.Problem(w, http.StatusUnauthorized, "Unauthorized", err.Error())
	case errors.Is(err, ErrForbidden):
		httpx.Problem(w, http.StatusForbidden, "Forbidden", err.Error())
	default:
		if h.logger != nil {
			h.logger.Error("acl handler", slog.Any("error", err))
		}
		httpx.Problem(w, http.StatusInternalServerError, "Internal Error", "")
	}
}

// permissionToken renders a permission in a form parsePermission accepts
// back: the registered name when one exists, the decimal mask otherwise.
func permissionToken(p Permission) string {
	if _, ok := PermissionByName(p.String()); ok {
		return p.String()
	}
	return strconv.FormatUint(uint64(p), 10)
}

func parsePermission(name string) (Permission, error) {
	if perm, ok := PermissionByName(name); ok {
		return perm, nil
	}
	if mask, err := strconv.ParseUint(name, 0, 32); err == nil && mask != 0 {
		return Permission(mask), nil
	}
	return 0, fmt.Errorf("unknown permission %q", name)
}

func toAclPayload(acl *Acl) aclPayload {
	p := aclPayload{
		ObjectIdentity: objectPayload{Type: acl.ObjectIdentity.Type, ID: acl.ObjectIdentity.ID},
		Owner:          sidPayload{Name: acl.Owner.Name, Principal: acl.Owner.Principal},
		Inheriting:     acl.Inheriting,
		Entries:        []entryPayload{},
		Version:        acl.Version,
	}
	if acl.ParentID != nil {
		p.Parent = &objectPayload{Type: acl.ParentID.Type, ID: acl.ParentID.ID}
	}
	for _, e := range acl.Entries {
		p.Entries = append(p.Entries, entryPayload{
			ID:           e.ID,
			Sid:          sidPayload{Name: e.Sid.Name, Principal: e.Sid.Principal},
			Permission:   permissionToken(e.Permission),
			Granting:     e.Granting,
			AuditSuccess: e.AuditSuccess,
			AuditFailure: e.AuditFailure,
		})
	}
	return p
}
