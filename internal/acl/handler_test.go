package acl

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/require"
)

func newTestRouter(t *testing.T) (chi.Router, *memoryRepo) {
	t.Helper()
	repo := newMemoryRepo()
	logger := discardLogger()
	svc := NewService(repo, nil, logger, nil)
	eval := NewEvaluator(svc, logger, nil, nil)
	handler := NewHandler(logger, svc, eval)
	mw := Middleware{Evaluator: eval, Logger: logger}

	r := chi.NewRouter()
	r.Use(mw.WithPrincipal)
	handler.MountRoutes(r)
	return r, repo
}

func doJSON(t *testing.T, router http.Handler, method, path, principal string, authorities string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if principal != "" {
		req.Header.Set(HeaderPrincipal, principal)
	}
	if authorities != "" {
		req.Header.Set(HeaderAuthorities, authorities)
	}
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func decodeAcl(t *testing.T, rec *httptest.ResponseRecorder) aclPayload {
	t.Helper()
	var payload aclPayload
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &payload))
	return payload
}

func TestHandlerCreateAcl(t *testing.T) {
	router, _ := newTestRouter(t)

	rec := doJSON(t, router, http.MethodPost, "/acls/document/1", "alice", "", nil)
	require.Equal(t, http.StatusCreated, rec.Code)
	payload := decodeAcl(t, rec)
	require.Equal(t, "document", payload.ObjectIdentity.Type)
	require.EqualValues(t, 1, payload.ObjectIdentity.ID)
	require.Equal(t, "alice", payload.Owner.Name)
	require.True(t, payload.Owner.Principal)
	require.EqualValues(t, 1, payload.Version)

	// A second create for the same object conflicts.
	rec = doJSON(t, router, http.MethodPost, "/acls/document/1", "alice", "", nil)
	require.Equal(t, http.StatusConflict, rec.Code)
}

func TestHandlerCreateRequiresPrincipal(t *testing.T) {
	router, _ := newTestRouter(t)
	rec := doJSON(t, router, http.MethodPost, "/acls/document/1", "", "", nil)
	require.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestHandlerReadNotFound(t *testing.T) {
	router, _ := newTestRouter(t)
	rec := doJSON(t, router, http.MethodGet, "/acls/document/404", "alice", "", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
	require.Equal(t, "application/problem+json", rec.Header().Get("Content-Type"))
}

func TestHandlerBadObjectID(t *testing.T) {
	router, _ := newTestRouter(t)
	rec := doJSON(t, router, http.MethodGet, "/acls/document/not-a-number", "alice", "", nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandlerUpdateRoundTrip(t *testing.T) {
	router, _ := newTestRouter(t)
	rec := doJSON(t, router, http.MethodPost, "/acls/document/1", "alice", "", nil)
	require.Equal(t, http.StatusCreated, rec.Code)

	update := updateRequest{
		Owner:   sidPayload{Name: "alice", Principal: true},
		Version: 1,
		Entries: []entryPayload{
			{Sid: sidPayload{Name: "ROLE_USER"}, Permission: "read", Granting: true},
			{Sid: sidPayload{Name: "bob", Principal: true}, Permission: "write", Granting: true},
		},
	}
	rec = doJSON(t, router, http.MethodPut, "/acls/document/1", "alice", "", update)
	require.Equal(t, http.StatusOK, rec.Code)
	payload := decodeAcl(t, rec)
	require.EqualValues(t, 2, payload.Version)
	require.Len(t, payload.Entries, 2)
	require.Equal(t, "read", payload.Entries[0].Permission)

	rec = doJSON(t, router, http.MethodGet, "/acls/document/1", "alice", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, payload, decodeAcl(t, rec))
}

func TestHandlerUpdateStaleVersion(t *testing.T) {
	router, _ := newTestRouter(t)
	rec := doJSON(t, router, http.MethodPost, "/acls/document/1", "alice", "", nil)
	require.Equal(t, http.StatusCreated, rec.Code)

	update := updateRequest{Owner: sidPayload{Name: "alice", Principal: true}, Version: 1}
	rec = doJSON(t, router, http.MethodPut, "/acls/document/1", "alice", "", update)
	require.Equal(t, http.StatusOK, rec.Code)

	// Replaying the same version is a lost update and must conflict.
	rec = doJSON(t, router, http.MethodPut, "/acls/document/1", "alice", "", update)
	require.Equal(t, http.StatusConflict, rec.Code)
}

func TestHandlerUpdateForbiddenForNonOwner(t *testing.T) {
	router, _ := newTestRouter(t)
	rec := doJSON(t, router, http.MethodPost, "/acls/document/1", "alice", "", nil)
	require.Equal(t, http.StatusCreated, rec.Code)

	update := updateRequest{Owner: sidPayload{Name: "mallory", Principal: true}, Version: 1}
	rec = doJSON(t, router, http.MethodPut, "/acls/document/1", "mallory", "", update)
	require.Equal(t, http.StatusForbidden, rec.Code)
}

func TestHandlerUpdateAllowsAdministerGrant(t *testing.T) {
	router, _ := newTestRouter(t)
	rec := doJSON(t, router, http.MethodPost, "/acls/document/1", "alice", "", nil)
	require.Equal(t, http.StatusCreated, rec.Code)

	grant := updateRequest{
		Owner:   sidPayload{Name: "alice", Principal: true},
		Version: 1,
		Entries: []entryPayload{
			{Sid: sidPayload{Name: "ROLE_ADMIN"}, Permission: "administer", Granting: true},
		},
	}
	rec = doJSON(t, router, http.MethodPut, "/acls/document/1", "alice", "", grant)
	require.Equal(t, http.StatusOK, rec.Code)

	grant.Version = 2
	rec = doJSON(t, router, http.MethodPut, "/acls/document/1", "carol", "ROLE_ADMIN", grant)
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestHandlerUpdateRejectsCycle(t *testing.T) {
	router, _ := newTestRouter(t)
	require.Equal(t, http.StatusCreated, doJSON(t, router, http.MethodPost, "/acls/folder/1", "alice", "", nil).Code)
	require.Equal(t, http.StatusCreated, doJSON(t, router, http.MethodPost, "/acls/folder/2", "alice", "", nil).Code)

	link := updateRequest{
		Owner:   sidPayload{Name: "alice", Principal: true},
		Parent:  &objectPayload{Type: "folder", ID: 1},
		Version: 1,
	}
	rec := doJSON(t, router, http.MethodPut, "/acls/folder/2", "alice", "", link)
	require.Equal(t, http.StatusOK, rec.Code)

	back := updateRequest{
		Owner:   sidPayload{Name: "alice", Principal: true},
		Parent:  &objectPayload{Type: "folder", ID: 2},
		Version: 1,
	}
	rec = doJSON(t, router, http.MethodPut, "/acls/folder/1", "alice", "", back)
	require.Equal(t, http.StatusUnprocessableEntity, rec.Code)
}

func TestHandlerUpdateUnknownPermission(t *testing.T) {
	router, _ := newTestRouter(t)
	require.Equal(t, http.StatusCreated, doJSON(t, router, http.MethodPost, "/acls/document/1", "alice", "", nil).Code)

	update := updateRequest{
		Owner:   sidPayload{Name: "alice", Principal: true},
		Version: 1,
		Entries: []entryPayload{
			{Sid: sidPayload{Name: "bob", Principal: true}, Permission: "teleport", Granting: true},
		},
	}
	rec := doJSON(t, router, http.MethodPut, "/acls/document/1", "alice", "", update)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandlerDelete(t *testing.T) {
	router, _ := newTestRouter(t)
	require.Equal(t, http.StatusCreated, doJSON(t, router, http.MethodPost, "/acls/folder/1", "alice", "", nil).Code)
	require.Equal(t, http.StatusCreated, doJSON(t, router, http.MethodPost, "/acls/document/2", "alice", "", nil).Code)

	link := updateRequest{
		Owner:   sidPayload{Name: "alice", Principal: true},
		Parent:  &objectPayload{Type: "folder", ID: 1},
		Version: 1,
	}
	require.Equal(t, http.StatusOK, doJSON(t, router, http.MethodPut, "/acls/document/2", "alice", "", link).Code)

	rec := doJSON(t, router, http.MethodDelete, "/acls/folder/1", "alice", "", nil)
	require.Equal(t, http.StatusConflict, rec.Code)

	rec = doJSON(t, router, http.MethodDelete, "/acls/folder/1?children=true", "alice", "", nil)
	require.Equal(t, http.StatusNoContent, rec.Code)

	rec = doJSON(t, router, http.MethodGet, "/acls/document/2", "alice", "", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHandlerCheck(t *testing.T) {
	router, _ := newTestRouter(t)
	require.Equal(t, http.StatusCreated, doJSON(t, router, http.MethodPost, "/acls/document/1", "alice", "", nil).Code)

	update := updateRequest{
		Owner:   sidPayload{Name: "alice", Principal: true},
		Version: 1,
		Entries: []entryPayload{
			{Sid: sidPayload{Name: "ROLE_USER"}, Permission: "read", Granting: true},
		},
	}
	require.Equal(t, http.StatusOK, doJSON(t, router, http.MethodPut, "/acls/document/1", "alice", "", update).Code)

	check := checkRequest{Principal: "bob", Authorities: []string{"ROLE_USER"}, Permissions: []string{"read"}}
	rec := doJSON(t, router, http.MethodPost, "/acls/document/1/check", "", "", check)
	require.Equal(t, http.StatusOK, rec.Code)
	var resp checkResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.True(t, resp.Granted)

	check.Permissions = []string{"delete"}
	rec = doJSON(t, router, http.MethodPost, "/acls/document/1/check", "", "", check)
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.False(t, resp.Granted)
}

func TestHandlerCheckFallsBackToHeaderPrincipal(t *testing.T) {
	router, _ := newTestRouter(t)
	require.Equal(t, http.StatusCreated, doJSON(t, router, http.MethodPost, "/acls/document/1", "alice", "", nil).Code)

	check := checkRequest{Permissions: []string{"read"}}
	rec := doJSON(t, router, http.MethodPost, "/acls/document/1/check", "bob", "ROLE_USER", check)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(t, router, http.MethodPost, "/acls/document/1/check", "", "", check)
	require.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestHandlerLookupBatch(t *testing.T) {
	router, _ := newTestRouter(t)
	require.Equal(t, http.StatusCreated, doJSON(t, router, http.MethodPost, "/acls/document/1", "alice", "", nil).Code)

	lookup := lookupRequest{Objects: []objectPayload{
		{Type: "document", ID: 1},
		{Type: "document", ID: 2},
	}}
	rec := doJSON(t, router, http.MethodPost, "/acls/lookup", "alice", "", lookup)
	require.Equal(t, http.StatusOK, rec.Code)
	var resp lookupResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Len(t, resp.Acls, 1)
	require.Len(t, resp.Missing, 1)
	require.EqualValues(t, 2, resp.Missing[0].ID)
}
