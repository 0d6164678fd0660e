package http

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"splitledger/internal/adapters"
	"splitledger/internal/cache"
	"splitledger/internal/core"
	"splitledger/internal/services"
	"splitledger/internal/storage/memory"
)

func newTestServer(t *testing.T, secret string, perMinute int) *Server {
	t.Helper()
	store := memory.New()
	settlements := cache.NewLRUCache[int64, services.Settlement](16, time.Minute)
	expenses := services.NewExpenseService(store, adapters.NewStoreDirectory(store), nil, settlements)
	srv := NewServer(":0", Deps{
		Expenses:           expenses,
		Groups:             services.NewGroupService(store, expenses),
		Store:              store,
		Settlements:        settlements,
		JWTSecret:          secret,
		RateLimitPerMinute: perMinute,
	})
	t.Cleanup(func() { _ = srv.Shutdown(context.Background()) })
	return srv
}

type call struct {
	method, path string
	body         any
	token        string
}

func do(t *testing.T, srv *Server, c call) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if c.body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(c.body))
	}
	req := httptest.NewRequest(c.method, c.path, &buf)
	if c.body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	rec := httptest.NewRecorder()
	srv.Handler.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func createUser(t *testing.T, srv *Server, name string) createUserResponse {
	t.Helper()
	rec := do(t, srv, call{method: http.MethodPost, path: "/api/users",
		body: CreateUserRequest{Name: name, Email: name + "@example.com"}})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	return decode[createUserResponse](t, rec)
}

func TestServer_Probes(t *testing.T) {
	srv := newTestServer(t, "", 0)

	tests := []struct {
		path string
		want int
	}{
		{"/healthz", http.StatusOK},
		{"/readyz", http.StatusOK},
		{"/metrics", http.StatusOK},
		{"/nope", http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			rec := do(t, srv, call{method: http.MethodGet, path: tt.path})
			assert.Equal(t, tt.want, rec.Code)
			assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
		})
	}
}

func TestServer_MethodNotAllowed(t *testing.T) {
	srv := newTestServer(t, "", 0)

	rec := do(t, srv, call{method: http.MethodPatch, path: "/api/expenses/x"})
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
	assert.Equal(t, "method_not_allowed", decode[errorBody](t, rec).Error)
}

func TestServer_ExpenseLifecycle(t *testing.T) {
	srv := newTestServer(t, "", 0)
	ann := createUser(t, srv, "ann")
	bob := createUser(t, srv, "bob")
	cid := createUser(t, srv, "cid")

	rec := do(t, srv, call{method: http.MethodPost, path: "/api/groups",
		body: CreateGroupRequest{Name: "trip", CreatedBy: ann.ID}})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	group := decode[core.Group](t, rec)
	groupPath := fmt.Sprintf("/api/groups/%d", group.ID)

	for _, u := range []int64{bob.ID, cid.ID} {
		rec = do(t, srv, call{method: http.MethodPost, path: groupPath + "/members", body: AddMemberRequest{UserID: u}})
		require.Equal(t, http.StatusNoContent, rec.Code, rec.Body.String())
	}

	dinner := map[string]any{
		"amount":      "90",
		"description": "dinner",
		"share_type":  "EQUAL",
		"payers":      []map[string]any{{"user_id": ann.ID, "amount": "90"}},
		"beneficiaries": []map[string]any{
			{"user_id": ann.ID}, {"user_id": bob.ID}, {"user_id": cid.ID},
		},
	}
	rec = do(t, srv, call{method: http.MethodPost, path: groupPath + "/expenses", body: dinner})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	created := decode[services.ExpenseDetail](t, rec)
	expensePath := "/api/expenses/" + created.Expense.ID
	assert.Equal(t, expensePath, rec.Header().Get("Location"))
	assert.Len(t, created.Shares, 2)

	rec = do(t, srv, call{method: http.MethodGet, path: groupPath + "/settlement"})
	require.Equal(t, http.StatusOK, rec.Code)
	settlement := decode[services.Settlement](t, rec)
	require.Len(t, settlement.Payments, 2)
	for _, p := range settlement.Payments {
		assert.Equal(t, ann.ID, p.To)
		assert.True(t, p.Amount.Equal(decimal.NewFromInt(30)))
	}

	rec = do(t, srv, call{method: http.MethodGet, path: fmt.Sprintf("/api/users/%d/balances", bob.ID)})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode[map[string][]core.BalanceEntry](t, rec)["balances"], 1)

	rec = do(t, srv, call{method: http.MethodDelete, path: expensePath})
	require.Equal(t, http.StatusNoContent, rec.Code, rec.Body.String())

	rec = do(t, srv, call{method: http.MethodGet, path: expensePath})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, decode[services.ExpenseDetail](t, rec).Expense.Deleted)

	rec = do(t, srv, call{method: http.MethodPut, path: expensePath, body: dinner})
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "expense_deleted", decode[errorBody](t, rec).Error)

	rec = do(t, srv, call{method: http.MethodGet, path: groupPath + "/settlement"})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, decode[services.Settlement](t, rec).Payments)
}

func TestServer_DomainErrors(t *testing.T) {
	srv := newTestServer(t, "", 0)
	ann := createUser(t, srv, "ann")
	rec := do(t, srv, call{method: http.MethodPost, path: "/api/groups",
		body: CreateGroupRequest{Name: "flat", CreatedBy: ann.ID}})
	require.Equal(t, http.StatusCreated, rec.Code)
	group := decode[core.Group](t, rec)

	tests := []struct {
		name       string
		call       call
		wantStatus int
		wantCode   string
	}{
		{
			name: "payer mismatch",
			call: call{method: http.MethodPost, path: fmt.Sprintf("/api/groups/%d/expenses", group.ID), body: map[string]any{
				"amount": "10", "description": "x", "share_type": "EQUAL",
				"payers":        []map[string]any{{"user_id": ann.ID, "amount": "9"}},
				"beneficiaries": []map[string]any{{"user_id": ann.ID}},
			}},
			wantStatus: http.StatusUnprocessableEntity,
			wantCode:   "payer_amount_mismatch",
		},
		{
			name: "sub-cent amount",
			call: call{method: http.MethodPost, path: fmt.Sprintf("/api/groups/%d/expenses", group.ID), body: map[string]any{
				"amount": "10.005", "description": "x", "share_type": "EQUAL",
				"payers":        []map[string]any{{"user_id": ann.ID, "amount": "10.005"}},
				"beneficiaries": []map[string]any{{"user_id": ann.ID}},
			}},
			wantStatus: http.StatusUnprocessableEntity,
			wantCode:   "invalid_amount",
		},
		{
			name:       "unknown group",
			call:       call{method: http.MethodGet, path: "/api/groups/999/balances"},
			wantStatus: http.StatusNotFound,
			wantCode:   "group_not_found",
		},
		{
			name:       "unknown expense",
			call:       call{method: http.MethodGet, path: "/api/expenses/missing"},
			wantStatus: http.StatusNotFound,
			wantCode:   "expense_not_found",
		},
		{
			name:       "bad path id",
			call:       call{method: http.MethodGet, path: "/api/groups/abc/settlement"},
			wantStatus: http.StatusBadRequest,
			wantCode:   "invalid_request",
		},
		{
			name:       "unknown field",
			call:       call{method: http.MethodPost, path: "/api/users", body: map[string]any{"name": "x", "role": "admin"}},
			wantStatus: http.StatusBadRequest,
			wantCode:   "invalid_request",
		},
		{
			name:       "invalid email",
			call:       call{method: http.MethodPost, path: "/api/users", body: CreateUserRequest{Name: "x", Email: "nope"}},
			wantStatus: http.StatusUnprocessableEntity,
			wantCode:   "invalid_email",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := do(t, srv, tt.call)
			assert.Equal(t, tt.wantStatus, rec.Code, rec.Body.String())
			assert.Equal(t, tt.wantCode, decode[errorBody](t, rec).Error)
		})
	}
}

func TestServer_Authentication(t *testing.T) {
	srv := newTestServer(t, "0123456789abcdef0123456789abcdef", 0)

	ann := createUser(t, srv, "ann")
	require.NotEmpty(t, ann.Token)

	rec := do(t, srv, call{method: http.MethodPost, path: "/api/groups", body: CreateGroupRequest{Name: "trip"}})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("WWW-Authenticate"))

	rec = do(t, srv, call{method: http.MethodPost, path: "/api/groups", body: CreateGroupRequest{Name: "trip"}, token: "garbage"})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = do(t, srv, call{method: http.MethodPost, path: "/api/groups", body: CreateGroupRequest{Name: "trip"}, token: ann.Token})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	assert.Equal(t, ann.ID, decode[core.Group](t, rec).CreatedBy)

	rec = do(t, srv, call{method: http.MethodGet, path: "/healthz"})
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestServer_RateLimitsMutations(t *testing.T) {
	srv := newTestServer(t, "", 1)

	ann := createUser(t, srv, "ann")
	rec := do(t, srv, call{method: http.MethodPost, path: "/api/users",
		body: CreateUserRequest{Name: "bob", Email: "bob@example.com"}})
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("Retry-After"))

	rec = do(t, srv, call{method: http.MethodGet, path: fmt.Sprintf("/api/users/%d", ann.ID)})
	assert.Equal(t, http.StatusOK, rec.Code, "reads are not limited")

	rec = do(t, srv, call{method: http.MethodGet, path: "/metrics"})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, int64(1), decode[Metrics](t, rec).RateLimit.Rejected)
}
