package admin

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/glebarez/sqlite"
	"github.com/valyala/fasthttp"
	"gorm.io/gorm"

	"github.com/ygo74/openai-proxy/internal/auth"
	"github.com/ygo74/openai-proxy/internal/catalog"
	"github.com/ygo74/openai-proxy/internal/domain"
	"github.com/ygo74/openai-proxy/internal/usage"
)

func newTestHandlers(t *testing.T) *Handlers {
	t.Helper()
	gdb, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	if err := gdb.AutoMigrate(&domain.Model{}, &domain.Group{}, &domain.User{}, &domain.APIKey{}, &domain.TokenUsage{}); err != nil {
		t.Fatalf("automigrate: %v", err)
	}
	return New(catalog.New(gdb), usage.New(gdb), nil)
}

func newCtx(method, path string, body []byte, principal auth.Principal) *fasthttp.RequestCtx {
	ctx := &fasthttp.RequestCtx{}
	ctx.Request.Header.SetMethod(method)
	ctx.Request.SetRequestURI(path)
	if body != nil {
		ctx.Request.SetBody(body)
	}
	ctx.SetUserValue(PrincipalKey, principal)
	return ctx
}

var adminPrincipal = auth.Principal{ID: "u1", Username: "alice", Kind: auth.KindJWT, Groups: []string{"admin"}}

func TestRequireAdmin_RejectsNonAdmin(t *testing.T) {
	h := func(ctx *fasthttp.RequestCtx) { ctx.SetStatusCode(fasthttp.StatusOK) }
	wrapped := RequireAdmin(h)

	ctx := newCtx("GET", "/v1/admin/models", nil, auth.Principal{Username: "bob", Groups: []string{"engineering"}})
	wrapped(ctx)

	if ctx.Response.StatusCode() != fasthttp.StatusForbidden {
		t.Fatalf("expected 403, got %d", ctx.Response.StatusCode())
	}
}

func TestRequireAdmin_AllowsAdmin(t *testing.T) {
	h := func(ctx *fasthttp.RequestCtx) { ctx.SetStatusCode(fasthttp.StatusOK) }
	wrapped := RequireAdmin(h)

	ctx := newCtx("GET", "/v1/admin/models", nil, adminPrincipal)
	wrapped(ctx)

	if ctx.Response.StatusCode() != fasthttp.StatusOK {
		t.Fatalf("expected 200, got %d", ctx.Response.StatusCode())
	}
}

func TestCreateModel_ThenList(t *testing.T) {
	h := newTestHandlers(t)

	body, _ := json.Marshal(createModelRequest{
		URL: "https://api.openai.com", DisplayName: "gpt-4o",
		TechnicalName: "openai_gpt-4o", Provider: domain.ProviderOpenAI,
	})
	ctx := newCtx("POST", "/v1/admin/models", body, adminPrincipal)
	h.CreateModel(ctx)
	if ctx.Response.StatusCode() != fasthttp.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", ctx.Response.StatusCode(), ctx.Response.Body())
	}

	listCtx := newCtx("GET", "/v1/admin/models", nil, adminPrincipal)
	h.ListModels(listCtx)

	var models []domain.Model
	if err := json.Unmarshal(listCtx.Response.Body(), &models); err != nil {
		t.Fatal(err)
	}
	if len(models) != 1 || models[0].TechnicalName != "openai_gpt-4o" {
		t.Fatalf("unexpected models: %+v", models)
	}
}

func TestCreateModel_DuplicateTechnicalNameConflicts(t *testing.T) {
	h := newTestHandlers(t)
	body, _ := json.Marshal(createModelRequest{TechnicalName: "dup", Provider: domain.ProviderOpenAI})

	h.CreateModel(newCtx("POST", "/v1/admin/models", body, adminPrincipal))

	ctx := newCtx("POST", "/v1/admin/models", body, adminPrincipal)
	h.CreateModel(ctx)
	if ctx.Response.StatusCode() != fasthttp.StatusConflict {
		t.Fatalf("expected 409, got %d", ctx.Response.StatusCode())
	}
}

func TestUpdateModelStatus_UnknownIDNotFound(t *testing.T) {
	h := newTestHandlers(t)
	body, _ := json.Marshal(updateModelStatusRequest{Status: domain.StatusApproved})
	ctx := newCtx("PATCH", "/v1/admin/models/999/status", body, adminPrincipal)
	ctx.SetUserValue("id", "999")
	h.UpdateModelStatus(ctx)
	if ctx.Response.StatusCode() != fasthttp.StatusNotFound {
		t.Fatalf("expected 404, got %d", ctx.Response.StatusCode())
	}
}

func TestCreateUser_CreateAPIKey_RoundTrip(t *testing.T) {
	h := newTestHandlers(t)

	body, _ := json.Marshal(createUserRequest{Username: "bob", Groups: []string{"engineering"}})
	createCtx := newCtx("POST", "/v1/admin/users", body, adminPrincipal)
	h.CreateUser(createCtx)
	if createCtx.Response.StatusCode() != fasthttp.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", createCtx.Response.StatusCode(), createCtx.Response.Body())
	}
	var u domain.User
	if err := json.Unmarshal(createCtx.Response.Body(), &u); err != nil {
		t.Fatal(err)
	}

	keyCtx := newCtx("POST", "/v1/admin/users/"+u.ID+"/api-keys", nil, adminPrincipal)
	keyCtx.SetUserValue("id", u.ID)
	h.CreateAPIKey(keyCtx)
	if keyCtx.Response.StatusCode() != fasthttp.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", keyCtx.Response.StatusCode(), keyCtx.Response.Body())
	}
	var resp createAPIKeyResponse
	if err := json.Unmarshal(keyCtx.Response.Body(), &resp); err != nil {
		t.Fatal(err)
	}
	if !bytes.HasPrefix([]byte(resp.PlaintextKey), []byte("sk-")) {
		t.Fatalf("expected plaintext key to be returned, got %q", resp.PlaintextKey)
	}
}

func TestDebugAuth_EchoesPrincipal(t *testing.T) {
	h := newTestHandlers(t)
	ctx := newCtx("GET", "/v1/debug/auth", nil, adminPrincipal)
	h.DebugAuth(ctx)

	var resp debugAuthResponse
	if err := json.Unmarshal(ctx.Response.Body(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp.Username != "alice" || resp.MatchedRule != string(auth.KindJWT) {
		t.Fatalf("unexpected debug response: %+v", resp)
	}
}
