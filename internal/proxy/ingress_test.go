package proxy

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/glebarez/sqlite"
	"github.com/valyala/fasthttp"
	"gorm.io/gorm"

	"github.com/ygo74/openai-proxy/internal/auth"
	"github.com/ygo74/openai-proxy/internal/catalog"
	"github.com/ygo74/openai-proxy/internal/domain"
)

func newTestGateway(t *testing.T) (*Gateway, *catalog.Service) {
	t.Helper()
	gdb, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	if err := gdb.AutoMigrate(&domain.Model{}, &domain.Group{}, &domain.User{}, &domain.APIKey{}, &domain.TokenUsage{}); err != nil {
		t.Fatalf("automigrate: %v", err)
	}
	cat := catalog.New(gdb)
	return NewGateway(nil, cat, &auth.Resolver{Keys: cat, Users: cat}, nil), cat
}

func newProxyCtx(method, path string, body []byte, principal auth.Principal) *fasthttp.RequestCtx {
	ctx := &fasthttp.RequestCtx{}
	ctx.Request.Header.SetMethod(method)
	ctx.Request.SetRequestURI(path)
	if body != nil {
		ctx.Request.SetBody(body)
	}
	ctx.SetUserValue(PrincipalKey, principal)
	return ctx
}

func TestHandleModels_ReturnsOnlyAccessible(t *testing.T) {
	g, cat := newTestGateway(t)
	m := &domain.Model{TechnicalName: "m1", Status: domain.StatusApproved}
	if err := cat.AddOrUpdateModel(context.Background(), m); err != nil {
		t.Fatalf("create model: %v", err)
	}

	ctx := newProxyCtx("GET", "/v1/models", nil, auth.Principal{Username: "alice", Groups: []string{domain.AdminGroupName}})
	g.HandleModels(ctx)

	if ctx.Response.StatusCode() != fasthttp.StatusOK {
		t.Fatalf("expected 200, got %d: %s", ctx.Response.StatusCode(), ctx.Response.Body())
	}
	var body struct {
		Data []domain.Model `json:"data"`
	}
	if err := json.Unmarshal(ctx.Response.Body(), &body); err != nil {
		t.Fatal(err)
	}
	if len(body.Data) != 1 || body.Data[0].TechnicalName != "m1" {
		t.Fatalf("unexpected models: %+v", body.Data)
	}
}

func TestHandleWhoami_EchoesPrincipal(t *testing.T) {
	g, _ := newTestGateway(t)
	ctx := newProxyCtx("GET", "/v1/whoami", nil, auth.Principal{Username: "alice", ID: "u1", Kind: auth.KindJWT, Groups: []string{"eng"}})
	g.HandleWhoami(ctx)

	var resp whoamiResponse
	if err := json.Unmarshal(ctx.Response.Body(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp.Username != "alice" || resp.Kind != string(auth.KindJWT) {
		t.Fatalf("unexpected whoami response: %+v", resp)
	}
}

func TestHandleWhoami_ForceCacheClearEvicts(t *testing.T) {
	g, _ := newTestGateway(t)
	p := auth.Principal{Username: "bob"}
	whoamiCache.Put(auth.CacheKeyForPrincipal(p), p)

	ctx := newProxyCtx("GET", "/v1/whoami?force_cache_clear=true", nil, p)
	g.HandleWhoami(ctx)

	if _, ok := whoamiCache.Get(auth.CacheKeyForPrincipal(p)); ok {
		t.Fatal("expected principal to be evicted from the cache")
	}
}

func TestHandleChatCompletions_RejectsMissingModel(t *testing.T) {
	g, _ := newTestGateway(t)
	body, _ := json.Marshal(map[string]any{"messages": []map[string]string{{"role": "user", "content": "hi"}}})
	ctx := newProxyCtx("POST", "/v1/chat/completions", body, auth.Principal{Username: "alice"})
	g.HandleChatCompletions(ctx)

	if ctx.Response.StatusCode() != fasthttp.StatusBadRequest {
		t.Fatalf("expected 400, got %d: %s", ctx.Response.StatusCode(), ctx.Response.Body())
	}
}

func TestHandleChatCompletions_RejectsInvalidJSON(t *testing.T) {
	g, _ := newTestGateway(t)
	ctx := newProxyCtx("POST", "/v1/chat/completions", []byte("{"), auth.Principal{Username: "alice"})
	g.HandleChatCompletions(ctx)

	if ctx.Response.StatusCode() != fasthttp.StatusBadRequest {
		t.Fatalf("expected 400, got %d: %s", ctx.Response.StatusCode(), ctx.Response.Body())
	}
}
