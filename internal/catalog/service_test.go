package catalog

import (
	"context"
	"testing"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"

	"github.com/ygo74/openai-proxy/internal/domain"
)

func newTestService(t *testing.T) *Service {
	t.Helper()
	gdb, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	if err := gdb.AutoMigrate(&domain.Model{}, &domain.Group{}, &domain.User{}, &domain.APIKey{}); err != nil {
		t.Fatalf("automigrate: %v", err)
	}
	return New(gdb)
}

func TestAddOrUpdateModel_DuplicateTechnicalNameRejected(t *testing.T) {
	s := newTestService(t)
	ctx := context.Background()

	m := &domain.Model{TechnicalName: "openai_gpt-4o", Provider: domain.ProviderOpenAI, DisplayName: "gpt-4o"}
	if err := s.AddOrUpdateModel(ctx, m); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	dup := &domain.Model{TechnicalName: "openai_gpt-4o", Provider: domain.ProviderOpenAI, DisplayName: "gpt-4o"}
	if err := s.AddOrUpdateModel(ctx, dup); err == nil {
		t.Fatal("expected EntityAlreadyExists for duplicate technical_name")
	}
}

func TestAddOrUpdateModel_AzureRequiresAPIVersion(t *testing.T) {
	s := newTestService(t)
	ctx := context.Background()

	m := &domain.Model{TechnicalName: "azure_gpt-4o", Provider: domain.ProviderAzure, DisplayName: "gpt-4o"}
	if err := s.AddOrUpdateModel(ctx, m); err == nil {
		t.Fatal("expected ValidationError for azure model missing api_version")
	}

	nonAzure := &domain.Model{TechnicalName: "openai_o1", Provider: domain.ProviderOpenAI, DisplayName: "o1", APIVersion: "2024-02-01"}
	if err := s.AddOrUpdateModel(ctx, nonAzure); err == nil {
		t.Fatal("expected ValidationError for non-azure model carrying api_version")
	}
}

func TestDeleteModel_NotFoundRaisesEntityNotFound(t *testing.T) {
	s := newTestService(t)
	if err := s.DeleteModel(context.Background(), 999); err == nil {
		t.Fatal("expected EntityNotFound for missing model")
	}
}

func TestAddModelToGroup_IsIdempotent(t *testing.T) {
	s := newTestService(t)
	ctx := context.Background()

	m := &domain.Model{TechnicalName: "openai_gpt-4o", Provider: domain.ProviderOpenAI, DisplayName: "gpt-4o", Status: domain.StatusApproved}
	if err := s.AddOrUpdateModel(ctx, m); err != nil {
		t.Fatal(err)
	}
	g := &domain.Group{Name: "eng"}
	if err := s.CreateGroup(ctx, g); err != nil {
		t.Fatal(err)
	}

	if _, err := s.AddModelToGroup(ctx, m.ID, g.ID); err != nil {
		t.Fatalf("first add: %v", err)
	}
	if _, err := s.AddModelToGroup(ctx, m.ID, g.ID); err != nil {
		t.Fatalf("second add should be a no-op, got error: %v", err)
	}

	groups, err := s.GetGroupsForModel(ctx, m.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(groups) != 1 {
		t.Fatalf("expected exactly one group edge, got %d", len(groups))
	}
}

func TestRemoveModelFromGroup_MissingEdgeIsNotFound(t *testing.T) {
	s := newTestService(t)
	ctx := context.Background()

	m := &domain.Model{TechnicalName: "openai_gpt-4o", Provider: domain.ProviderOpenAI, DisplayName: "gpt-4o"}
	if err := s.AddOrUpdateModel(ctx, m); err != nil {
		t.Fatal(err)
	}
	g := &domain.Group{Name: "eng"}
	if err := s.CreateGroup(ctx, g); err != nil {
		t.Fatal(err)
	}

	if err := s.RemoveModelFromGroup(ctx, m.ID, g.ID); err == nil {
		t.Fatal("expected EntityNotFound when removing an edge that was never created")
	}
}

func TestModelsForPrincipal_AdminSeesAllApproved(t *testing.T) {
	s := newTestService(t)
	ctx := context.Background()

	approved := &domain.Model{TechnicalName: "openai_a", Provider: domain.ProviderOpenAI, DisplayName: "a", Status: domain.StatusApproved}
	pending := &domain.Model{TechnicalName: "openai_b", Provider: domain.ProviderOpenAI, DisplayName: "b", Status: domain.StatusPending}
	if err := s.AddOrUpdateModel(ctx, approved); err != nil {
		t.Fatal(err)
	}
	if err := s.AddOrUpdateModel(ctx, pending); err != nil {
		t.Fatal(err)
	}

	models, err := s.ModelsForPrincipal(ctx, Principal{Groups: []string{domain.AdminGroupName}})
	if err != nil {
		t.Fatal(err)
	}
	if len(models) != 1 || models[0].TechnicalName != "openai_a" {
		t.Fatalf("expected only the approved model, got %+v", models)
	}
}

func TestModelsForPrincipal_GroupMemberSeesOnlyAuthorizedApproved(t *testing.T) {
	s := newTestService(t)
	ctx := context.Background()

	m := &domain.Model{TechnicalName: "openai_a", Provider: domain.ProviderOpenAI, DisplayName: "a", Status: domain.StatusApproved}
	if err := s.AddOrUpdateModel(ctx, m); err != nil {
		t.Fatal(err)
	}
	other := &domain.Model{TechnicalName: "openai_b", Provider: domain.ProviderOpenAI, DisplayName: "b", Status: domain.StatusApproved}
	if err := s.AddOrUpdateModel(ctx, other); err != nil {
		t.Fatal(err)
	}
	g := &domain.Group{Name: "eng"}
	if err := s.CreateGroup(ctx, g); err != nil {
		t.Fatal(err)
	}
	if _, err := s.AddModelToGroup(ctx, m.ID, g.ID); err != nil {
		t.Fatal(err)
	}

	models, err := s.ModelsForPrincipal(ctx, Principal{Groups: []string{"eng"}})
	if err != nil {
		t.Fatal(err)
	}
	if len(models) != 1 || models[0].TechnicalName != "openai_a" {
		t.Fatalf("expected only the model authorized to group eng, got %+v", models)
	}

	none, err := s.ModelsForPrincipal(ctx, Principal{})
	if err != nil {
		t.Fatal(err)
	}
	if len(none) != 0 {
		t.Fatalf("expected no models for a principal with no groups, got %+v", none)
	}
}

func TestCanAccess_RejectsNonApprovedModel(t *testing.T) {
	s := newTestService(t)
	ctx := context.Background()

	m := &domain.Model{TechnicalName: "openai_a", Provider: domain.ProviderOpenAI, DisplayName: "a", Status: domain.StatusPending}
	if err := s.AddOrUpdateModel(ctx, m); err != nil {
		t.Fatal(err)
	}

	ok, err := s.CanAccess(ctx, Principal{Groups: []string{domain.AdminGroupName}}, m)
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Fatal("a non-approved model must never be accessible, even to admins")
	}
}

func TestCreateAndRevokeAPIKey_RoundTripsThroughFindActiveKey(t *testing.T) {
	s := newTestService(t)
	ctx := context.Background()

	u := &domain.User{ID: "u1", Username: "alice", IsActive: true, Groups: domain.GroupList{"eng"}}
	if err := s.CreateUser(ctx, u); err != nil {
		t.Fatal(err)
	}

	plaintext, key, err := s.CreateAPIKey(ctx, u.ID, "ci", nil)
	if err != nil {
		t.Fatal(err)
	}
	if plaintext == "" || key.KeyHash == "" {
		t.Fatal("expected a plaintext key and a persisted hash")
	}

	userID, username, userActive, groups, _, keyActive, err := s.FindActiveKey(ctx, key.KeyHash)
	if err != nil {
		t.Fatal(err)
	}
	if userID != "u1" || username != "alice" || !userActive || !keyActive {
		t.Fatalf("unexpected lookup result: %s %s %v %v %v", userID, username, userActive, groups, keyActive)
	}

	if err := s.RevokeAPIKey(ctx, key.ID); err != nil {
		t.Fatal(err)
	}
	_, _, _, _, _, keyActive, err = s.FindActiveKey(ctx, key.KeyHash)
	if err != nil {
		t.Fatal(err)
	}
	if keyActive {
		t.Fatal("expected key to be inactive after revocation")
	}
}

func TestProvisionFromClaims_SecondSightingKeepsStoredGroups(t *testing.T) {
	s := newTestService(t)
	ctx := context.Background()

	first, err := s.ProvisionFromClaims(ctx, "bob", []string{"from-token"})
	if err != nil {
		t.Fatal(err)
	}
	if len(first.Groups) != 1 || first.Groups[0] != "from-token" {
		t.Fatalf("expected JIT provisioning to adopt token groups, got %v", first.Groups)
	}

	// operator reassigns groups out of band
	first.Groups = domain.GroupList{"eng", "admin"}
	if err := s.db.WithContext(ctx).Save(first).Error; err != nil {
		t.Fatal(err)
	}

	second, err := s.ProvisionFromClaims(ctx, "bob", []string{"from-token-again"})
	if err != nil {
		t.Fatal(err)
	}
	if len(second.Groups) != 2 {
		t.Fatalf("expected the operator-assigned groups to survive a second sighting, got %v", second.Groups)
	}

	groups, found, err := s.GroupsForUsername(ctx, "bob")
	if err != nil {
		t.Fatal(err)
	}
	if !found || len(groups) != 2 {
		t.Fatalf("unexpected GroupsForUsername result: %v found=%v", groups, found)
	}
}
