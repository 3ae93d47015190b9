package auth

import (
	"context"
	"testing"
)

func TestHutchAccessRepository_SetAndGetHutchAccess(t *testing.T) {
	db := testDB(t)
	seedTestHutches(t, db)
	user := seedTestUser(t, db, "aweber", RoleOperator)
	repo := NewHutchAccessRepository(db)
	ctx := context.Background()

	// Initially no access
	access, err := repo.GetHutchAccess(ctx, user.ID)
	if err != nil {
		t.Fatalf("GetHutchAccess() error = %v", err)
	}
	if len(access) != 0 {
		t.Errorf("should have no access initially, got %d", len(access))
	}

	// Grant access to hutch B (with plans) and hutch A (without plans)
	grants := []HutchAccessGrant{
		{HutchID: "hutch-b", CanRunPlans: true},
		{HutchID: "hutch-a", CanRunPlans: false},
	}
	if err := repo.SetHutchAccess(ctx, user.ID, grants, ""); err != nil { //nolint:govet // shadow: err re-declared in test
		t.Fatalf("SetHutchAccess() error = %v", err)
	}

	access, err = repo.GetHutchAccess(ctx, user.ID)
	if err != nil {
		t.Fatalf("GetHutchAccess() error = %v", err)
	}
	if len(access) != 2 {
		t.Fatalf("GetHutchAccess() returned %d, want 2", len(access))
	}

	// Verify order (by hutch_id) and values
	if access[0].HutchID != "hutch-a" || access[0].CanRunPlans {
		t.Errorf("access[0] = %+v, want hutch-a without plans", access[0])
	}
	if access[1].HutchID != "hutch-b" || !access[1].CanRunPlans {
		t.Errorf("access[1] = %+v, want hutch-b with plans", access[1])
	}
}

func TestHutchAccessRepository_GetAccessibleHutchIDs(t *testing.T) {
	db := testDB(t)
	seedTestHutches(t, db)
	user := seedTestUser(t, db, "mchen", RoleOperator)
	repo := NewHutchAccessRepository(db)
	ctx := context.Background()

	grants := []HutchAccessGrant{
		{HutchID: "hutch-a", CanRunPlans: true},
		{HutchID: "hutch-b", CanRunPlans: true},
		{HutchID: "hutch-c", CanRunPlans: false},
	}
	repo.SetHutchAccess(ctx, user.ID, grants, "") //nolint:errcheck // test setup

	hutchIDs, err := repo.GetAccessibleHutchIDs(ctx, user.ID)
	if err != nil {
		t.Fatalf("GetAccessibleHutchIDs() error = %v", err)
	}
	if len(hutchIDs) != 3 {
		t.Errorf("GetAccessibleHutchIDs() returned %d, want 3", len(hutchIDs))
	}
}

func TestHutchAccessRepository_GetPlanRunHutchIDs(t *testing.T) {
	db := testDB(t)
	seedTestHutches(t, db)
	user := seedTestUser(t, db, "visitor", RoleOperator)
	repo := NewHutchAccessRepository(db)
	ctx := context.Background()

	grants := []HutchAccessGrant{
		{HutchID: "hutch-b", CanRunPlans: true},
		{HutchID: "hutch-a", CanRunPlans: false},
		{HutchID: "hutch-c", CanRunPlans: false},
	}
	repo.SetHutchAccess(ctx, user.ID, grants, "") //nolint:errcheck // test setup

	planHutches, err := repo.GetPlanRunHutchIDs(ctx, user.ID)
	if err != nil {
		t.Fatalf("GetPlanRunHutchIDs() error = %v", err)
	}
	if len(planHutches) != 1 {
		t.Fatalf("GetPlanRunHutchIDs() returned %d, want 1", len(planHutches))
	}
	if planHutches[0] != "hutch-b" {
		t.Errorf("plan hutch = %q, want %q", planHutches[0], "hutch-b")
	}
}

func TestHutchAccessRepository_ClearHutchAccess(t *testing.T) {
	db := testDB(t)
	seedTestHutches(t, db)
	user := seedTestUser(t, db, "clearme", RoleOperator)
	repo := NewHutchAccessRepository(db)
	ctx := context.Background()

	grants := []HutchAccessGrant{
		{HutchID: "hutch-a", CanRunPlans: false},
	}
	repo.SetHutchAccess(ctx, user.ID, grants, "") //nolint:errcheck // test setup

	if err := repo.ClearHutchAccess(ctx, user.ID); err != nil {
		t.Fatalf("ClearHutchAccess() error = %v", err)
	}

	hutchIDs, _ := repo.GetAccessibleHutchIDs(ctx, user.ID)
	if len(hutchIDs) != 0 {
		t.Errorf("after clear, GetAccessibleHutchIDs() returned %d, want 0", len(hutchIDs))
	}
}

func TestHutchAccessRepository_SetHutchAccess_Replaces(t *testing.T) {
	db := testDB(t)
	seedTestHutches(t, db)
	user := seedTestUser(t, db, "replaceme", RoleOperator)
	repo := NewHutchAccessRepository(db)
	ctx := context.Background()

	// Initial grants
	grants1 := []HutchAccessGrant{
		{HutchID: "hutch-a", CanRunPlans: false},
		{HutchID: "hutch-b", CanRunPlans: false},
	}
	repo.SetHutchAccess(ctx, user.ID, grants1, "") //nolint:errcheck // test setup

	// Replace with different grants
	grants2 := []HutchAccessGrant{
		{HutchID: "hutch-d", CanRunPlans: true},
	}
	if err := repo.SetHutchAccess(ctx, user.ID, grants2, ""); err != nil {
		t.Fatalf("SetHutchAccess(replace) error = %v", err)
	}

	hutchIDs, _ := repo.GetAccessibleHutchIDs(ctx, user.ID)
	if len(hutchIDs) != 1 {
		t.Fatalf("after replace, got %d hutches, want 1", len(hutchIDs))
	}
	if hutchIDs[0] != "hutch-d" {
		t.Errorf("hutch = %q, want %q", hutchIDs[0], "hutch-d")
	}
}

func TestHutchAccessRepository_ResolveHutchScope(t *testing.T) {
	db := testDB(t)
	seedTestHutches(t, db)
	user := seedTestUser(t, db, "scopeuser", RoleOperator)
	repo := NewHutchAccessRepository(db)
	ctx := context.Background()

	grants := []HutchAccessGrant{
		{HutchID: "hutch-b", CanRunPlans: true},
		{HutchID: "hutch-a", CanRunPlans: false},
		{HutchID: "hutch-c", CanRunPlans: false},
	}
	repo.SetHutchAccess(ctx, user.ID, grants, "") //nolint:errcheck // test setup

	scope, err := repo.ResolveHutchScope(ctx, user.ID)
	if err != nil {
		t.Fatalf("ResolveHutchScope() error = %v", err)
	}

	if len(scope.HutchIDs) != 3 {
		t.Errorf("HutchIDs count = %d, want 3", len(scope.HutchIDs))
	}
	if len(scope.PlanRunHutchIDs) != 1 {
		t.Errorf("PlanRunHutchIDs count = %d, want 1", len(scope.PlanRunHutchIDs))
	}

	// Test CanAccessHutch
	if !scope.CanAccessHutch("hutch-a") {
		t.Error("should have access to hutch-a")
	}
	if scope.CanAccessHutch("hutch-d") {
		t.Error("should NOT have access to hutch-d")
	}

	// Test CanRunPlansInHutch
	if !scope.CanRunPlansInHutch("hutch-b") {
		t.Error("should be able to run plans in hutch-b")
	}
	if scope.CanRunPlansInHutch("hutch-a") {
		t.Error("should NOT be able to run plans in hutch-a")
	}
}

func TestHutchAccessRepository_ResolveHutchScope_NoGrants(t *testing.T) {
	db := testDB(t)
	user := seedTestUser(t, db, "nogrants", RoleOperator)
	repo := NewHutchAccessRepository(db)

	scope, err := repo.ResolveHutchScope(context.Background(), user.ID)
	if err != nil {
		t.Fatalf("ResolveHutchScope() error = %v", err)
	}

	if len(scope.HutchIDs) != 0 {
		t.Errorf("HutchIDs should be empty for user with no grants, got %d", len(scope.HutchIDs))
	}
	if scope.CanAccessHutch("any-hutch") {
		t.Error("user with no grants should not have access to any hutch")
	}
}

func TestHutchScope_NilIsUnrestricted(t *testing.T) {
	var scope *HutchScope // nil = unrestricted (admin/owner)

	if !scope.CanAccessHutch("any-hutch") {
		t.Error("nil scope should allow access to any hutch")
	}
	if !scope.CanRunPlansInHutch("any-hutch") {
		t.Error("nil scope should allow plan submission in any hutch")
	}
}
