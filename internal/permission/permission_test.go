package permission

import (
	"context"
	"testing"

	"campus/auth/internal/model"
)

type fakeGrants struct {
	grants []model.PermissionGrant
}

func (f *fakeGrants) GetGrantsByIdentity(context.Context, string) ([]model.PermissionGrant, error) {
	return f.grants, nil
}

type fakeIdentities struct {
	identity model.Identity
}

func (f *fakeIdentities) GetIdentityByID(context.Context, string) (model.Identity, error) {
	return f.identity, nil
}

func TestResolveLevels(t *testing.T) {
	identity := model.Identity{ID: "id-1"}
	grants := []model.PermissionGrant{
		{IdentityID: "id-1", Category: model.CategoryCourses, Level: model.GrantUse},
		{IdentityID: "id-1", Category: model.CategoryExams, Level: model.GrantAdminister},
		{IdentityID: "id-1", Category: model.CategoryAnnouncements, Level: model.GrantUse},
	}

	set := ResolveFrom(identity, grants)

	if !set.Can(model.CategoryCourses) || set.CanAdminister(model.CategoryCourses) {
		t.Fatalf("level 1 must grant use only: %+v", set.Categories[model.CategoryCourses])
	}
	if !set.Can(model.CategoryExams) || !set.CanAdminister(model.CategoryExams) {
		t.Fatalf("level 2 must grant use and administer: %+v", set.Categories[model.CategoryExams])
	}
	if set.Can(model.CategoryLessons) || set.CanAdminister(model.CategoryLessons) {
		t.Fatalf("absent grant must resolve to nothing: %+v", set.Categories[model.CategoryLessons])
	}
}

func TestResolveAnnouncementsSymmetric(t *testing.T) {
	// Level 1 on announcements grants the base capability like every other
	// category, not the administrative one.
	set := ResolveFrom(model.Identity{ID: "id-1"}, []model.PermissionGrant{
		{IdentityID: "id-1", Category: model.CategoryAnnouncements, Level: model.GrantUse},
	})
	if !set.Can(model.CategoryAnnouncements) {
		t.Fatalf("expected base announcements capability at level 1")
	}
	if set.CanAdminister(model.CategoryAnnouncements) {
		t.Fatalf("level 1 must not grant administrative announcements capability")
	}
}

func TestResolveGlobalAdminOverridesEverything(t *testing.T) {
	set := ResolveFrom(model.Identity{ID: "id-1", GlobalAdmin: true}, nil)

	if !set.GlobalAdmin {
		t.Fatalf("expected global admin flag")
	}
	for _, category := range model.Categories() {
		if !set.Can(category) || !set.CanAdminister(category) {
			t.Fatalf("global admin must grant every capability, missing %s", category)
		}
	}
}

func TestResolverLoadsFreshState(t *testing.T) {
	grants := &fakeGrants{grants: []model.PermissionGrant{
		{IdentityID: "id-1", Category: model.CategoryCourses, Level: model.GrantUse},
	}}
	resolver := NewResolver(grants, &fakeIdentities{identity: model.Identity{ID: "id-1"}})

	set, err := resolver.Resolve(context.Background(), "id-1")
	if err != nil {
		t.Fatalf("resolve error: %v", err)
	}
	if !set.Can(model.CategoryCourses) {
		t.Fatalf("expected courses capability")
	}

	// A grant change is visible on the very next resolution.
	grants.grants = nil
	set, err = resolver.Resolve(context.Background(), "id-1")
	if err != nil {
		t.Fatalf("resolve error: %v", err)
	}
	if set.Can(model.CategoryCourses) {
		t.Fatalf("revoked grant must disappear without caching")
	}
}
