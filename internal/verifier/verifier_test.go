package verifier

import (
	"context"
	"errors"
	"testing"

	"campus/auth/internal/auth"
	"campus/auth/internal/crypto"
	"campus/auth/internal/directory"
	"campus/auth/internal/model"
)

type fakeIdentities struct {
	identities map[string]model.Identity
	hashes     map[string]string
}

func (f *fakeIdentities) GetIdentityByUsername(_ context.Context, username string) (model.Identity, error) {
	identity, ok := f.identities[username]
	if !ok {
		return model.Identity{}, errors.New("no rows")
	}
	return identity, nil
}

func (f *fakeIdentities) CreateIdentity(_ context.Context, identity model.Identity) error {
	if f.identities == nil {
		f.identities = map[string]model.Identity{}
	}
	f.identities[identity.Username] = identity
	return nil
}

func (f *fakeIdentities) UpdatePasswordHash(_ context.Context, identityID, hash string) error {
	if f.hashes == nil {
		f.hashes = map[string]string{}
	}
	f.hashes[identityID] = hash
	return nil
}

type fakeDirectory struct {
	err    error
	groups []string
}

func (f *fakeDirectory) Authenticate(username, password string) (directory.Entry, error) {
	if f.err != nil {
		return directory.Entry{}, f.err
	}
	return directory.Entry{
		DN:          "uid=" + username,
		Username:    username,
		DisplayName: "Dir " + username,
		Groups:      f.groups,
	}, nil
}

var staffGroups = map[string]string{"cn=staff,ou=groups": "teacher"}

func TestLocalVerify(t *testing.T) {
	hash, err := crypto.HashPasswordCost("correct horse", 4)
	if err != nil {
		t.Fatalf("hash error: %v", err)
	}
	store := &fakeIdentities{identities: map[string]model.Identity{
		"teacher1": {ID: "id-1", Username: "teacher1", PasswordHash: &hash},
		"nohash":   {ID: "id-2", Username: "nohash"},
	}}
	v := NewLocal(store)

	if err := v.Verify(context.Background(), "teacher1", "correct horse"); err != nil {
		t.Fatalf("expected verify success, got %v", err)
	}
	if err := v.Verify(context.Background(), "teacher1", "wrong"); !errors.Is(err, auth.ErrCredentialInvalid) {
		t.Fatalf("expected ErrCredentialInvalid, got %v", err)
	}
	if err := v.Verify(context.Background(), "nohash", "anything"); !errors.Is(err, auth.ErrCredentialInvalid) {
		t.Fatalf("expected ErrCredentialInvalid for missing hash, got %v", err)
	}
	if err := v.Verify(context.Background(), "ghost", "anything"); !errors.Is(err, auth.ErrCredentialInvalid) {
		t.Fatalf("expected ErrCredentialInvalid for unknown identity, got %v", err)
	}
}

func TestDirectoryVerifySuccessRefreshesCache(t *testing.T) {
	store := &fakeIdentities{identities: map[string]model.Identity{
		"teacher1": {ID: "id-1", Username: "teacher1"},
	}}
	v := NewDirectory(&fakeDirectory{groups: []string{"cn=staff,ou=groups"}}, store, staffGroups, 4)

	if err := v.Verify(context.Background(), "teacher1", "secret"); err != nil {
		t.Fatalf("expected verify success, got %v", err)
	}
	hash, ok := store.hashes["id-1"]
	if !ok {
		t.Fatalf("expected write-through hash cache refresh")
	}
	if err := crypto.CheckPassword(hash, "secret"); err != nil {
		t.Fatalf("cached hash does not match password: %v", err)
	}
}

func TestDirectoryVerifyBindRejected(t *testing.T) {
	v := NewDirectory(&fakeDirectory{err: directory.ErrBindFailed}, &fakeIdentities{}, staffGroups, 4)

	err := v.Verify(context.Background(), "teacher1", "wrong")
	if !errors.Is(err, auth.ErrCredentialInvalid) {
		t.Fatalf("expected ErrCredentialInvalid, got %v", err)
	}
}

func TestDirectoryVerifyUnavailableFailsClosed(t *testing.T) {
	v := NewDirectory(&fakeDirectory{err: directory.ErrUnavailable}, &fakeIdentities{}, staffGroups, 4)

	err := v.Verify(context.Background(), "teacher1", "secret")
	if !errors.Is(err, auth.ErrDirectoryUnavailable) {
		t.Fatalf("expected ErrDirectoryUnavailable, got %v", err)
	}
}

func TestDirectoryVerifyProvisionsUnknownUser(t *testing.T) {
	// First directory sync: a user unknown locally is created from the
	// authenticated entry with the role classified from group membership.
	store := &fakeIdentities{}
	v := NewDirectory(&fakeDirectory{groups: []string{"cn=staff,ou=groups"}}, store, staffGroups, 4)

	if err := v.Verify(context.Background(), "newuser", "secret"); err != nil {
		t.Fatalf("expected verify success, got %v", err)
	}
	identity, ok := store.identities["newuser"]
	if !ok {
		t.Fatalf("expected identity provisioned on first sync")
	}
	if identity.Role != model.RoleTeacher || identity.Status != model.StatusEnabled {
		t.Fatalf("unexpected provisioned identity: %+v", identity)
	}
	if identity.DisplayName != "Dir newuser" {
		t.Fatalf("expected display name from directory entry, got %q", identity.DisplayName)
	}
	if _, ok := store.hashes[identity.ID]; !ok {
		t.Fatalf("expected hash cache refresh for provisioned identity")
	}
}

func TestDirectoryVerifyUnmappedGroupsRejected(t *testing.T) {
	store := &fakeIdentities{}
	v := NewDirectory(&fakeDirectory{groups: []string{"cn=misc,ou=groups"}}, store, staffGroups, 4)

	err := v.Verify(context.Background(), "newuser", "secret")
	if !errors.Is(err, auth.ErrCredentialInvalid) {
		t.Fatalf("expected ErrCredentialInvalid, got %v", err)
	}
	if len(store.identities) != 0 {
		t.Fatalf("expected no identity provisioned for unmapped groups")
	}
}
