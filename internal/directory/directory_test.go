package directory

import (
	"crypto/tls"
	"errors"
	"testing"

	"github.com/go-ldap/ldap/v3"

	"campus/auth/internal/model"
)

type fakeConn struct {
	bindErrs map[string]error
	entries  []*ldap.Entry
	searched string
	closed   bool
}

func (f *fakeConn) StartTLS(*tls.Config) error { return nil }

func (f *fakeConn) Bind(dn, password string) error {
	if err, ok := f.bindErrs[dn]; ok {
		return err
	}
	return nil
}

func (f *fakeConn) Search(req *ldap.SearchRequest) (*ldap.SearchResult, error) {
	f.searched = req.Filter
	return &ldap.SearchResult{Entries: f.entries}, nil
}

func (f *fakeConn) Close() error {
	f.closed = true
	return nil
}

func userEntry(dn, uid string, groups ...string) *ldap.Entry {
	return &ldap.Entry{
		DN: dn,
		Attributes: []*ldap.EntryAttribute{
			{Name: "uid", Values: []string{uid}},
			{Name: "displayName", Values: []string{"Test User"}},
			{Name: "memberOf", Values: groups},
		},
	}
}

func dialerFor(conn Conn, err error) Dialer {
	return func(string) (Conn, error) {
		if err != nil {
			return nil, err
		}
		return conn, nil
	}
}

func TestAuthenticateSuccess(t *testing.T) {
	conn := &fakeConn{
		entries: []*ldap.Entry{userEntry("uid=jdoe,ou=people,dc=example", "jdoe", "cn=staff,ou=groups,dc=example")},
	}
	dir := New(Config{
		BaseDN:     "dc=example",
		BindDN:     "cn=service,dc=example",
		UserAttr:   "uid",
		GroupRoles: map[string]string{"cn=staff,ou=groups,dc=example": "teacher"},
	}, dialerFor(conn, nil))

	entry, err := dir.Authenticate("jdoe", "secret")
	if err != nil {
		t.Fatalf("authenticate error: %v", err)
	}
	if entry.Username != "jdoe" || entry.DN != "uid=jdoe,ou=people,dc=example" {
		t.Fatalf("unexpected entry: %+v", entry)
	}
	role, ok := entry.Role(dir.GroupRoles())
	if !ok || role != model.RoleTeacher {
		t.Fatalf("expected teacher role, got %v %v", role, ok)
	}
	if !conn.closed {
		t.Fatalf("expected connection closed")
	}
}

func TestAuthenticateBindRejected(t *testing.T) {
	conn := &fakeConn{
		entries: []*ldap.Entry{userEntry("uid=jdoe,ou=people,dc=example", "jdoe")},
		bindErrs: map[string]error{
			"uid=jdoe,ou=people,dc=example": ldap.NewError(ldap.LDAPResultInvalidCredentials, errors.New("invalid credentials")),
		},
	}
	dir := New(Config{BaseDN: "dc=example", UserAttr: "uid"}, dialerFor(conn, nil))

	_, err := dir.Authenticate("jdoe", "wrong")
	if !errors.Is(err, ErrBindFailed) {
		t.Fatalf("expected ErrBindFailed, got %v", err)
	}
}

func TestAuthenticateServiceBindRejectedIsUnavailable(t *testing.T) {
	// A rotated or wrong service password is an operator problem; it must not
	// surface as a user credential failure.
	conn := &fakeConn{
		entries: []*ldap.Entry{userEntry("uid=jdoe,ou=people,dc=example", "jdoe")},
		bindErrs: map[string]error{
			"cn=service,dc=example": ldap.NewError(ldap.LDAPResultInvalidCredentials, errors.New("invalid credentials")),
		},
	}
	dir := New(Config{BaseDN: "dc=example", BindDN: "cn=service,dc=example", UserAttr: "uid"}, dialerFor(conn, nil))

	_, err := dir.Authenticate("jdoe", "secret")
	if !errors.Is(err, ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable, got %v", err)
	}
	if errors.Is(err, ErrBindFailed) {
		t.Fatalf("service bind rejection leaked as ErrBindFailed: %v", err)
	}
}

func TestAuthenticateDialFailure(t *testing.T) {
	dir := New(Config{BaseDN: "dc=example"}, dialerFor(nil, errors.New("connection refused")))

	_, err := dir.Authenticate("jdoe", "secret")
	if !errors.Is(err, ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable, got %v", err)
	}
}

func TestAuthenticateUnknownUser(t *testing.T) {
	conn := &fakeConn{}
	dir := New(Config{BaseDN: "dc=example", UserAttr: "uid"}, dialerFor(conn, nil))

	_, err := dir.Authenticate("ghost", "secret")
	if !errors.Is(err, ErrNoSuchUser) {
		t.Fatalf("expected ErrNoSuchUser, got %v", err)
	}
}

func TestAuthenticateAmbiguousUser(t *testing.T) {
	conn := &fakeConn{
		entries: []*ldap.Entry{
			userEntry("uid=jdoe,ou=a,dc=example", "jdoe"),
			userEntry("uid=jdoe,ou=b,dc=example", "jdoe"),
		},
	}
	dir := New(Config{BaseDN: "dc=example", UserAttr: "uid"}, dialerFor(conn, nil))

	_, err := dir.Authenticate("jdoe", "secret")
	if !errors.Is(err, ErrBadEntry) {
		t.Fatalf("expected ErrBadEntry, got %v", err)
	}
}

func TestSearchFilterEscapesUsername(t *testing.T) {
	conn := &fakeConn{
		entries: []*ldap.Entry{userEntry("uid=x,dc=example", "x")},
	}
	dir := New(Config{BaseDN: "dc=example", UserAttr: "uid"}, dialerFor(conn, nil))

	_, _ = dir.Authenticate("x)(uid=*", "secret")
	if conn.searched == "(uid=x)(uid=*)" {
		t.Fatalf("filter injection not escaped: %s", conn.searched)
	}
}

func TestEntryRoleUnknownGroup(t *testing.T) {
	entry := Entry{Groups: []string{"cn=misc,ou=groups,dc=example"}}
	if _, ok := entry.Role(map[string]string{"cn=staff,ou=groups,dc=example": "teacher"}); ok {
		t.Fatalf("expected no role match")
	}
}
