// Package directory is the typed boundary in front of the external LDAP
// directory. Search results are validated into an Entry before any field is
// trusted; transport failures stay distinguishable from bind rejections so
// the caller can fail closed with the right cause.
package directory

import (
	"crypto/tls"
	"errors"
	"fmt"
	"strings"

	"github.com/go-ldap/ldap/v3"

	"campus/auth/internal/model"
)

var (
	ErrUnavailable = errors.New("directory_unavailable")
	ErrBindFailed  = errors.New("directory_bind_failed")
	ErrNoSuchUser  = errors.New("directory_user_not_found")
	ErrBadEntry    = errors.New("directory_entry_invalid")
)

type Config struct {
	URL          string
	StartTLS     bool
	BaseDN       string
	BindDN       string
	BindPassword string
	// UserAttr is the attribute usernames are matched against, e.g. "uid".
	UserAttr string
	// GroupRoles maps a membership group DN to a role tag.
	GroupRoles map[string]string
}

// Entry is a validated directory record.
type Entry struct {
	DN          string
	Username    string
	DisplayName string
	Groups      []string
}

// Role classifies the entry from its group memberships. Returns false when
// no configured group matches.
func (e Entry) Role(groupRoles map[string]string) (model.Role, bool) {
	for _, group := range e.Groups {
		if tag, ok := groupRoles[strings.ToLower(group)]; ok {
			role := model.Role(tag)
			if model.ValidRole(role) {
				return role, true
			}
		}
	}
	return "", false
}

// Conn is the subset of *ldap.Conn the directory uses; a fake stands in for
// it in tests.
type Conn interface {
	StartTLS(config *tls.Config) error
	Bind(username, password string) error
	Search(request *ldap.SearchRequest) (*ldap.SearchResult, error)
	Close() error
}

type Dialer func(url string) (Conn, error)

func DefaultDialer(url string) (Conn, error) {
	return ldap.DialURL(url)
}

type Directory struct {
	cfg  Config
	dial Dialer
}

func New(cfg Config, dial Dialer) *Directory {
	if dial == nil {
		dial = DefaultDialer
	}
	if cfg.UserAttr == "" {
		cfg.UserAttr = "uid"
	}
	normalized := make(map[string]string, len(cfg.GroupRoles))
	for group, role := range cfg.GroupRoles {
		normalized[strings.ToLower(group)] = role
	}
	cfg.GroupRoles = normalized
	return &Directory{cfg: cfg, dial: dial}
}

func (d *Directory) GroupRoles() map[string]string {
	return d.cfg.GroupRoles
}

// Authenticate opens a connection, optionally negotiates TLS, binds with the
// service account, resolves the user's entry, and finally binds as the user.
// Only a rejected user bind surfaces as ErrBindFailed; service bind and
// transport failures are ErrUnavailable.
func (d *Directory) Authenticate(username, password string) (Entry, error) {
	conn, err := d.dial(d.cfg.URL)
	if err != nil {
		return Entry{}, fmt.Errorf("%w: dial: %v", ErrUnavailable, err)
	}
	defer conn.Close()

	if d.cfg.StartTLS {
		if err := conn.StartTLS(&tls.Config{MinVersion: tls.VersionTLS12}); err != nil {
			return Entry{}, fmt.Errorf("%w: starttls: %v", ErrUnavailable, err)
		}
	}

	// A rejected service bind is operator misconfiguration, not a statement
	// about the user's password. It must never read as a credential failure.
	if d.cfg.BindDN != "" {
		if err := conn.Bind(d.cfg.BindDN, d.cfg.BindPassword); err != nil {
			return Entry{}, fmt.Errorf("%w: service bind: %v", ErrUnavailable, err)
		}
	}

	entry, err := d.searchUser(conn, username)
	if err != nil {
		return Entry{}, err
	}

	if err := conn.Bind(entry.DN, password); err != nil {
		return Entry{}, classifyUserBindError(err)
	}

	return entry, nil
}

func (d *Directory) searchUser(conn Conn, username string) (Entry, error) {
	request := ldap.NewSearchRequest(
		d.cfg.BaseDN,
		ldap.ScopeWholeSubtree,
		ldap.NeverDerefAliases,
		2, 0, false,
		fmt.Sprintf("(%s=%s)", d.cfg.UserAttr, ldap.EscapeFilter(username)),
		[]string{d.cfg.UserAttr, "displayName", "cn", "memberOf"},
		nil,
	)
	result, err := conn.Search(request)
	if err != nil {
		return Entry{}, fmt.Errorf("%w: search: %v", ErrUnavailable, err)
	}
	if len(result.Entries) == 0 {
		return Entry{}, ErrNoSuchUser
	}
	if len(result.Entries) > 1 {
		return Entry{}, fmt.Errorf("%w: ambiguous username %q", ErrBadEntry, username)
	}
	return validateEntry(result.Entries[0], d.cfg.UserAttr)
}

func validateEntry(raw *ldap.Entry, userAttr string) (Entry, error) {
	if raw == nil || raw.DN == "" {
		return Entry{}, fmt.Errorf("%w: missing dn", ErrBadEntry)
	}
	username := raw.GetAttributeValue(userAttr)
	if username == "" {
		return Entry{}, fmt.Errorf("%w: missing %s attribute", ErrBadEntry, userAttr)
	}
	displayName := raw.GetAttributeValue("displayName")
	if displayName == "" {
		displayName = raw.GetAttributeValue("cn")
	}
	return Entry{
		DN:          raw.DN,
		Username:    username,
		DisplayName: displayName,
		Groups:      raw.GetAttributeValues("memberOf"),
	}, nil
}

func classifyUserBindError(err error) error {
	if ldap.IsErrorWithCode(err, ldap.LDAPResultInvalidCredentials) {
		return fmt.Errorf("%w: user bind", ErrBindFailed)
	}
	return fmt.Errorf("%w: user bind: %v", ErrUnavailable, err)
}
