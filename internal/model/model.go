package model

import "time"

type Status string

const (
	StatusDisabled Status = "disabled"
	StatusEnabled  Status = "enabled"
	StatusBlocked  Status = "blocked"
	StatusDeleted  Status = "deleted"
)

func ValidStatus(status Status) bool {
	switch status {
	case StatusDisabled, StatusEnabled, StatusBlocked, StatusDeleted:
		return true
	default:
		return false
	}
}

type Role string

const (
	RoleStudent Role = "student"
	RoleTeacher Role = "teacher"
	RoleDevice  Role = "device"
	RoleAdmin   Role = "admin"
)

func ValidRole(role Role) bool {
	switch role {
	case RoleStudent, RoleTeacher, RoleDevice, RoleAdmin:
		return true
	default:
		return false
	}
}

type Identity struct {
	ID             string
	Username       string
	DisplayName    string
	Role           Role
	Status         Status
	PasswordHash   *string
	SecondFactorOn bool
	GlobalAdmin    bool
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// Session is the ledger entry a signed token points at. The row existing is
// what makes the token valid; the signature alone is never enough.
type Session struct {
	ID         string
	IdentityID string
	CreatedAt  time.Time
}

type SecondFactorCredential struct {
	ID         string
	IdentityID string
	Secret     string
	Alias      string
	Verified   bool
	CreatedAt  time.Time
}

// Resource categories carrying per-identity grant levels.
const (
	CategoryCourses       = "courses"
	CategoryLessons       = "lessons"
	CategoryExams         = "exams"
	CategoryAnnouncements = "announcements"
	CategoryCalendar      = "calendar"
)

func Categories() []string {
	return []string{
		CategoryCourses,
		CategoryLessons,
		CategoryExams,
		CategoryAnnouncements,
		CategoryCalendar,
	}
}

// Grant levels: 0 none, 1 use, 2 administer.
const (
	GrantNone       = 0
	GrantUse        = 1
	GrantAdminister = 2
)

type PermissionGrant struct {
	IdentityID string
	Category   string
	Level      int
}

type Capability struct {
	Use        bool `json:"use"`
	Administer bool `json:"administer"`
}

type CapabilitySet struct {
	GlobalAdmin bool                  `json:"globalAdmin"`
	Categories  map[string]Capability `json:"categories"`
}

func (c CapabilitySet) Can(category string) bool {
	if c.GlobalAdmin {
		return true
	}
	return c.Categories[category].Use
}

func (c CapabilitySet) CanAdminister(category string) bool {
	if c.GlobalAdmin {
		return true
	}
	return c.Categories[category].Administer
}
