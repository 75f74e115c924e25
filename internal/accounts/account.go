package accounts

import (
	"strings"
	"time"
)

// Role is the authorization level of an account, fixed at creation.
type Role string

const (
	RoleUser  Role = "user"
	RoleAdmin Role = "admin"
)

// Account is the durable local identity record. Email is stored lower-cased and is unique;
// ProviderID is the Google subject and is unique when present.
type Account struct {
	ID                 uint      `gorm:"column:id;primaryKey;autoIncrement"`
	Name               string    `gorm:"column:name;size:255;not null"`
	Email              string    `gorm:"column:email;size:320;not null;uniqueIndex"`
	PasswordCredential string    `gorm:"column:password;size:255;not null;default:''"`
	ProviderID         *string   `gorm:"column:provider_id;size:190;uniqueIndex"`
	Role               Role      `gorm:"column:role;size:16;not null;default:user"`
	CreatedAt          time.Time `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt          time.Time `gorm:"column:updated_at;autoUpdateTime"`
}

// TableName exposes the table backing accounts.
func (Account) TableName() string {
	return "accounts"
}

// HasProvider reports whether a federated identity is linked.
func (a Account) HasProvider() bool {
	return a.ProviderID != nil && *a.ProviderID != ""
}

// HasPassword reports whether the account can log in locally.
func (a Account) HasPassword() bool {
	return a.PasswordCredential != ""
}

// Summary is the public view of an account returned to clients.
type Summary struct {
	ID    uint   `json:"id"`
	Name  string `json:"name"`
	Email string `json:"email"`
	Role  Role   `json:"role"`
}

// Summary converts the account into its public view.
func (a Account) Summary() Summary {
	return Summary{ID: a.ID, Name: a.Name, Email: a.Email, Role: a.Role}
}

// IsAdmin reports whether the summary carries the admin role.
func (s Summary) IsAdmin() bool {
	return s.Role == RoleAdmin
}

// NormalizeEmail trims and lower-cases an email so lookups and inserts agree.
func NormalizeEmail(value string) string {
	return strings.ToLower(strings.TrimSpace(value))
}
