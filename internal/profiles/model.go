package profiles

import (
	"encoding/json"
	"strings"
	"time"
)

// Profile captures the per-user identity record referenced by note and
// community records: display name, email, and optional per-community display
// name overrides.
type Profile struct {
	UserID             string    `gorm:"column:user_id;primaryKey;size:190;not null"`
	DisplayName        string    `gorm:"column:display_name;size:320"`
	Email              string    `gorm:"column:email;size:320"`
	AvatarURL          string    `gorm:"column:avatar_url;size:512"`
	CommunityNamesJSON string    `gorm:"column:community_names_json;type:text;not null;default:''"`
	CreatedAt          time.Time `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt          time.Time `gorm:"column:updated_at;autoUpdateTime"`
}

// TableName exposes the table backing user profiles.
func (Profile) TableName() string {
	return "user_profiles"
}

// CommunityNames decodes the per-community display name overrides. A missing
// or malformed map decodes to empty.
func (p Profile) CommunityNames() map[string]string {
	if strings.TrimSpace(p.CommunityNamesJSON) == "" {
		return map[string]string{}
	}
	names := map[string]string{}
	if err := json.Unmarshal([]byte(p.CommunityNamesJSON), &names); err != nil {
		return map[string]string{}
	}
	return names
}

// EmailLocalPart returns the part of the email address before the '@', or an
// empty string when no address is present.
func (p Profile) EmailLocalPart() string {
	email := strings.TrimSpace(p.Email)
	if email == "" {
		return ""
	}
	if at := strings.Index(email, "@"); at > 0 {
		return email[:at]
	}
	return email
}
