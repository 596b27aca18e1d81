package enrich

import (
	"encoding/json"
	"strings"

	"github.com/sableriver/notewell/backend/internal/profiles"
	"github.com/sableriver/notewell/backend/internal/store"
)

// AuthorKeyFunc extracts the author identifier a record references. The key
// is caller-supplied so the join works for records keyed by their author
// column as well as for payloads carrying their own identifier field.
type AuthorKeyFunc func(store.Record) string

// ByAuthorID keys records by their author column.
func ByAuthorID(record store.Record) string {
	return record.AuthorID
}

// ByPayloadField keys records by a string field inside their JSON payload,
// e.g. "uid" for personal records.
func ByPayloadField(field string) AuthorKeyFunc {
	return func(record store.Record) string {
		if strings.TrimSpace(record.PayloadJSON) == "" {
			return ""
		}
		var payload map[string]interface{}
		if err := json.Unmarshal([]byte(record.PayloadJSON), &payload); err != nil {
			return ""
		}
		value, ok := payload[field].(string)
		if !ok {
			return ""
		}
		return value
	}
}

// EnrichedRecord is a record decorated with display fields derived from its
// author's profile.
type EnrichedRecord struct {
	Record            store.Record
	AuthorID          string
	AuthorDisplayName string
	AuthorEmail       string
}

// DisplayName derives the name to show for an author. Precedence: the
// community-scoped override when a scope is given, then the profile display
// name, then the local part of the email address, then the raw identifier.
func DisplayName(profile *profiles.Profile, communityScope, authorID string) string {
	if profile != nil {
		if communityScope != "" {
			if custom, ok := profile.CommunityNames()[communityScope]; ok && strings.TrimSpace(custom) != "" {
				return custom
			}
		}
		if name := strings.TrimSpace(profile.DisplayName); name != "" {
			return name
		}
		if local := profile.EmailLocalPart(); local != "" {
			return local
		}
	}
	return authorID
}

// Derive decorates one record with fields from the given profile. A nil
// profile degrades to identifier-only display.
func Derive(record store.Record, authorID string, profile *profiles.Profile, communityScope string) EnrichedRecord {
	enriched := EnrichedRecord{
		Record:            record,
		AuthorID:          authorID,
		AuthorDisplayName: DisplayName(profile, communityScope, authorID),
	}
	if profile != nil {
		enriched.AuthorEmail = profile.Email
	}
	return enriched
}

// DeriveAll decorates every record using the supplied profile snapshot. It is
// the one-shot counterpart of a live Join, used where no standing
// subscription is needed.
func DeriveAll(records []store.Record, byAuthor map[string]profiles.Profile, communityScope string, key AuthorKeyFunc) []EnrichedRecord {
	enriched := make([]EnrichedRecord, 0, len(records))
	for _, record := range records {
		authorID := key(record)
		var profile *profiles.Profile
		if found, ok := byAuthor[authorID]; ok {
			profileCopy := found
			profile = &profileCopy
		}
		enriched = append(enriched, Derive(record, authorID, profile, communityScope))
	}
	return enriched
}
