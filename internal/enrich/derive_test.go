package enrich

import (
	"testing"

	"github.com/sableriver/notewell/backend/internal/profiles"
	"github.com/sableriver/notewell/backend/internal/store"
)

func TestDisplayNamePrecedence(t *testing.T) {
	cases := []struct {
		name     string
		profile  *profiles.Profile
		scope    string
		expected string
	}{
		{
			name: "community override wins inside its scope",
			profile: &profiles.Profile{
				UserID:             "user-1",
				DisplayName:        "Alice",
				Email:              "alice@example.com",
				CommunityNamesJSON: `{"community-9":"Ally"}`,
			},
			scope:    "community-9",
			expected: "Ally",
		},
		{
			name: "override ignored outside its scope",
			profile: &profiles.Profile{
				UserID:             "user-1",
				DisplayName:        "Alice",
				CommunityNamesJSON: `{"community-9":"Ally"}`,
			},
			scope:    "community-2",
			expected: "Alice",
		},
		{
			name:     "display name before email",
			profile:  &profiles.Profile{UserID: "user-1", DisplayName: "Alice", Email: "bob@example.com"},
			expected: "Alice",
		},
		{
			name:     "email local part when no display name",
			profile:  &profiles.Profile{UserID: "user-1", Email: "bob@example.com"},
			expected: "bob",
		},
		{
			name:     "identifier when profile is empty",
			profile:  &profiles.Profile{UserID: "user-1"},
			expected: "user-1",
		},
		{
			name:     "identifier when profile is absent",
			profile:  nil,
			expected: "user-1",
		},
		{
			name:     "blank override falls through",
			profile:  &profiles.Profile{UserID: "user-1", DisplayName: "Alice", CommunityNamesJSON: `{"community-9":"  "}`},
			scope:    "community-9",
			expected: "Alice",
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := DisplayName(tc.profile, tc.scope, "user-1")
			if got != tc.expected {
				t.Fatalf("expected %q, got %q", tc.expected, got)
			}
		})
	}
}

func TestByPayloadFieldExtractsAuthor(t *testing.T) {
	key := ByPayloadField("uid")

	record := store.Record{PayloadJSON: `{"uid":"user-7","title":"x"}`}
	if got := key(record); got != "user-7" {
		t.Fatalf("expected user-7, got %q", got)
	}

	if got := key(store.Record{PayloadJSON: `{"title":"x"}`}); got != "" {
		t.Fatalf("expected empty key for missing field, got %q", got)
	}
	if got := key(store.Record{PayloadJSON: "not-json"}); got != "" {
		t.Fatalf("expected empty key for malformed payload, got %q", got)
	}
	if got := key(store.Record{}); got != "" {
		t.Fatalf("expected empty key for empty payload, got %q", got)
	}
}

func TestDeriveCarriesEmailFromProfile(t *testing.T) {
	record := store.Record{Collection: "notes", BackendID: "n-1", AuthorID: "user-1"}
	profile := profiles.Profile{UserID: "user-1", DisplayName: "Alice", Email: "alice@example.com"}

	enriched := Derive(record, "user-1", &profile, "")
	if enriched.AuthorDisplayName != "Alice" {
		t.Fatalf("unexpected display name %q", enriched.AuthorDisplayName)
	}
	if enriched.AuthorEmail != "alice@example.com" {
		t.Fatalf("unexpected email %q", enriched.AuthorEmail)
	}
	if enriched.Record.BackendID != "n-1" {
		t.Fatalf("expected record to be carried through")
	}
}

func TestDeriveAllUsesSnapshot(t *testing.T) {
	records := []store.Record{
		{Collection: "notes", BackendID: "n-1", AuthorID: "user-1"},
		{Collection: "notes", BackendID: "n-2", AuthorID: "user-2"},
	}
	byAuthor := map[string]profiles.Profile{
		"user-1": {UserID: "user-1", DisplayName: "Alice"},
	}

	enriched := DeriveAll(records, byAuthor, "", ByAuthorID)
	if len(enriched) != 2 {
		t.Fatalf("expected 2 enriched records, got %d", len(enriched))
	}
	if enriched[0].AuthorDisplayName != "Alice" {
		t.Fatalf("expected profile-derived name, got %q", enriched[0].AuthorDisplayName)
	}
	if enriched[1].AuthorDisplayName != "user-2" {
		t.Fatalf("expected identifier fallback, got %q", enriched[1].AuthorDisplayName)
	}
}
