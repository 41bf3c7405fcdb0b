package schema

import (
	"fmt"
	"strings"
)

// NormalizeTable maps a table name or one of its short aliases to the
// canonical table name. Matching is case-insensitive and accepts dashes
// in place of underscores.
func NormalizeTable(name string) (string, bool) {
	switch strings.ReplaceAll(strings.ToLower(strings.TrimSpace(name)), "-", "_") {
	case "event", "events":
		return TableEvents, true
	case "registration", "registrations", "participant_registration", "participant_registrations":
		return TableRegistrations, true
	case "organizer", "organizers", "organizer_credential", "organizer_credentials":
		return TableOrganizers, true
	case "test", "tests", "pre_qualifier_test", "pre_qualifier_tests":
		return TableTests, true
	case "institution", "institutions", "participating_institution", "participating_institutions":
		return TableInstitutions, true
	case "news", "news_update", "news_updates":
		return TableNews, true
	default:
		return "", false
	}
}

// Resolve returns the canonical name of a registered table, accepting the
// aliases understood by NormalizeTable as well as exact registered names.
func (r *Registry) Resolve(name string) (string, error) {
	if r.Has(name) {
		return name, nil
	}
	if canonical, ok := NormalizeTable(name); ok && r.Has(canonical) {
		return canonical, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownTable, name)
}
