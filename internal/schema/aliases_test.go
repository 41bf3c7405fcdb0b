package schema

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalizeTable(t *testing.T) {
	tests := []struct {
		input    string
		expected string
		valid    bool
	}{
		{"event", TableEvents, true},
		{"Events", TableEvents, true},
		{"registration", TableRegistrations, true},
		{"participant-registrations", TableRegistrations, true},
		{"organizer", TableOrganizers, true},
		{"organizer_credentials", TableOrganizers, true},
		{"test", TableTests, true},
		{"PRE_QUALIFIER_TESTS", TableTests, true},
		{"institutions", TableInstitutions, true},
		{" participating_institution ", TableInstitutions, true},
		{"news", TableNews, true},
		{"news-updates", TableNews, true},

		{"", "", false},
		{"sponsor", "", false},
		{"eventss", "", false},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got, ok := NormalizeTable(tt.input)
			assert.Equal(t, tt.valid, ok)
			assert.Equal(t, tt.expected, got)
		})
	}
}

func TestResolve(t *testing.T) {
	reg := Default()

	got, err := reg.Resolve("news")
	require.NoError(t, err)
	assert.Equal(t, TableNews, got)

	got, err = reg.Resolve(TableEvents)
	require.NoError(t, err)
	assert.Equal(t, TableEvents, got)

	_, err = reg.Resolve("sponsors")
	assert.ErrorIs(t, err, ErrUnknownTable)

	// Aliases only resolve to tables the registry holds.
	small := MustRegistry(Table{Name: "items", Fields: []FieldSpec{{Name: "title", Type: TypeString}}})
	_, err = small.Resolve("news")
	assert.ErrorIs(t, err, ErrUnknownTable)
}
