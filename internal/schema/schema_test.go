package schema

import (
	"errors"
	"testing"
	"time"

	"github.com/sebdah/goldie/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testNow = time.Date(2025, 2, 14, 9, 30, 0, 0, time.UTC)

func validEvent() map[string]any {
	return map[string]any{
		"title":                 "Hackathon",
		"description":           "24h build",
		"category":              "coding",
		"start_date":            "2025-03-01T09:00:00Z",
		"end_date":              "2025-03-02T09:00:00+05:30",
		"location":              "Main Hall",
		"max_participants":      120,
		"registration_deadline": "2025-02-25",
		"organizer_id":          "org-1",
	}
}

func TestDescribe(t *testing.T) {
	r := Default()

	fields, err := r.Describe(TableEvents)
	require.NoError(t, err)
	require.GreaterOrEqual(t, len(fields), 3)
	assert.Equal(t, FieldID, fields[0].Name)
	assert.True(t, fields[0].System)

	_, err = r.Describe("sponsors")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrUnknownTable))
}

func TestTablesSorted(t *testing.T) {
	r := Default()
	got := r.Tables()
	want := []string{TableEvents, TableNews, TableOrganizers, TableRegistrations, TableInstitutions, TableTests}
	assert.Equal(t, want, got)
}

func TestNewRegistryRejectsBadDefinitions(t *testing.T) {
	cases := []struct {
		name  string
		table Table
	}{
		{"bad table name", Table{Name: "Bad-Name"}},
		{"duplicate field", Table{Name: "t", Fields: []FieldSpec{{Name: "a", Type: TypeString}, {Name: "a", Type: TypeString}}}},
		{"shadows system field", Table{Name: "t", Fields: []FieldSpec{{Name: "id", Type: TypeString}}}},
		{"enum without values", Table{Name: "t", Fields: []FieldSpec{{Name: "e", Type: TypeEnum}}}},
		{"bad default", Table{Name: "t", Fields: []FieldSpec{{Name: "n", Type: TypeNumber, Default: "x"}}}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := NewRegistry(tc.table)
			assert.Error(t, err)
		})
	}
}

func TestValidateInsertAppliesDefaultsAndNormalizes(t *testing.T) {
	r := Default()

	out, err := r.ValidateInsert(TableEvents, validEvent(), testNow)
	require.NoError(t, err)

	assert.Equal(t, "draft", out["status"])
	assert.Equal(t, float64(120), out["max_participants"])
	assert.Equal(t, float64(0), out["registration_fee"])
	assert.Equal(t, []string{}, out["judges"])
	assert.Equal(t, "2025-03-01T09:00:00.000000Z", out["start_date"])
	assert.Equal(t, "2025-03-02T03:30:00.000000Z", out["end_date"])
	assert.Equal(t, "2025-02-25T00:00:00.000000Z", out["registration_deadline"])
	_, hasID := out[FieldID]
	assert.False(t, hasID)
}

func TestValidateInsertDefaultNow(t *testing.T) {
	r := Default()
	out, err := r.ValidateInsert(TableRegistrations, map[string]any{
		"full_name":          "Asha",
		"college_university": "IIT",
		"department_year":    "CSE 3",
		"contact_number":     "99999",
		"email_id":           "asha@example.com",
		"technical_skills":   "go",
		"agree_to_rules":     true,
	}, testNow)
	require.NoError(t, err)
	assert.Equal(t, FormatTime(testNow), out["registered_at"])
	assert.Equal(t, "Leader", out["role_in_team"])
	assert.Equal(t, float64(1), out["team_size"])
}

func TestValidateInsertErrors(t *testing.T) {
	r := Default()

	cases := []struct {
		name  string
		mod   func(map[string]any)
		field string
	}{
		{"missing required", func(m map[string]any) { delete(m, "title") }, "title"},
		{"null required", func(m map[string]any) { m["title"] = nil }, "title"},
		{"enum out of domain", func(m map[string]any) { m["status"] = "cancelled" }, "status"},
		{"wrong type", func(m map[string]any) { m["max_participants"] = "many" }, "max_participants"},
		{"bad timestamp", func(m map[string]any) { m["start_date"] = "next friday" }, "start_date"},
		{"bad list", func(m map[string]any) { m["tags"] = []any{"a", 3} }, "tags"},
		{"unknown field", func(m map[string]any) { m["sponsor"] = "acme" }, "sponsor"},
		{"empty id", func(m map[string]any) { m["id"] = "" }, "id"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := validEvent()
			tc.mod(rec)
			_, err := r.ValidateInsert(TableEvents, rec, testNow)
			var ve *ValidationError
			require.ErrorAs(t, err, &ve)
			assert.Equal(t, tc.field, ve.Field)
		})
	}
}

func TestValidateInsertUnknownTable(t *testing.T) {
	_, err := Default().ValidateInsert("sponsors", map[string]any{}, testNow)
	assert.ErrorIs(t, err, ErrUnknownTable)
}

func TestValidateUpdate(t *testing.T) {
	r := Default()

	out, err := r.ValidateUpdate(TableEvents, "e1", map[string]any{
		"status":       "published",
		"banner_image": nil,
		"id":           "e1",
		"created_at":   "2020-01-01",
	})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"status": "published", "banner_image": nil}, out)

	_, err = r.ValidateUpdate(TableEvents, "e1", map[string]any{"id": "e2"})
	assert.True(t, IsValidation(err))

	_, err = r.ValidateUpdate(TableEvents, "e1", map[string]any{"title": nil})
	assert.True(t, IsValidation(err))

	_, err = r.ValidateUpdate(TableEvents, "e1", map[string]any{"status": "archived"})
	assert.True(t, IsValidation(err))
}

func TestValidateSnapshot(t *testing.T) {
	r := Default()
	rec, err := r.ValidateInsert(TableInstitutions, map[string]any{"name": "NIT", "type": "college"}, testNow)
	require.NoError(t, err)

	_, err = r.ValidateSnapshot(TableInstitutions, rec)
	assert.True(t, IsValidation(err), "snapshot without id must fail")

	rec[FieldID] = "i1"
	rec[FieldCreatedAt] = "2025-01-01T00:00:00Z"
	out, err := r.ValidateSnapshot(TableInstitutions, rec)
	require.NoError(t, err)
	assert.Equal(t, "2025-01-01T00:00:00.000000Z", out[FieldCreatedAt])
	assert.Equal(t, "i1", out[FieldID])
}

func TestNormalizeRecordDropsUnknownAndNull(t *testing.T) {
	r := Default()
	out, err := r.NormalizeRecord(TableNews, map[string]any{
		"id":           "n1",
		"title":        "Welcome",
		"subtitle":     nil,
		"views":        int64(7),
		"publish_date": "2025-01-01T10:00:00+00:00",
		"ctid":         "(0,1)",
	})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{
		"id":           "n1",
		"title":        "Welcome",
		"views":        float64(7),
		"publish_date": "2025-01-01T10:00:00.000000Z",
	}, out)
}

func TestFormatTimeSortsLexically(t *testing.T) {
	a := FormatTime(time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC))
	b := FormatTime(time.Date(2025, 1, 1, 0, 0, 0, 500, time.UTC))
	c := FormatTime(time.Date(2025, 1, 1, 0, 0, 1, 0, time.UTC))
	assert.Less(t, a, c)
	assert.LessOrEqual(t, a, b)
	assert.Len(t, b, len(a))
}

func TestMarkdownGolden(t *testing.T) {
	md, err := Default().Markdown(TableInstitutions)
	require.NoError(t, err)

	g := goldie.New(t)
	g.Assert(t, TableInstitutions, []byte(md))
}

func TestSecretFieldsAreRedacted(t *testing.T) {
	r := Default()
	assert.True(t, r.Restricted(TableOrganizers))
	assert.False(t, r.Restricted(TableNews))
	assert.False(t, r.Restricted("sponsors"))

	rec := map[string]any{"id": "o1", "email": "a@fest.example", "password": "hunter2"}
	out := r.Redact(TableOrganizers, rec)
	assert.Equal(t, map[string]any{"id": "o1", "email": "a@fest.example"}, out)
	assert.Equal(t, "hunter2", rec["password"], "input is left untouched")

	news := map[string]any{"id": "n1", "title": "x"}
	assert.Equal(t, news, r.Redact(TableNews, news))
	assert.Nil(t, r.Redact(TableOrganizers, nil))
}
