// Package storetest holds the behavioral contract every store adapter must
// satisfy and a fault-injecting wrapper for exercising outage handling.
package storetest

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/techfest/festdb/internal/schema"
	"github.com/techfest/festdb/internal/store"
)

// Factory opens an empty store backed by reg. The store is closed by the
// contract when the subtest ends.
type Factory func(t *testing.T, reg *schema.Registry) store.Store

// Institution returns a valid participating_institutions record.
func Institution(name string, order int) store.Record {
	return store.Record{"name": name, "type": "college", "order": order}
}

// RunContract runs the shared adapter contract against stores from open.
func RunContract(t *testing.T, open Factory) {
	reg := schema.Default()
	ctx := context.Background()

	fresh := func(t *testing.T) store.Store {
		t.Helper()
		s := open(t, reg)
		t.Cleanup(func() { s.Close() })
		return s
	}

	t.Run("InsertAssignsIDAndTimestamps", func(t *testing.T) {
		s := fresh(t)
		rec, err := s.Insert(ctx, schema.TableInstitutions, Institution("NIT Trichy", 1))
		require.NoError(t, err)
		assert.NotEmpty(t, rec.ID())
		assert.NotEmpty(t, rec[schema.FieldCreatedAt])
		assert.Equal(t, rec[schema.FieldCreatedAt], rec[schema.FieldUpdatedAt])
		assert.Equal(t, true, rec["is_active"])
		assert.Equal(t, float64(0), rec["student_count"])

		got, err := s.ReadOne(ctx, schema.TableInstitutions, rec.ID())
		require.NoError(t, err)
		assert.Equal(t, rec, got)
	})

	t.Run("InsertKeepsSuppliedID", func(t *testing.T) {
		s := fresh(t)
		in := Institution("IIT Madras", 1)
		in["id"] = "inst-1"
		rec, err := s.Insert(ctx, schema.TableInstitutions, in)
		require.NoError(t, err)
		assert.Equal(t, "inst-1", rec.ID())

		_, err = s.Insert(ctx, schema.TableInstitutions, in)
		assert.True(t, schema.IsValidation(err), "duplicate id: %v", err)
	})

	t.Run("InsertRejectsInvalid", func(t *testing.T) {
		s := fresh(t)
		_, err := s.Insert(ctx, schema.TableInstitutions, store.Record{"name": "No Type"})
		assert.True(t, schema.IsValidation(err), "got %v", err)

		_, err = s.Insert(ctx, schema.TableInstitutions, store.Record{"name": "x", "type": "school"})
		assert.True(t, schema.IsValidation(err), "got %v", err)

		_, err = s.Insert(ctx, "sponsors", store.Record{"name": "x"})
		assert.ErrorIs(t, err, store.ErrUnknownTable)
		assert.Equal(t, int64(0), s.Revision())
	})

	t.Run("ReadOneNotFound", func(t *testing.T) {
		s := fresh(t)
		_, err := s.ReadOne(ctx, schema.TableInstitutions, "missing")
		assert.ErrorIs(t, err, store.ErrNotFound)

		_, err = s.ReadOne(ctx, "sponsors", "missing")
		assert.ErrorIs(t, err, store.ErrUnknownTable)
	})

	t.Run("ReadFiltersOrdersAndLimits", func(t *testing.T) {
		s := fresh(t)
		for i, name := range []string{"Gamma", "Alpha", "Beta", "Delta"} {
			rec := Institution(name, []int{3, 1, 2, 4}[i])
			if name == "Delta" {
				rec["is_active"] = false
			}
			_, err := s.Insert(ctx, schema.TableInstitutions, rec)
			require.NoError(t, err)
		}

		got, err := s.Read(ctx, schema.TableInstitutions, store.Query{
			Where:   []store.Predicate{store.Eq("is_active", true)},
			OrderBy: []store.Order{store.Asc("order")},
		})
		require.NoError(t, err)
		assert.Equal(t, []string{"Alpha", "Beta", "Gamma"}, names(got))

		got, err = s.Read(ctx, schema.TableInstitutions, store.Query{
			Where:   []store.Predicate{store.Cmp("order", store.OpGte, 2)},
			OrderBy: []store.Order{store.Desc("order")},
			Limit:   2,
		})
		require.NoError(t, err)
		assert.Equal(t, []string{"Delta", "Gamma"}, names(got))

		got, err = s.Read(ctx, schema.TableInstitutions, store.Query{
			Where: []store.Predicate{store.Cmp("name", store.OpNeq, "Alpha"), store.Eq("type", "college")},
			OrderBy: []store.Order{store.Asc("name")},
		})
		require.NoError(t, err)
		assert.Equal(t, []string{"Beta", "Delta", "Gamma"}, names(got))

		all, err := s.Read(ctx, schema.TableInstitutions, store.Query{})
		require.NoError(t, err)
		assert.Len(t, all, 4)

		none, err := s.Read(ctx, schema.TableNews, store.Query{})
		require.NoError(t, err)
		assert.Empty(t, none)
	})

	t.Run("ReadTimestampRange", func(t *testing.T) {
		s := fresh(t)
		for _, start := range []string{"2025-03-01T09:00:00Z", "2025-03-02T09:00:00+05:30", "2025-03-05T00:00:00Z"} {
			_, err := s.Insert(ctx, schema.TableTests, store.Record{
				"title": "Round " + start, "description": "d", "test_link": "https://t",
				"start_date": start, "end_date": "2025-04-01T00:00:00Z", "duration": 60,
				"instructions": "i", "eligibility_criteria": "e", "created_by": "org-1",
			})
			require.NoError(t, err)
		}
		got, err := s.Read(ctx, schema.TableTests, store.Query{
			Where:   []store.Predicate{store.Cmp("start_date", store.OpLt, "2025-03-03")},
			OrderBy: []store.Order{store.Asc("start_date")},
		})
		require.NoError(t, err)
		require.Len(t, got, 2)
		assert.Equal(t, "2025-03-01T09:00:00.000000Z", got[0]["start_date"])
		assert.Equal(t, "2025-03-02T03:30:00.000000Z", got[1]["start_date"])
	})

	t.Run("ReadRejectsUnknownField", func(t *testing.T) {
		s := fresh(t)
		_, err := s.Read(ctx, schema.TableInstitutions, store.Query{Where: []store.Predicate{store.Eq("sponsor", "x")}})
		assert.True(t, schema.IsValidation(err), "got %v", err)

		_, err = s.Read(ctx, "sponsors", store.Query{})
		assert.ErrorIs(t, err, store.ErrUnknownTable)
	})

	t.Run("UpdateIsPartial", func(t *testing.T) {
		s := fresh(t)
		rec, err := s.Insert(ctx, schema.TableInstitutions, store.Record{
			"name": "NIT", "type": "college", "website": "https://nit.example", "location": "Trichy",
		})
		require.NoError(t, err)

		got, err := s.Update(ctx, schema.TableInstitutions, rec.ID(), store.Record{"student_count": 4000, "website": nil})
		require.NoError(t, err)
		assert.Equal(t, float64(4000), got["student_count"])
		assert.Equal(t, "Trichy", got["location"])
		assert.Equal(t, "NIT", got["name"])
		assert.NotContains(t, got, "website")
		assert.Equal(t, rec[schema.FieldCreatedAt], got[schema.FieldCreatedAt])

		read, err := s.ReadOne(ctx, schema.TableInstitutions, rec.ID())
		require.NoError(t, err)
		assert.Equal(t, got, read)
	})

	t.Run("UpdateErrors", func(t *testing.T) {
		s := fresh(t)
		_, err := s.Update(ctx, schema.TableInstitutions, "missing", store.Record{"name": "x"})
		assert.ErrorIs(t, err, store.ErrNotFound)

		rec, err := s.Insert(ctx, schema.TableInstitutions, Institution("NIT", 1))
		require.NoError(t, err)
		_, err = s.Update(ctx, schema.TableInstitutions, rec.ID(), store.Record{"name": nil})
		assert.True(t, schema.IsValidation(err), "got %v", err)
		_, err = s.Update(ctx, schema.TableInstitutions, rec.ID(), store.Record{"student_count": "many"})
		assert.True(t, schema.IsValidation(err), "got %v", err)
	})

	t.Run("RemoveIsIdempotent", func(t *testing.T) {
		s := fresh(t)
		rec, err := s.Insert(ctx, schema.TableInstitutions, Institution("NIT", 1))
		require.NoError(t, err)

		res, err := s.Remove(ctx, schema.TableInstitutions, rec.ID())
		require.NoError(t, err)
		assert.False(t, res.Noop)

		res, err = s.Remove(ctx, schema.TableInstitutions, rec.ID())
		require.NoError(t, err)
		assert.True(t, res.Noop)

		_, err = s.ReadOne(ctx, schema.TableInstitutions, rec.ID())
		assert.ErrorIs(t, err, store.ErrNotFound)
	})

	t.Run("UpsertReplacesSnapshot", func(t *testing.T) {
		s := fresh(t)
		snap := store.Record{
			"id": "inst-9", "name": "VIT", "type": "university", "is_active": true,
			"student_count": float64(100), "order": float64(2),
			"created_at": "2025-01-01T00:00:00.000000Z", "updated_at": "2025-01-02T00:00:00.000000Z",
		}
		got, err := s.Upsert(ctx, schema.TableInstitutions, snap)
		require.NoError(t, err)
		assert.Equal(t, snap, got)

		// Applying the same snapshot again is harmless.
		_, err = s.Upsert(ctx, schema.TableInstitutions, snap)
		require.NoError(t, err)
		read, err := s.ReadOne(ctx, schema.TableInstitutions, "inst-9")
		require.NoError(t, err)
		assert.Equal(t, snap, read)

		// A later snapshot replaces the whole record, dropping absent fields.
		next := snap.Clone()
		next["name"] = "VIT Vellore"
		delete(next, "student_count")
		next["updated_at"] = "2025-01-03T00:00:00.000000Z"
		_, err = s.Upsert(ctx, schema.TableInstitutions, next)
		require.NoError(t, err)
		read, err = s.ReadOne(ctx, schema.TableInstitutions, "inst-9")
		require.NoError(t, err)
		assert.Equal(t, next, read)

		all, err := s.Read(ctx, schema.TableInstitutions, store.Query{})
		require.NoError(t, err)
		assert.Len(t, all, 1)

		_, err = s.Upsert(ctx, schema.TableInstitutions, store.Record{"name": "no id", "type": "college"})
		assert.True(t, schema.IsValidation(err), "got %v", err)
	})

	t.Run("RevisionCountsMutations", func(t *testing.T) {
		s := fresh(t)
		base := s.Revision()
		rec, err := s.Insert(ctx, schema.TableInstitutions, Institution("NIT", 1))
		require.NoError(t, err)
		_, err = s.Update(ctx, schema.TableInstitutions, rec.ID(), store.Record{"order": 2})
		require.NoError(t, err)
		_, err = s.Remove(ctx, schema.TableInstitutions, rec.ID())
		require.NoError(t, err)
		_, err = s.Remove(ctx, schema.TableInstitutions, rec.ID())
		require.NoError(t, err)
		assert.Equal(t, base+3, s.Revision())
	})

	t.Run("Ping", func(t *testing.T) {
		s := fresh(t)
		assert.NoError(t, s.Ping(ctx))
	})
}

func names(recs []store.Record) []string {
	out := make([]string, 0, len(recs))
	for _, r := range recs {
		out = append(out, r["name"].(string))
	}
	return out
}
