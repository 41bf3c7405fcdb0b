// Package fest holds the named read paths of the tech-fest site, built on
// the facade so every result carries its degraded flag.
package fest

import (
	"context"
	"errors"
	"time"

	"github.com/techfest/festdb/internal/facade"
	"github.com/techfest/festdb/internal/schema"
	"github.com/techfest/festdb/internal/store"
)

// Queries runs the site's canned queries.
type Queries struct {
	f   *facade.Facade
	now func() time.Time
}

// New returns Queries over f.
func New(f *facade.Facade) *Queries {
	return &Queries{f: f, now: time.Now}
}

// Events returns every event, newest first.
func (q *Queries) Events(ctx context.Context) (facade.Result, error) {
	return q.f.Read(ctx, schema.TableEvents, store.Query{
		OrderBy: []store.Order{store.Desc(schema.FieldCreatedAt)},
	})
}

// PublishedEvents returns published events by start date.
func (q *Queries) PublishedEvents(ctx context.Context) (facade.Result, error) {
	return q.f.Read(ctx, schema.TableEvents, store.Query{
		Where:   []store.Predicate{store.Eq("status", "published")},
		OrderBy: []store.Order{store.Asc("start_date")},
	})
}

// Event returns one event.
func (q *Queries) Event(ctx context.Context, id string) (facade.RecordResult, error) {
	return q.f.ReadOne(ctx, schema.TableEvents, id)
}

// Registrations returns every registration, latest first.
func (q *Queries) Registrations(ctx context.Context) (facade.Result, error) {
	return q.f.Read(ctx, schema.TableRegistrations, store.Query{
		OrderBy: []store.Order{store.Desc("registered_at")},
	})
}

// RegistrationsForEvent returns the registrations of one event, latest
// first.
func (q *Queries) RegistrationsForEvent(ctx context.Context, eventID string) (facade.Result, error) {
	return q.f.Read(ctx, schema.TableRegistrations, store.Query{
		Where:   []store.Predicate{store.Eq("event_id", eventID)},
		OrderBy: []store.Order{store.Desc("registered_at")},
	})
}

// Register records a participant registration. When an event is named it
// must exist.
func (q *Queries) Register(ctx context.Context, fields store.Record) (store.Record, error) {
	if eventID, _ := fields["event_id"].(string); eventID != "" {
		_, err := q.f.ReadOne(ctx, schema.TableEvents, eventID)
		if errors.Is(err, store.ErrNotFound) {
			return nil, &store.ValidationError{Table: schema.TableRegistrations, Field: "event_id", Reason: "no such event"}
		}
		if err != nil {
			return nil, err
		}
	}
	return q.f.Insert(ctx, schema.TableRegistrations, fields)
}

// Tests returns active pre-qualifier tests by start date.
func (q *Queries) Tests(ctx context.Context) (facade.Result, error) {
	return q.f.Read(ctx, schema.TableTests, store.Query{
		Where:   []store.Predicate{store.Eq("is_active", true)},
		OrderBy: []store.Order{store.Asc("start_date")},
	})
}

// ActiveTests returns the active tests open at t: started and not yet
// ended. A zero t means now.
func (q *Queries) ActiveTests(ctx context.Context, t time.Time) (facade.Result, error) {
	if t.IsZero() {
		t = q.now()
	}
	return q.f.Read(ctx, schema.TableTests, store.Query{
		Where: []store.Predicate{
			store.Eq("is_active", true),
			store.Cmp("start_date", store.OpLte, t),
			store.Cmp("end_date", store.OpGte, t),
		},
		OrderBy: []store.Order{store.Asc("start_date")},
	})
}

// Institutions returns active institutions in display order.
func (q *Queries) Institutions(ctx context.Context) (facade.Result, error) {
	return q.f.Read(ctx, schema.TableInstitutions, store.Query{
		Where:   []store.Predicate{store.Eq("is_active", true)},
		OrderBy: []store.Order{store.Asc("order")},
	})
}

// InstitutionsByType returns active institutions of one type in display
// order.
func (q *Queries) InstitutionsByType(ctx context.Context, typ string) (facade.Result, error) {
	f, err := q.f.Registry().Field(schema.TableInstitutions, "type")
	if err != nil {
		return facade.Result{}, err
	}
	if _, err := schema.NormalizeValue(f, typ); err != nil {
		return facade.Result{}, &store.ValidationError{Table: schema.TableInstitutions, Field: "type", Reason: err.Error()}
	}
	return q.f.Read(ctx, schema.TableInstitutions, store.Query{
		Where:   []store.Predicate{store.Eq("type", typ), store.Eq("is_active", true)},
		OrderBy: []store.Order{store.Asc("order")},
	})
}

// News returns published news, newest first.
func (q *Queries) News(ctx context.Context) (facade.Result, error) {
	return q.f.Read(ctx, schema.TableNews, store.Query{
		Where:   []store.Predicate{store.Eq("status", "published")},
		OrderBy: []store.Order{store.Desc("publish_date")},
	})
}

// FeaturedNews returns published featured news, newest first.
func (q *Queries) FeaturedNews(ctx context.Context) (facade.Result, error) {
	return q.f.Read(ctx, schema.TableNews, store.Query{
		Where:   []store.Predicate{store.Eq("status", "published"), store.Eq("featured", true)},
		OrderBy: []store.Order{store.Desc("publish_date")},
	})
}
