package tracker

import (
	"context"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/jobtrail/jobtrail/internal/model"
	"github.com/jobtrail/jobtrail/internal/store"
)

func newTestMatcher(t *testing.T) (*Matcher, *store.Store) {
	t.Helper()
	s, err := store.Open(":memory:")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return NewMatcher(s, zap.NewNop()), s
}

func facts(company, role string, status model.LifecycleStatus) model.JobFacts {
	return model.JobFacts{Company: company, Role: role, Status: status, Confidence: 0.9}
}

func rec(id string) model.EmailRecord {
	return model.EmailRecord{MessageID: id, Subject: "update", Sender: "jobs@acme.com", Date: time.Now()}
}

func TestUpsertSkipsFactsWithoutCompanyOrRole(t *testing.T) {
	m, s := newTestMatcher(t)
	ctx := context.Background()

	for _, f := range []model.JobFacts{
		facts("", "Engineer", model.LifecycleApplied),
		facts("Acme", "", model.LifecycleApplied),
		facts("  ", "  ", model.LifecycleApplied),
	} {
		res, err := m.Upsert(ctx, 1, rec("m1"), f)
		if err != nil {
			t.Fatalf("upsert: %v", err)
		}
		if res.Application != nil || res.Created || res.Updated {
			t.Fatalf("incomplete facts should be a no-op, got %+v", res)
		}
	}

	apps, err := s.ListApplications(ctx, 1)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(apps) != 0 {
		t.Fatalf("applications created from incomplete facts: %+v", apps)
	}
}

func TestUpsertCreatesApplication(t *testing.T) {
	m, _ := newTestMatcher(t)
	ctx := context.Background()

	res, err := m.Upsert(ctx, 1, rec("m1"), model.JobFacts{
		Company: "Acme", Role: "Engineer", Location: "Remote", Status: model.LifecycleInterview,
	})
	if err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if !res.Created {
		t.Fatal("expected a new application")
	}
	app := res.Application
	if app.Status != model.StatusInterview {
		t.Fatalf("status = %q, want Interview", app.Status)
	}
	if app.Source != model.SourceEmail {
		t.Fatalf("source = %q, want email", app.Source)
	}
	if app.Location != "Remote" {
		t.Fatalf("location = %q", app.Location)
	}
}

func TestUpsertOtherStatusDefaultsToApplied(t *testing.T) {
	m, _ := newTestMatcher(t)

	res, err := m.Upsert(context.Background(), 1, rec("m1"), facts("Acme", "Engineer", model.LifecycleOther))
	if err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if res.Application.Status != model.StatusApplied {
		t.Fatalf("status = %q, want Applied", res.Application.Status)
	}
}

func TestUpsertMatchIsCaseAndWhitespaceInsensitive(t *testing.T) {
	m, s := newTestMatcher(t)
	ctx := context.Background()

	if _, err := m.Upsert(ctx, 1, rec("m1"), facts("Acme", "Engineer", model.LifecycleApplied)); err != nil {
		t.Fatalf("first upsert: %v", err)
	}
	res, err := m.Upsert(ctx, 1, rec("m2"), facts("  ACME ", "engineer  ", model.LifecycleInterview))
	if err != nil {
		t.Fatalf("second upsert: %v", err)
	}
	if res.Created {
		t.Fatal("variant spelling created a duplicate")
	}
	if !res.Updated {
		t.Fatal("higher-ranked status should update the match")
	}

	apps, err := s.ListApplications(ctx, 1)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(apps) != 1 {
		t.Fatalf("applications = %d, want 1", len(apps))
	}
	if apps[0].Status != model.StatusInterview {
		t.Fatalf("status = %q, want Interview", apps[0].Status)
	}
}

func TestUpsertStatusNeverRegresses(t *testing.T) {
	m, _ := newTestMatcher(t)
	ctx := context.Background()

	if _, err := m.Upsert(ctx, 1, rec("m1"), facts("Acme", "Engineer", model.LifecycleOffer)); err != nil {
		t.Fatalf("upsert: %v", err)
	}

	res, err := m.Upsert(ctx, 1, rec("m2"), facts("Acme", "Engineer", model.LifecycleApplied))
	if err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if res.Updated || res.Created {
		t.Fatalf("lower-ranked status changed the application: %+v", res)
	}
	if res.Application.Status != model.StatusOffer {
		t.Fatalf("status = %q, want Offer", res.Application.Status)
	}

	// Same-rank updates are idempotent too.
	res, err = m.Upsert(ctx, 1, rec("m3"), facts("Acme", "Engineer", model.LifecycleOffer))
	if err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if res.Updated {
		t.Fatal("equal-ranked status should not rewrite the application")
	}
}

func TestUpsertRejectedAlwaysWins(t *testing.T) {
	m, _ := newTestMatcher(t)
	ctx := context.Background()

	if _, err := m.Upsert(ctx, 1, rec("m1"), facts("Acme", "Engineer", model.LifecycleOffer)); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	res, err := m.Upsert(ctx, 1, rec("m2"), facts("Acme", "Engineer", model.LifecycleRejected))
	if err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if !res.Updated || res.Application.Status != model.StatusRejected {
		t.Fatalf("rejection did not overwrite: %+v", res)
	}

	// And it stays terminal even when another rejection arrives.
	res, err = m.Upsert(ctx, 1, rec("m3"), facts("Acme", "Engineer", model.LifecycleRejected))
	if err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if res.Application.Status != model.StatusRejected {
		t.Fatalf("status = %q", res.Application.Status)
	}
}

func TestUpsertScopedPerUser(t *testing.T) {
	m, s := newTestMatcher(t)
	ctx := context.Background()

	if _, err := m.Upsert(ctx, 1, rec("m1"), facts("Acme", "Engineer", model.LifecycleApplied)); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	res, err := m.Upsert(ctx, 2, rec("m2"), facts("Acme", "Engineer", model.LifecycleApplied))
	if err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if !res.Created {
		t.Fatal("same pair for another user should create a separate application")
	}

	for _, userID := range []int64{1, 2} {
		apps, err := s.ListApplications(ctx, userID)
		if err != nil {
			t.Fatalf("list: %v", err)
		}
		if len(apps) != 1 {
			t.Fatalf("user %d applications = %d, want 1", userID, len(apps))
		}
	}
}

func TestUpsertWritesOutboxEvents(t *testing.T) {
	m, s := newTestMatcher(t)
	ctx := context.Background()

	if _, err := m.Upsert(ctx, 1, rec("m1"), facts("Acme", "Engineer", model.LifecycleApplied)); err != nil {
		t.Fatalf("create upsert: %v", err)
	}
	if _, err := m.Upsert(ctx, 1, rec("m2"), facts("Acme", "Engineer", model.LifecycleInterview)); err != nil {
		t.Fatalf("update upsert: %v", err)
	}

	messages, err := s.DequeueOutbox(ctx, 10)
	if err != nil {
		t.Fatalf("dequeue: %v", err)
	}
	if len(messages) != 2 {
		t.Fatalf("outbox rows = %d, want 2", len(messages))
	}
	if messages[0].Subject != "user.1.application.created" {
		t.Fatalf("first subject = %q", messages[0].Subject)
	}
	if messages[1].Subject != "user.1.application.updated" {
		t.Fatalf("second subject = %q", messages[1].Subject)
	}
}
