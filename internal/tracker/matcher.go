// Package tracker merges extracted job facts into the tracked
// applications under the status-priority merge policy.
package tracker

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/jobtrail/jobtrail/internal/model"
	"github.com/jobtrail/jobtrail/internal/store"
)

// UpsertResult reports what the matcher did with one set of facts.
// All-zero means the facts lacked company or role and were
// intentionally not recorded.
type UpsertResult struct {
	Application *model.Application
	Created     bool
	Updated     bool
}

// Matched reports whether an existing application was found, whether
// or not it changed.
func (r UpsertResult) Matched() bool {
	return r.Application != nil && !r.Created
}

type Matcher struct {
	store  *store.Store
	logger *zap.Logger
	now    func() time.Time
}

func NewMatcher(st *store.Store, logger *zap.Logger) *Matcher {
	return &Matcher{store: st, logger: logger, now: time.Now}
}

// Upsert finds or creates the user's application for the facts'
// (company, role) pair and applies the merge policy. Both company and
// role must survive trimming; otherwise the message is classified but
// not recorded, which is a no-op rather than an error.
func (m *Matcher) Upsert(ctx context.Context, userID int64, rec model.EmailRecord, facts model.JobFacts) (UpsertResult, error) {
	company := strings.TrimSpace(facts.Company)
	role := strings.TrimSpace(facts.Role)
	if company == "" || role == "" {
		m.logger.Debug("facts missing company or role, skipping",
			zap.Int64("user_id", userID), zap.String("message_id", rec.MessageID))
		return UpsertResult{}, nil
	}

	existing, err := m.findExisting(ctx, userID, company, role)
	if err != nil {
		return UpsertResult{}, err
	}

	newStatus := model.MapLifecycleStatus(facts.Status)
	location := strings.TrimSpace(facts.Location)
	now := m.now().UTC()

	if existing == nil {
		app := &model.Application{
			UserID:    userID,
			Company:   company,
			Role:      role,
			Location:  location,
			Status:    newStatus,
			Source:    model.SourceEmail,
			CreatedAt: now,
			UpdatedAt: now,
		}
		if err := m.store.CreateApplication(ctx, app, m.event(app, "created", rec.MessageID)); err != nil {
			return UpsertResult{}, fmt.Errorf("create application: %w", err)
		}

		m.logger.Info("created application",
			zap.Int64("user_id", userID),
			zap.String("company", company),
			zap.String("role", role),
			zap.String("status", string(newStatus)))
		return UpsertResult{Application: app, Created: true}, nil
	}

	// Rejection is terminal and always wins; anything else only
	// overwrites a strictly lower-ranked status so progress never
	// regresses.
	overwrite := newStatus == model.StatusRejected || newStatus.Rank() > existing.Status.Rank()
	if !overwrite {
		return UpsertResult{Application: existing}, nil
	}

	existing.Status = newStatus
	if location != "" {
		existing.Location = location
	}
	existing.Source = model.SourceEmail
	existing.UpdatedAt = now

	if err := m.store.UpdateApplication(ctx, existing, m.event(existing, "updated", rec.MessageID)); err != nil {
		return UpsertResult{}, fmt.Errorf("update application: %w", err)
	}

	m.logger.Info("updated application",
		zap.Int64("user_id", userID),
		zap.String("company", company),
		zap.String("role", role),
		zap.String("status", string(newStatus)))
	return UpsertResult{Application: existing, Updated: true}, nil
}

// findExisting scans the user's applications for a case-insensitive,
// whitespace-trimmed (company, role) match.
func (m *Matcher) findExisting(ctx context.Context, userID int64, company, role string) (*model.Application, error) {
	apps, err := m.store.ListApplications(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("list applications: %w", err)
	}

	for i := range apps {
		if strings.EqualFold(strings.TrimSpace(apps[i].Company), company) &&
			strings.EqualFold(strings.TrimSpace(apps[i].Role), role) {
			return &apps[i], nil
		}
	}
	return nil, nil
}

func (m *Matcher) event(app *model.Application, kind, messageID string) *store.Event {
	return ChangeEvent(m.now(), app, kind, messageID)
}

// ChangeEvent builds the outbox entry recorded in the same transaction
// as an application write. MsgID dedups re-deliveries of the same mail
// message; writes with no source message get a fresh id every time.
func ChangeEvent(ts time.Time, app *model.Application, kind, messageID string) *store.Event {
	payload, _ := json.Marshal(map[string]interface{}{
		"event_id":   uuid.NewString(),
		"ts":         ts.Unix(),
		"user_id":    app.UserID,
		"company":    app.Company,
		"role":       app.Role,
		"location":   app.Location,
		"status":     app.Status,
		"source":     app.Source,
		"message_id": messageID,
	})

	msgID := fmt.Sprintf("application.%s|%d|%s", kind, app.UserID, messageID)
	if messageID == "" {
		msgID = fmt.Sprintf("application.%s|%d|%s", kind, app.UserID, uuid.NewString())
	}

	return &store.Event{
		Subject: fmt.Sprintf("user.%d.application.%s", app.UserID, kind),
		Type:    "application." + kind,
		Payload: payload,
		MsgID:   msgID,
	}
}
