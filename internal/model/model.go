// Package model defines the domain types shared across the sync engine.
package model

import (
	"strings"
	"time"
)

// Provider identifies a connected mailbox's mail provider.
type Provider string

const (
	ProviderGmail   Provider = "gmail"
	ProviderOutlook Provider = "outlook"
)

// SyncStatus is the per-account sync state machine state.
type SyncStatus string

const (
	SyncIdle      SyncStatus = "idle"
	SyncSyncing   SyncStatus = "syncing"
	SyncCompleted SyncStatus = "completed"
	SyncError     SyncStatus = "error"
)

// User is an authenticated owner of accounts and applications.
type User struct {
	ID        int64     `json:"id"`
	Username  string    `json:"username"`
	Email     string    `json:"email"`
	Password  string    `json:"-"`
	CreatedAt time.Time `json:"created_at"`
}

// Account is one connected mailbox together with its credentials and
// sync state. Tokens are mutated by the credential manager, sync state
// by the orchestrator; nothing in this repo deletes accounts.
type Account struct {
	ID                  int64      `json:"id"`
	UserID              int64      `json:"user_id"`
	Provider            Provider   `json:"provider"`
	EmailAddress        string     `json:"email_address"`
	AccessToken         string     `json:"-"`
	RefreshToken        string     `json:"-"`
	TokenExpires        time.Time  `json:"token_expires"`
	SyncStatus          SyncStatus `json:"sync_status"`
	SyncStartedAt       time.Time  `json:"sync_started_at"`
	LastSyncedAt        time.Time  `json:"last_synced_at"`
	LastSyncedMessageID string     `json:"last_synced_message_id"`
	LastError           string     `json:"last_error,omitempty"`
	AddedAt             time.Time  `json:"added_at"`
}

// EmailRecord is the canonical, provider-independent form of one mail
// message. It only lives for the duration of a pipeline pass.
type EmailRecord struct {
	MessageID  string
	Subject    string
	Sender     string
	Recipients []string
	Date       time.Time
	Body       string
	Preview    string
}

// LifecycleStatus is the job-application lifecycle stage the oracle
// extracts from a message.
type LifecycleStatus string

const (
	LifecycleApplied   LifecycleStatus = "applied"
	LifecycleInterview LifecycleStatus = "interview"
	LifecycleOffer     LifecycleStatus = "offer"
	LifecycleRejected  LifecycleStatus = "rejected"
	LifecycleOther     LifecycleStatus = "other"
)

// JobFacts holds the structured fields extracted from a job-related
// email. Company/role/location may be empty when the oracle could not
// determine them.
type JobFacts struct {
	Company    string          `json:"company"`
	Role       string          `json:"role"`
	Location   string          `json:"location"`
	Status     LifecycleStatus `json:"status"`
	Confidence float64         `json:"confidence"`
	Note       string          `json:"notes"`
}

// ApplicationStatus is the tracked application's status.
type ApplicationStatus string

const (
	StatusApplied   ApplicationStatus = "Applied"
	StatusInterview ApplicationStatus = "Interview"
	StatusOffer     ApplicationStatus = "Offer"
	StatusRejected  ApplicationStatus = "Rejected"
)

// Application sources.
const (
	SourceManual = "manual"
	SourceEmail  = "email"
)

// Application is the persisted record tracked per (user, company, role).
type Application struct {
	ID        int64             `json:"id"`
	UserID    int64             `json:"user_id"`
	Company   string            `json:"company"`
	Role      string            `json:"role"`
	Location  string            `json:"location,omitempty"`
	Status    ApplicationStatus `json:"status"`
	Source    string            `json:"source"`
	CreatedAt time.Time         `json:"created_at"`
	UpdatedAt time.Time         `json:"updated_at"`
}

// statusRank orders application statuses for the merge policy.
// Progress never regresses; Rejected outranks everything because a
// rejection email is authoritative regardless of prior optimism.
var statusRank = map[ApplicationStatus]int{
	StatusApplied:   1,
	StatusInterview: 2,
	StatusOffer:     3,
	StatusRejected:  4,
}

// Rank returns the merge-policy rank of s. Unknown statuses rank 0 so
// any recognized incoming status wins over them.
func (s ApplicationStatus) Rank() int {
	return statusRank[s]
}

// MapLifecycleStatus maps an extracted lifecycle status onto an
// application status. "other" means job-related but unresolved and
// defaults to Applied.
func MapLifecycleStatus(s LifecycleStatus) ApplicationStatus {
	switch LifecycleStatus(strings.ToLower(string(s))) {
	case LifecycleApplied:
		return StatusApplied
	case LifecycleInterview:
		return StatusInterview
	case LifecycleOffer:
		return StatusOffer
	case LifecycleRejected:
		return StatusRejected
	default:
		return StatusApplied
	}
}
