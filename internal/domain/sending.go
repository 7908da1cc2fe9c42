package domain

import "time"

// JobOffer is a scraped opportunity. Offers are immutable once stored.
type JobOffer struct {
	ID         int64     `json:"id" db:"id"`
	Email      string    `json:"email" db:"email"`
	Title      string    `json:"title" db:"title"`
	Location   string    `json:"location" db:"location"`
	City       string    `json:"city" db:"city"`
	Country    string    `json:"country" db:"country"`
	SourceGUID string    `json:"source_guid" db:"source_guid"`
	Link       string    `json:"link" db:"link"`
	ScrapedAt  time.Time `json:"scraped_at" db:"scraped_at"`
}

// OfferKey is the keyset position of an offer in freshness order
// (scraped_at DESC, id ASC).
type OfferKey struct {
	ScrapedAt time.Time
	ID        int64
}

// Key returns the keyset position of the offer.
func (o *JobOffer) Key() OfferKey {
	return OfferKey{ScrapedAt: o.ScrapedAt, ID: o.ID}
}

// JobStatus enumerates the lifecycle of a SendJob.
type JobStatus string

const (
	JobQueued  JobStatus = "queued"
	JobRunning JobStatus = "running"
	JobDone    JobStatus = "done"
	JobFailed  JobStatus = "failed"
)

// IsTerminal reports whether no transition leaves s.
func (s JobStatus) IsTerminal() bool {
	return s == JobDone || s == JobFailed
}

// CanTransitionTo reports whether s → next is a legal forward transition.
func (s JobStatus) CanTransitionTo(next JobStatus) bool {
	switch s {
	case JobQueued:
		return next == JobRunning || next == JobFailed
	case JobRunning:
		return next == JobDone || next == JobFailed
	}
	return false
}

// SendJob is one day's dispatch batch for one client.
type SendJob struct {
	ID              string     `json:"id" db:"id"`
	ClientID        string     `json:"client_id" db:"client_id"`
	ScheduledDate   time.Time  `json:"scheduled_date" db:"scheduled_date"`
	Status          JobStatus  `json:"status" db:"status"`
	PlannedCount    int        `json:"planned_count" db:"planned_count"`
	SentCount       int        `json:"sent_count" db:"sent_count"`
	CancelRequested bool       `json:"cancel_requested" db:"cancel_requested"`
	Error           string     `json:"error,omitempty" db:"error"`
	StartedAt       *time.Time `json:"started_at" db:"started_at"`
	HeartbeatAt     *time.Time `json:"heartbeat_at" db:"heartbeat_at"`
	FinishedAt      *time.Time `json:"finished_at" db:"finished_at"`
	CreatedAt       time.Time  `json:"created_at" db:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at" db:"updated_at"`
}

// SendStatus enumerates the lifecycle of a single EmailSend.
type SendStatus string

const (
	SendReserved      SendStatus = "reserved"
	SendPendingReview SendStatus = "pending_review"
	SendApproved      SendStatus = "approved"
	SendSent          SendStatus = "sent"
	SendFailed        SendStatus = "failed"
	SendRejected      SendStatus = "rejected"
)

// ConsumesQuota reports whether a send in status s counts against the
// client's daily allotment. Failed attempts do not.
func (s SendStatus) ConsumesQuota() bool {
	switch s {
	case SendReserved, SendPendingReview, SendApproved, SendSent, SendRejected:
		return true
	}
	return false
}

// QuotaStatuses lists the statuses that consume quota.
var QuotaStatuses = []SendStatus{SendReserved, SendPendingReview, SendApproved, SendSent, SendRejected}

// FailureKind classifies why a send failed.
type FailureKind string

const (
	FailureTransient        FailureKind = "transient"
	FailureInvalidRecipient FailureKind = "permanent_invalid_recipient"
	FailureHardBounce       FailureKind = "hard_bounce"
	FailureAbandoned        FailureKind = "abandoned"
)

// EmailSend is one attempted delivery. Rows are never deleted.
type EmailSend struct {
	ID            string      `json:"id" db:"id"`
	ClientID      string      `json:"client_id" db:"client_id"`
	OfferID       int64       `json:"offer_id" db:"offer_id"`
	JobID         *string     `json:"job_id" db:"job_id"`
	Recipient     string      `json:"recipient" db:"recipient"`
	Status        SendStatus  `json:"status" db:"status"`
	Subject       string      `json:"subject" db:"subject"`
	HTMLBody      string      `json:"html_body" db:"html_body"`
	MessageID     string      `json:"message_id,omitempty" db:"message_id"`
	ThreadID      string      `json:"thread_id,omitempty" db:"thread_id"`
	Attempts      int         `json:"attempts" db:"attempts"`
	FailureKind   FailureKind `json:"failure_kind,omitempty" db:"failure_kind"`
	FailureReason string      `json:"failure_reason,omitempty" db:"failure_reason"`
	BouncedAt     *time.Time  `json:"bounced_at" db:"bounced_at"`
	RepliedAt     *time.Time  `json:"replied_at" db:"replied_at"`
	SentAt        *time.Time  `json:"sent_at" db:"sent_at"`
	CreatedAt     time.Time   `json:"created_at" db:"created_at"`
	UpdatedAt     time.Time   `json:"updated_at" db:"updated_at"`
}

// EmailReputation is the recipient-level suppression record.
type EmailReputation struct {
	Email       string    `json:"email" db:"email"`
	Bounced     bool      `json:"bounced" db:"bounced"`
	Invalid     bool      `json:"invalid" db:"invalid"`
	BounceCount int       `json:"bounce_count" db:"bounce_count"`
	LastReason  string    `json:"last_reason" db:"last_reason"`
	UpdatedAt   time.Time `json:"updated_at" db:"updated_at"`
}

// Suppressed reports whether the recipient must not receive mail.
func (r *EmailReputation) Suppressed() bool {
	return r != nil && (r.Bounced || r.Invalid)
}

// ManagedDomain is a sending/mailbox domain under the engine's control.
type ManagedDomain struct {
	ID               string `json:"id" db:"id"`
	Name             string `json:"name" db:"name"`
	Active           bool   `json:"active" db:"active"`
	Priority         int    `json:"priority" db:"priority"`
	CurrentUserCount int    `json:"current_user_count" db:"current_user_count"`
	MaxUserCount     int    `json:"max_user_count" db:"max_user_count"`
}

// HasCapacity reports whether another mailbox fits under the domain.
func (d *ManagedDomain) HasCapacity() bool {
	return d.Active && d.CurrentUserCount < d.MaxUserCount
}

// Utilization is the fraction of the domain's capacity in use.
func (d *ManagedDomain) Utilization() float64 {
	if d.MaxUserCount <= 0 {
		return 1
	}
	return float64(d.CurrentUserCount) / float64(d.MaxUserCount)
}

// DateOf truncates t to its calendar date in t's location, expressed as
// midnight UTC so it round-trips through DATE columns.
func DateOf(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}
