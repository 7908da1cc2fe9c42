package dispatch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ignite/offermail/internal/domain"
	"github.com/ignite/offermail/internal/pkg/httpretry"
	"github.com/ignite/offermail/internal/pkg/logger"
	"github.com/ignite/offermail/internal/service/sending"
)

// Config bounds delivery attempts.
type Config struct {
	MaxAttempts     int
	ProviderTimeout time.Duration
	BaseBackoff     time.Duration
	MaxBackoff      time.Duration
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		MaxAttempts:     3,
		ProviderTimeout: 30 * time.Second,
		BaseBackoff:     2 * time.Second,
		MaxBackoff:      30 * time.Second,
	}
}

// Request describes one dispatch. Client and Settings are loaded by the
// dispatcher when nil.
type Request struct {
	ClientID string
	Client   *domain.Client
	Settings *domain.SendSettings
	Offer    domain.JobOffer
	JobID    *string
}

// Dispatcher reserves, renders and delivers sends.
type Dispatcher struct {
	repo      Repository
	clients   ClientStore
	guard     Guard
	transport sending.Transport
	renderer  *Renderer
	cfg       Config
	log       *logger.Logger

	now   func() time.Time
	sleep func(context.Context, time.Duration) error
}

// NewDispatcher wires a dispatcher. Zero config fields take the defaults.
func NewDispatcher(repo Repository, clients ClientStore, guard Guard, transport sending.Transport, renderer *Renderer, cfg Config) *Dispatcher {
	def := DefaultConfig()
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = def.MaxAttempts
	}
	if cfg.ProviderTimeout <= 0 {
		cfg.ProviderTimeout = def.ProviderTimeout
	}
	if cfg.BaseBackoff <= 0 {
		cfg.BaseBackoff = def.BaseBackoff
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = def.MaxBackoff
	}
	if renderer == nil {
		renderer = NewRenderer()
	}
	return &Dispatcher{
		repo:      repo,
		clients:   clients,
		guard:     guard,
		transport: transport,
		renderer:  renderer,
		cfg:       cfg,
		log:       logger.Named("dispatch"),
		now:       time.Now,
		sleep:     sleepCtx,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Dispatch reserves and, unless preview is enabled, delivers one email.
// Once a row is reserved the returned send is non-nil and carries the
// outcome; a failed delivery is not an error.
func (d *Dispatcher) Dispatch(ctx context.Context, req Request) (*domain.EmailSend, error) {
	client, settings, err := d.load(ctx, req)
	if err != nil {
		return nil, err
	}
	if !settings.Active {
		return nil, ErrClientInactive
	}
	if domain.KindOf(client.Mailbox) != domain.MailboxKindActive {
		return nil, ErrMailboxInactive
	}
	recipient := domain.NormalizeEmail(req.Offer.Email)
	suppressed, err := d.guard.IsSuppressed(ctx, recipient)
	if err != nil {
		return nil, fmt.Errorf("reputation check: %w", err)
	}
	if suppressed {
		return nil, ErrRecipientSuppressed
	}

	subject, body, err := d.renderer.Render(client, &req.Offer)
	if err != nil {
		return nil, err
	}

	send := &domain.EmailSend{
		ClientID:  client.ID,
		OfferID:   req.Offer.ID,
		JobID:     req.JobID,
		Recipient: recipient,
		Status:    domain.SendReserved,
		Subject:   subject,
		HTMLBody:  body,
	}
	if err := d.repo.Reserve(ctx, send); err != nil {
		return nil, err
	}

	// The reservation is durable; nothing below may be abandoned by the
	// caller's cancellation.
	ctx = context.WithoutCancel(ctx)

	if settings.PreviewEnabled {
		ok, err := d.repo.Transition(ctx, send.ID, []domain.SendStatus{domain.SendReserved}, domain.SendPendingReview)
		if err != nil {
			return send, fmt.Errorf("hold for review: %w", err)
		}
		if ok {
			send.Status = domain.SendPendingReview
		}
		d.log.Info("send held for review", "send_id", send.ID, "client_id", client.ID)
		return send, nil
	}

	return send, d.deliver(ctx, client, send)
}

func (d *Dispatcher) load(ctx context.Context, req Request) (*domain.Client, *domain.SendSettings, error) {
	client, settings := req.Client, req.Settings
	id := req.ClientID
	if client != nil {
		id = client.ID
	}
	var err error
	if client == nil {
		if client, err = d.clients.GetClient(ctx, id); err != nil {
			return nil, nil, fmt.Errorf("load client %s: %w", id, err)
		}
	}
	if settings == nil {
		if settings, err = d.clients.GetSettings(ctx, id); err != nil {
			return nil, nil, fmt.Errorf("load settings %s: %w", id, err)
		}
	}
	if client == nil || settings == nil {
		return nil, nil, fmt.Errorf("client %s: %w", id, ErrClientInactive)
	}
	return client, settings, nil
}

// deliver runs the transport with bounded retries and records the outcome
// on send. ctx must already be detached from job cancellation.
func (d *Dispatcher) deliver(ctx context.Context, client *domain.Client, send *domain.EmailSend) error {
	msg := sending.Message{
		From:     client.MailboxAddress(),
		To:       send.Recipient,
		Subject:  send.Subject,
		HTMLBody: send.HTMLBody,
		Tags:     map[string]string{"client_id": client.ID, "send_id": send.ID},
	}

	var lastErr error
	for attempt := 1; attempt <= d.cfg.MaxAttempts; attempt++ {
		send.Attempts = attempt
		sctx, cancel := context.WithTimeout(ctx, d.cfg.ProviderTimeout)
		receipt, err := d.transport.Send(sctx, msg)
		cancel()

		if err == nil {
			return d.markSent(ctx, send, receipt)
		}
		lastErr = err

		switch sending.KindOf(err) {
		case sending.KindInvalidRecipient:
			if rerr := d.guard.RecordInvalid(ctx, send.Recipient, err.Error()); rerr != nil {
				d.log.Warn("record invalid recipient failed", "send_id", send.ID, "error", rerr)
			}
			return d.markFailed(ctx, send, domain.FailureInvalidRecipient, err, nil)
		case sending.KindHardBounce:
			at := d.now().UTC()
			if rerr := d.guard.RecordBounce(ctx, send.Recipient, err.Error()); rerr != nil {
				d.log.Warn("record bounce failed", "send_id", send.ID, "error", rerr)
			}
			return d.markFailed(ctx, send, domain.FailureHardBounce, err, &at)
		}

		d.log.Warn("transient delivery failure", "send_id", send.ID, "attempt", attempt, "error", err)
		if attempt < d.cfg.MaxAttempts {
			_ = d.sleep(ctx, httpretry.Backoff(attempt, d.cfg.BaseBackoff, d.cfg.MaxBackoff))
		}
	}
	return d.markFailed(ctx, send, domain.FailureTransient, lastErr, nil)
}

func (d *Dispatcher) markSent(ctx context.Context, send *domain.EmailSend, receipt sending.Receipt) error {
	at := d.now().UTC()
	if err := d.repo.MarkSent(ctx, send.ID, receipt.MessageID, receipt.ThreadID, send.Attempts, at); err != nil {
		return fmt.Errorf("mark sent %s: %w", send.ID, err)
	}
	send.Status = domain.SendSent
	send.MessageID = receipt.MessageID
	send.ThreadID = receipt.ThreadID
	send.SentAt = &at
	if err := d.repo.TouchLastSend(ctx, send.ClientID, at); err != nil {
		d.log.Warn("update last send failed", "client_id", send.ClientID, "error", err)
	}
	d.log.Info("email sent", "send_id", send.ID, "client_id", send.ClientID, "recipient", send.Recipient)
	return nil
}

func (d *Dispatcher) markFailed(ctx context.Context, send *domain.EmailSend, kind domain.FailureKind, cause error, bouncedAt *time.Time) error {
	reason := ""
	if cause != nil {
		reason = cause.Error()
	}
	if err := d.repo.MarkFailed(ctx, send.ID, kind, reason, send.Attempts, bouncedAt); err != nil {
		return fmt.Errorf("mark failed %s: %w", send.ID, err)
	}
	send.Status = domain.SendFailed
	send.FailureKind = kind
	send.FailureReason = reason
	send.BouncedAt = bouncedAt
	d.log.Warn("email failed", "send_id", send.ID, "kind", kind, "recipient", send.Recipient, "reason", reason)
	return nil
}

// Approve releases a pending_review send for delivery.
func (d *Dispatcher) Approve(ctx context.Context, sendID string) (*domain.EmailSend, error) {
	send, err := d.getSend(ctx, sendID)
	if err != nil {
		return nil, err
	}
	ok, err := d.repo.Transition(ctx, sendID, []domain.SendStatus{domain.SendPendingReview}, domain.SendApproved)
	if err != nil {
		return nil, fmt.Errorf("approve %s: %w", sendID, err)
	}
	if !ok {
		return nil, ErrInvalidState
	}
	send.Status = domain.SendApproved
	ctx = context.WithoutCancel(ctx)

	client, err := d.clients.GetClient(ctx, send.ClientID)
	if err != nil {
		return send, d.markFailed(ctx, send, domain.FailureTransient, fmt.Errorf("load client: %w", err), nil)
	}
	if client == nil || domain.KindOf(client.Mailbox) != domain.MailboxKindActive {
		return send, d.markFailed(ctx, send, domain.FailureTransient, ErrMailboxInactive, nil)
	}
	suppressed, err := d.guard.IsSuppressed(ctx, send.Recipient)
	if err != nil {
		return send, d.markFailed(ctx, send, domain.FailureTransient, fmt.Errorf("reputation check: %w", err), nil)
	}
	if suppressed {
		return send, d.markFailed(ctx, send, domain.FailureInvalidRecipient, ErrRecipientSuppressed, nil)
	}
	return send, d.deliver(ctx, client, send)
}

// Reject closes a pending_review send. The row keeps consuming quota.
func (d *Dispatcher) Reject(ctx context.Context, sendID string) (*domain.EmailSend, error) {
	send, err := d.getSend(ctx, sendID)
	if err != nil {
		return nil, err
	}
	ok, err := d.repo.Transition(ctx, sendID, []domain.SendStatus{domain.SendPendingReview}, domain.SendRejected)
	if err != nil {
		return nil, fmt.Errorf("reject %s: %w", sendID, err)
	}
	if !ok {
		return nil, ErrInvalidState
	}
	send.Status = domain.SendRejected
	return send, nil
}

// RecordBounce handles a bounce reported after delivery. Repeated reports
// for the same send are ignored.
func (d *Dispatcher) RecordBounce(ctx context.Context, sendID, reason string) error {
	send, err := d.getSend(ctx, sendID)
	if err != nil {
		return err
	}
	if send.Status != domain.SendSent {
		return ErrInvalidState
	}
	stamped, err := d.repo.MarkBounced(ctx, sendID, reason, d.now().UTC())
	if err != nil {
		return fmt.Errorf("mark bounced %s: %w", sendID, err)
	}
	if !stamped {
		return nil
	}
	return d.guard.RecordBounce(ctx, send.Recipient, reason)
}

// MarkReplied records a reply to a sent email and refreshes the client's
// last activity.
func (d *Dispatcher) MarkReplied(ctx context.Context, sendID string, at time.Time) error {
	send, err := d.getSend(ctx, sendID)
	if err != nil {
		return err
	}
	if send.Status != domain.SendSent {
		return ErrInvalidState
	}
	if err := d.repo.MarkReplied(ctx, sendID, at); err != nil {
		return fmt.Errorf("mark replied %s: %w", sendID, err)
	}
	return d.repo.TouchLastReply(ctx, send.ClientID, at)
}

func (d *Dispatcher) getSend(ctx context.Context, id string) (*domain.EmailSend, error) {
	send, err := d.repo.GetSend(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("load send %s: %w", id, err)
	}
	if send == nil {
		return nil, ErrSendNotFound
	}
	return send, nil
}

// IsSkip reports whether err means the offer should be skipped rather than
// treated as a failure of the job.
func IsSkip(err error) bool {
	return errors.Is(err, ErrDuplicateSend) || errors.Is(err, ErrRecipientSuppressed)
}
