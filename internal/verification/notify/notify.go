// Package notify hands patient notifications to the delivery layer. Delivery
// itself happens outside this service; a message is published and forgotten.
package notify

import (
	"context"

	"github.com/medflow/rx-verification/internal/verification/domain"
	"github.com/medflow/rx-verification/pkg/i18n"
	"github.com/medflow/rx-verification/pkg/logger"
	"github.com/medflow/rx-verification/pkg/messaging"
)

// Templates understood by the delivery layer
const (
	TemplateRejected      = "prescription_rejected"
	TemplateApproved      = "prescription_approved"
	TemplateClarification = "prescription_clarification"
	TemplateExpired       = "prescription_expired"
)

// Sender publishes notification.requested events. Failures are logged and
// never returned.
type Sender struct {
	publisher messaging.EventPublisher
	logger    *logger.Logger
}

// NewSender declares the notification exchange and returns a sender on it
func NewSender(rmq *messaging.RabbitMQ, source string, log *logger.Logger) (*Sender, error) {
	publisher, err := messaging.NewPublisher(rmq, messaging.ExchangeNotificationEvents, source, log)
	if err != nil {
		return nil, err
	}
	return New(publisher, log), nil
}

// New wraps any EventPublisher
func New(publisher messaging.EventPublisher, log *logger.Logger) *Sender {
	return &Sender{publisher: publisher, logger: log.WithComponent("notify")}
}

// Rejected tells the patient why the prescription was rejected. reason is
// already localized.
func (s *Sender) Rejected(ctx context.Context, u *domain.Upload, reason string) {
	l := i18n.NewLocalizer(u.Locale)
	s.send(ctx, messaging.NotificationRequestedEvent{
		Recipient: recipient(u),
		Subject:   l.T("notification.rejected.subject", rxParams(u)),
		Body:      l.T("notification.rejected.body", map[string]string{"reason": reason}),
		Template:  TemplateRejected,
		UploadID:  u.ID,
	})
}

// Approved tells the patient the prescription can be used
func (s *Sender) Approved(ctx context.Context, u *domain.Upload) {
	s.templated(ctx, u, "approved", TemplateApproved, nil)
}

// Clarification forwards a pharmacist question to the patient
func (s *Sender) Clarification(ctx context.Context, u *domain.Upload, question string) {
	s.templated(ctx, u, "clarification", TemplateClarification, map[string]string{"question": question})
}

// Expired tells the patient to upload a new prescription
func (s *Sender) Expired(ctx context.Context, u *domain.Upload) {
	s.templated(ctx, u, "expired", TemplateExpired, nil)
}

func (s *Sender) templated(ctx context.Context, u *domain.Upload, key, template string, bodyParams map[string]string) {
	l := i18n.NewLocalizer(u.Locale)
	s.send(ctx, messaging.NotificationRequestedEvent{
		Recipient: recipient(u),
		Subject:   l.T("notification."+key+".subject", rxParams(u)),
		Body:      l.T("notification."+key+".body", bodyParams),
		Template:  template,
		UploadID:  u.ID,
	})
}

func (s *Sender) send(ctx context.Context, msg messaging.NotificationRequestedEvent) {
	if s == nil {
		return
	}
	if err := s.publisher.Publish(ctx, messaging.EventNotificationRequested, msg); err != nil {
		s.logger.Warn().Err(err).
			Str("upload_id", msg.UploadID).
			Str("template", msg.Template).
			Msg("failed to queue notification")
	}
}

func recipient(u *domain.Upload) string {
	if u.PatientEmail != "" {
		return u.PatientEmail
	}
	return u.PatientID
}

func rxParams(u *domain.Upload) map[string]string {
	return map[string]string{"rx_number": u.PrescriptionNumber}
}
