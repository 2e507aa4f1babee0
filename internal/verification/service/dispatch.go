package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/medflow/rx-verification/internal/verification/events"
	"github.com/medflow/rx-verification/pkg/logger"
	"github.com/medflow/rx-verification/pkg/messaging"
)

// WorkQueue is the queue verification workers consume run requests from
const WorkQueue = "verification-service.runs"

// QueueDispatcher dispatches runs as verification.requested events
type QueueDispatcher struct {
	events *events.VerificationEventPublisher
}

// NewQueueDispatcher creates a dispatcher publishing through events
func NewQueueDispatcher(events *events.VerificationEventPublisher) *QueueDispatcher {
	return &QueueDispatcher{events: events}
}

func (d *QueueDispatcher) Dispatch(ctx context.Context, uploadID string, attempt int) error {
	return d.events.PublishRequested(ctx, uploadID, attempt)
}

// dispatch hands a run to the dispatcher. Without one, or when it fails,
// the run starts in a detached goroutine.
func (s *Service) dispatch(ctx context.Context, uploadID string, attempt int) {
	if s.dispatcher != nil {
		err := s.dispatcher.Dispatch(ctx, uploadID, attempt)
		if err == nil {
			return
		}
		s.logger.Warn().Err(err).Str("upload_id", uploadID).Msg("failed to queue verification run, running in process")
	}
	go s.runDetached(messaging.CorrelationID(ctx), uploadID)
}

// runDetached runs on a fresh context so the request that triggered the run
// cannot cancel it
func (s *Service) runDetached(correlationID, uploadID string) {
	ctx := messaging.WithCorrelationID(context.Background(), correlationID)
	if err := s.Run(ctx, uploadID); err != nil && !errors.Is(err, ErrRunAborted) {
		s.logger.Error().Err(err).Str("upload_id", uploadID).Msg("verification run failed")
	}
}

// HandleRequested runs the pipeline for a verification.requested event.
// Aborted runs are acknowledged because their failure is already recorded.
func (s *Service) HandleRequested(ctx context.Context, event *messaging.Event) error {
	var req messaging.VerificationRequestedEvent
	if err := event.UnmarshalData(&req); err != nil {
		return fmt.Errorf("decode %s: %w", event.Type, err)
	}
	if req.UploadID == "" {
		s.logger.Warn().Str("event_id", event.ID).Msg("verification request without upload id, dropping")
		return nil
	}

	err := s.Run(ctx, req.UploadID)
	if errors.Is(err, ErrRunAborted) {
		return nil
	}
	return err
}

// Worker consumes verification.requested events from RabbitMQ
type Worker struct {
	consumer *messaging.Consumer
	logger   *logger.Logger
}

// NewWorker binds the work queue to the verification exchange and routes
// run requests to svc
func NewWorker(rmq *messaging.RabbitMQ, svc *Service, log *logger.Logger) (*Worker, error) {
	consumer, err := messaging.NewConsumer(rmq, WorkQueue, log)
	if err != nil {
		return nil, err
	}
	if err := consumer.Subscribe(messaging.ExchangeVerificationEvents, messaging.EventVerificationRequested); err != nil {
		return nil, fmt.Errorf("subscribe %s: %w", WorkQueue, err)
	}
	consumer.RegisterHandler(messaging.EventVerificationRequested, svc.HandleRequested)
	return &Worker{consumer: consumer, logger: log.WithComponent("worker")}, nil
}

// Start consumes in the background until ctx is done
func (w *Worker) Start(ctx context.Context) error {
	w.logger.Info().Str("queue", WorkQueue).Msg("verification worker started")
	return w.consumer.Start(ctx)
}
