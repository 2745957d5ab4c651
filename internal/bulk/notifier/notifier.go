// Package notifier announces batch completion on the notifications topic.
package notifier

import (
	"context"
	"encoding/json"
	"time"

	kgo "github.com/segmentio/kafka-go"

	"github.com/opsdesk/opsdesk-backend/internal/bulk/tracking"
	"github.com/opsdesk/opsdesk-backend/pkg/config"
	"github.com/opsdesk/opsdesk-backend/pkg/enums"
	pkgerrors "github.com/opsdesk/opsdesk-backend/pkg/errors"
	"github.com/opsdesk/opsdesk-backend/pkg/logger"
)

// BatchNotification is the payload published when a batch reaches a
// terminal status. Downstream consumers key on the batch id.
type BatchNotification struct {
	BatchID      string            `json:"batchId"`
	Status       enums.BatchStatus `json:"status"`
	TotalRecords int               `json:"totalRecords"`
	SuccessCount int64             `json:"successCount"`
	FailureCount int64             `json:"failureCount"`
	SkippedCount int64             `json:"skippedCount"`
	StartedAt    *time.Time        `json:"startedAt,omitempty"`
	EndedAt      *time.Time        `json:"endedAt,omitempty"`
	SubmittedBy  string            `json:"submittedBy,omitempty"`
	CancelReason string            `json:"cancelReason,omitempty"`
	PublishedAt  time.Time         `json:"publishedAt"`
}

type writer interface {
	WriteMessages(ctx context.Context, msgs ...kgo.Message) error
}

// Params wires the notifier.
type Params struct {
	// Writer must be bound to the notifications topic.
	Writer writer
	Kafka  config.KafkaConfig
	Logger *logger.Logger
}

// Notifier publishes batch lifecycle notifications.
type Notifier struct {
	writer      writer
	sendTimeout time.Duration
	logg        *logger.Logger
	now         func() time.Time
}

// New builds a notifier on an existing topic writer.
func New(params Params) (*Notifier, error) {
	if params.Writer == nil {
		return nil, pkgerrors.New(pkgerrors.CodeConfigurationError, "notifier requires a writer")
	}
	if params.Logger == nil {
		return nil, pkgerrors.New(pkgerrors.CodeConfigurationError, "notifier requires a logger")
	}
	return &Notifier{
		writer:      params.Writer,
		sendTimeout: params.Kafka.ProducerSendTimeout(),
		logg:        params.Logger,
		now:         time.Now,
	}, nil
}

// BatchTerminal publishes the terminal snapshot. Fire and forget: a missed
// notification is logged and never fails the caller.
func (n *Notifier) BatchTerminal(ctx context.Context, snapshot *tracking.Snapshot) {
	if snapshot == nil {
		return
	}
	logCtx := n.logg.WithBatchID(ctx, snapshot.BatchID)
	logCtx = n.logg.WithField(logCtx, "status", string(snapshot.Status))

	payload, err := json.Marshal(BatchNotification{
		BatchID:      snapshot.BatchID,
		Status:       snapshot.Status,
		TotalRecords: snapshot.TotalRecords,
		SuccessCount: snapshot.SuccessCount,
		FailureCount: snapshot.FailureCount,
		SkippedCount: snapshot.SkippedCount,
		StartedAt:    snapshot.StartedAt,
		EndedAt:      snapshot.EndedAt,
		SubmittedBy:  snapshot.SubmittedBy,
		CancelReason: snapshot.CancelReason,
		PublishedAt:  n.now().UTC(),
	})
	if err != nil {
		n.logg.Error(logCtx, "encoding batch notification", err)
		return
	}

	sendCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), n.sendTimeout)
	defer cancel()
	if err := n.writer.WriteMessages(sendCtx, kgo.Message{
		Key:   []byte(snapshot.BatchID),
		Value: payload,
	}); err != nil {
		n.logg.Error(logCtx, "publishing batch notification", err)
		return
	}
	n.logg.Info(logCtx, "batch notification published")
}
