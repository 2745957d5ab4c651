// Package producer publishes validated bulk records to Kafka in fixed-size
// chunks. Each chunk is one message keyed by its chunk key, so redeliveries
// of a chunk land on the same partition while chunks of one batch spread.
package producer

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	kgo "github.com/segmentio/kafka-go"
	"go.uber.org/multierr"

	"github.com/opsdesk/opsdesk-backend/internal/bulk"
	"github.com/opsdesk/opsdesk-backend/pkg/config"
	pkgerrors "github.com/opsdesk/opsdesk-backend/pkg/errors"
	"github.com/opsdesk/opsdesk-backend/pkg/logger"
)

// Producer fans a batch out to the bulk topic.
type Producer interface {
	Publish(ctx context.Context, submission Submission) (*Receipt, error)
}

// Submission is one accepted batch ready for publication.
type Submission struct {
	BatchID        string
	Records        []bulk.Record
	SubmittedBy    string
	SourceFilename string
}

// Receipt reports how much of the batch reached the broker. A batch with at
// least one published chunk is accepted; missing chunks surface later
// through chunk-level tracking, not through the upload response.
type Receipt struct {
	BatchID         string
	TotalChunks     int
	PublishedChunks int
	FailedChunks    []int
}

// writer is the slice of kafka.Writer the producer uses.
type writer interface {
	WriteMessages(ctx context.Context, msgs ...kgo.Message) error
}

// Params wires the producer.
type Params struct {
	Writer writer
	Bulk   config.BulkConfig
	Kafka  config.KafkaConfig
	Logger *logger.Logger
}

type producer struct {
	writer      writer
	chunkSize   int
	sendTimeout time.Duration
	logg        *logger.Logger
}

// New builds the bulk producer.
func New(params Params) (Producer, error) {
	if params.Writer == nil {
		return nil, pkgerrors.New(pkgerrors.CodeConfigurationError, "producer requires a kafka writer")
	}
	if params.Logger == nil {
		return nil, pkgerrors.New(pkgerrors.CodeConfigurationError, "producer requires a logger")
	}
	if params.Bulk.ChunkSize <= 0 {
		return nil, pkgerrors.New(pkgerrors.CodeConfigurationError, "producer requires a positive chunk size")
	}
	return &producer{
		writer:      params.Writer,
		chunkSize:   params.Bulk.ChunkSize,
		sendTimeout: params.Kafka.ProducerSendTimeout(),
		logg:        params.Logger,
	}, nil
}

// Publish splits the records into chunks and sends one message per chunk.
// Send failures do not abort the remaining chunks; the error return is
// non-nil only when no chunk reached the broker at all.
func (p *producer) Publish(ctx context.Context, submission Submission) (*Receipt, error) {
	if submission.BatchID == "" {
		return nil, pkgerrors.New(pkgerrors.CodeNullRequest, "submission batch id is required")
	}
	if len(submission.Records) == 0 {
		return nil, pkgerrors.New(pkgerrors.CodeEmptyFile, "submission has no records")
	}

	chunks := bulk.Chunk(submission.Records, p.chunkSize)
	receipt := &Receipt{BatchID: submission.BatchID, TotalChunks: len(chunks)}
	logCtx := p.logg.WithBatchID(ctx, submission.BatchID)

	var sendErrs error
	for index, records := range chunks {
		event := bulk.NewEvent(submission.BatchID, index, len(chunks), records, submission.SubmittedBy, submission.SourceFilename)
		payload, err := json.Marshal(event)
		if err != nil {
			sendErrs = multierr.Append(sendErrs, pkgerrors.Wrap(pkgerrors.CodeKafkaSerializationError, err,
				fmt.Sprintf("encoding chunk %d", index)))
			receipt.FailedChunks = append(receipt.FailedChunks, index)
			continue
		}

		if err := p.send(ctx, event.ChunkKey(), payload); err != nil {
			p.logg.Error(p.logg.WithChunkKey(logCtx, event.ChunkKey()), "publishing chunk failed", err)
			sendErrs = multierr.Append(sendErrs, pkgerrors.Wrap(pkgerrors.CodeKafkaProducerError, err,
				fmt.Sprintf("publishing chunk %d", index)))
			receipt.FailedChunks = append(receipt.FailedChunks, index)
			continue
		}
		receipt.PublishedChunks++
	}

	if receipt.PublishedChunks == 0 {
		return receipt, pkgerrors.Wrap(pkgerrors.CodeKafkaProducerError, sendErrs, "publishing bulk batch")
	}
	if sendErrs != nil {
		p.logg.Error(logCtx, fmt.Sprintf("batch published partially, %d of %d chunks failed",
			len(receipt.FailedChunks), receipt.TotalChunks), sendErrs)
	}
	return receipt, nil
}

func (p *producer) send(ctx context.Context, chunkKey string, payload []byte) error {
	sendCtx, cancel := context.WithTimeout(ctx, p.sendTimeout)
	defer cancel()
	return p.writer.WriteMessages(sendCtx, kgo.Message{
		Key:   []byte(chunkKey),
		Value: payload,
	})
}
