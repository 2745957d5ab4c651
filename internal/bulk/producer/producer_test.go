package producer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"testing"

	"github.com/rs/zerolog"
	kgo "github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/require"

	"github.com/opsdesk/opsdesk-backend/internal/bulk"
	"github.com/opsdesk/opsdesk-backend/pkg/config"
	pkgerrors "github.com/opsdesk/opsdesk-backend/pkg/errors"
	"github.com/opsdesk/opsdesk-backend/pkg/logger"
)

type fakeWriter struct {
	messages []kgo.Message
	failOn   map[int]error
	calls    int
}

func (f *fakeWriter) WriteMessages(_ context.Context, msgs ...kgo.Message) error {
	call := f.calls
	f.calls++
	if err := f.failOn[call]; err != nil {
		return err
	}
	f.messages = append(f.messages, msgs...)
	return nil
}

func newTestProducer(t *testing.T, w writer, chunkSize int) Producer {
	t.Helper()
	logg := logger.New(logger.Options{ServiceName: "producer-test", Level: zerolog.Disabled, Output: io.Discard})
	prod, err := New(Params{
		Writer: w,
		Bulk:   config.BulkConfig{ChunkSize: chunkSize},
		Kafka:  config.KafkaConfig{ProducerSendTimeoutS: 5},
		Logger: logg,
	})
	require.NoError(t, err)
	return prod
}

func makeRecords(count int) []bulk.Record {
	records := make([]bulk.Record, count)
	for i := range records {
		records[i] = bulk.Record{
			BusinessKey: fmt.Sprintf("TKT-%03d", i+1),
			Title:       "printer on fire",
			CustomerID:  42,
		}
	}
	return records
}

func TestPublishChunksBatch(t *testing.T) {
	t.Parallel()
	fake := &fakeWriter{}
	prod := newTestProducer(t, fake, 100)

	receipt, err := prod.Publish(context.Background(), Submission{
		BatchID:        "BATCH-1-AAAAAAAA",
		Records:        makeRecords(250),
		SubmittedBy:    "ops@example.com",
		SourceFilename: "tickets.csv",
	})

	require.NoError(t, err)
	require.Equal(t, 3, receipt.TotalChunks)
	require.Equal(t, 3, receipt.PublishedChunks)
	require.Empty(t, receipt.FailedChunks)
	require.Len(t, fake.messages, 3)

	for i, msg := range fake.messages {
		require.Equal(t, fmt.Sprintf("BATCH-1-AAAAAAAA-CHUNK-%d", i), string(msg.Key))

		var event bulk.Event
		require.NoError(t, json.Unmarshal(msg.Value, &event))
		require.Equal(t, "BATCH-1-AAAAAAAA", event.BatchID)
		require.Equal(t, i, event.ChunkIndex)
		require.Equal(t, 3, event.TotalChunks)
		require.Equal(t, "ops@example.com", event.SubmittedBy)
		require.Equal(t, "tickets.csv", event.SourceFilename)
		require.NotEmpty(t, event.EventID)
	}
	var first bulk.Event
	require.NoError(t, json.Unmarshal(fake.messages[0].Value, &first))
	require.Len(t, first.Records, 100)
	var last bulk.Event
	require.NoError(t, json.Unmarshal(fake.messages[2].Value, &last))
	require.Len(t, last.Records, 50)
	require.Equal(t, "TKT-201", last.Records[0].BusinessKey)
}

func TestPublishPartialFailureStillAccepts(t *testing.T) {
	t.Parallel()
	fake := &fakeWriter{failOn: map[int]error{1: errors.New("broker unavailable")}}
	prod := newTestProducer(t, fake, 100)

	receipt, err := prod.Publish(context.Background(), Submission{
		BatchID: "BATCH-2-BBBBBBBB",
		Records: makeRecords(250),
	})

	require.NoError(t, err)
	require.Equal(t, 3, receipt.TotalChunks)
	require.Equal(t, 2, receipt.PublishedChunks)
	require.Equal(t, []int{1}, receipt.FailedChunks)
}

func TestPublishAllChunksFailing(t *testing.T) {
	t.Parallel()
	fake := &fakeWriter{failOn: map[int]error{
		0: errors.New("broker unavailable"),
		1: errors.New("broker unavailable"),
		2: errors.New("broker unavailable"),
	}}
	prod := newTestProducer(t, fake, 100)

	receipt, err := prod.Publish(context.Background(), Submission{
		BatchID: "BATCH-3-CCCCCCCC",
		Records: makeRecords(250),
	})

	require.Error(t, err)
	require.Equal(t, pkgerrors.CodeKafkaProducerError, pkgerrors.CodeOf(err))
	require.Equal(t, 0, receipt.PublishedChunks)
	require.Len(t, receipt.FailedChunks, 3)
}

func TestPublishRejectsEmptySubmission(t *testing.T) {
	t.Parallel()
	prod := newTestProducer(t, &fakeWriter{}, 100)

	_, err := prod.Publish(context.Background(), Submission{BatchID: "BATCH-4"})
	require.Error(t, err)
	require.Equal(t, pkgerrors.CodeEmptyFile, pkgerrors.CodeOf(err))

	_, err = prod.Publish(context.Background(), Submission{Records: makeRecords(1)})
	require.Error(t, err)
	require.Equal(t, pkgerrors.CodeNullRequest, pkgerrors.CodeOf(err))
}

func TestNewValidatesParams(t *testing.T) {
	t.Parallel()
	logg := logger.New(logger.Options{ServiceName: "producer-test", Level: zerolog.Disabled, Output: io.Discard})

	_, err := New(Params{Bulk: config.BulkConfig{ChunkSize: 100}, Logger: logg})
	require.Error(t, err)

	_, err = New(Params{Writer: &fakeWriter{}, Bulk: config.BulkConfig{ChunkSize: 0}, Logger: logg})
	require.Error(t, err)
}
