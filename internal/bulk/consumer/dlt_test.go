package consumer

import (
	"context"
	"io"
	"testing"

	"github.com/rs/zerolog"
	kgo "github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/require"

	pkgerrors "github.com/opsdesk/opsdesk-backend/pkg/errors"
	"github.com/opsdesk/opsdesk-backend/pkg/logger"
)

func newTestRecorder(t *testing.T, reader Reader, tracker *fakeTracker) *Recorder {
	t.Helper()
	logg := logger.New(logger.Options{ServiceName: "dlt-test", Level: zerolog.Disabled, Output: io.Discard})
	recorder, err := NewRecorder(RecorderParams{Reader: reader, Tracker: tracker, Logger: logg})
	require.NoError(t, err)
	return recorder
}

func TestRecorderFilesArrival(t *testing.T) {
	t.Parallel()
	payload := `{"batch_id":"BATCH-1-AAAAAAAA","chunk_index":0}`
	reader := &fakeReader{messages: []kgo.Message{{
		Topic: "ticket.bulk.requests.DLT",
		Key:   []byte("BATCH-1-AAAAAAAA-CHUNK-0"),
		Value: []byte(payload),
		Headers: []kgo.Header{
			{Key: headerOriginTopic, Value: []byte("ticket.bulk.requests")},
			{Key: headerErrorCode, Value: []byte(pkgerrors.CodeTimeoutError)},
			{Key: headerErrorMessage, Value: []byte("insert timed out")},
			{Key: headerFailedAt, Value: []byte("2025-06-01T12:00:00Z")},
		},
	}}}
	tracker := &fakeTracker{}
	recorder := newTestRecorder(t, reader, tracker)

	require.NoError(t, recorder.Run(context.Background()))

	require.Len(t, tracker.dlt, 1)
	entry := tracker.dlt[0]
	require.Equal(t, "ticket.bulk.requests.DLT", entry.topic)
	require.Equal(t, "BATCH-1-AAAAAAAA-CHUNK-0", entry.key)
	require.Equal(t, payload, entry.payload)
	require.Equal(t, pkgerrors.CodeTimeoutError, pkgerrors.Classify(entry.cause))
	require.Contains(t, entry.cause.Error(), "insert timed out")

	require.Len(t, reader.committed, 1)
	require.True(t, reader.closed)
}

func TestRecorderHandlesBareMessage(t *testing.T) {
	t.Parallel()
	reader := &fakeReader{messages: []kgo.Message{{
		Topic: "ticket.bulk.requests.DLT",
		Value: []byte("opaque"),
	}}}
	tracker := &fakeTracker{}
	recorder := newTestRecorder(t, reader, tracker)

	require.NoError(t, recorder.Run(context.Background()))

	require.Len(t, tracker.dlt, 1)
	require.Nil(t, tracker.dlt[0].cause)
	require.Equal(t, "opaque", tracker.dlt[0].payload)
}

func TestRecorderMessageOnlyHeader(t *testing.T) {
	t.Parallel()
	reader := &fakeReader{messages: []kgo.Message{{
		Topic:   "ticket.bulk.requests.DLT",
		Value:   []byte("x"),
		Headers: []kgo.Header{{Key: headerErrorMessage, Value: []byte("duplicate key value")}},
	}}}
	tracker := &fakeTracker{}
	recorder := newTestRecorder(t, reader, tracker)

	require.NoError(t, recorder.Run(context.Background()))

	require.Len(t, tracker.dlt, 1)
	require.NotNil(t, tracker.dlt[0].cause)
	require.Equal(t, "duplicate key value", tracker.dlt[0].cause.Error())
}

func TestNewRecorderValidatesParams(t *testing.T) {
	t.Parallel()
	logg := logger.New(logger.Options{ServiceName: "dlt-test", Level: zerolog.Disabled, Output: io.Discard})

	_, err := NewRecorder(RecorderParams{})
	require.Error(t, err)

	_, err = NewRecorder(RecorderParams{Reader: &fakeReader{}, Tracker: &fakeTracker{}})
	require.Error(t, err)

	_, err = NewRecorder(RecorderParams{Reader: &fakeReader{}, Tracker: &fakeTracker{}, Logger: logg})
	require.NoError(t, err)
}
