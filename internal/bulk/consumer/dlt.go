package consumer

import (
	"context"
	"errors"
	"io"

	kgo "github.com/segmentio/kafka-go"

	"github.com/opsdesk/opsdesk-backend/internal/bulk/tracking"
	pkgerrors "github.com/opsdesk/opsdesk-backend/pkg/errors"
	"github.com/opsdesk/opsdesk-backend/pkg/logger"
)

// Recorder is the audit side of the dead-letter topic. It files every
// arrival into the tracking store and commits; it never reprocesses.
// Reprocessing is a manual operator action.
type Recorder struct {
	reader  Reader
	tracker tracking.Store
	logg    *logger.Logger
}

// RecorderParams wires the DLT recorder.
type RecorderParams struct {
	Reader  Reader
	Tracker tracking.Store
	Logger  *logger.Logger
}

// NewRecorder builds the DLT recorder.
func NewRecorder(params RecorderParams) (*Recorder, error) {
	if params.Reader == nil {
		return nil, pkgerrors.New(pkgerrors.CodeConfigurationError, "dlt recorder requires a reader")
	}
	if params.Tracker == nil {
		return nil, pkgerrors.New(pkgerrors.CodeConfigurationError, "dlt recorder requires a tracking store")
	}
	if params.Logger == nil {
		return nil, pkgerrors.New(pkgerrors.CodeConfigurationError, "dlt recorder requires a logger")
	}
	return &Recorder{
		reader:  params.Reader,
		tracker: params.Tracker,
		logg:    params.Logger,
	}, nil
}

// Run blocks until the context is canceled.
func (r *Recorder) Run(ctx context.Context) error {
	defer func() {
		if err := r.reader.Close(); err != nil {
			r.logg.Error(ctx, "closing dlt reader", err)
		}
	}()

	r.logg.Info(ctx, "dlt recorder started")
	for {
		msg, err := r.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, io.EOF) {
				r.logg.Info(ctx, "dlt recorder stopping")
				return nil
			}
			r.logg.Error(ctx, "fetching dlt message", err)
			return pkgerrors.Wrap(pkgerrors.CodeKafkaConsumerError, err, "fetch dlt message")
		}
		r.record(ctx, msg)
		if err := r.reader.CommitMessages(ctx, msg); err != nil {
			// Redelivery just appends the audit entry again; noisy, not wrong.
			r.logg.Error(ctx, "dlt offset commit failed", err)
		}
	}
}

// record appends the audit entry keyed by the arrival topic, which is what
// operators query. The publish-side headers reconstruct the failure cause.
func (r *Recorder) record(ctx context.Context, msg kgo.Message) {
	headers := headerMap(msg.Headers)

	logCtx := r.logg.WithTopic(ctx, msg.Topic)
	if len(msg.Key) > 0 {
		logCtx = r.logg.WithChunkKey(logCtx, string(msg.Key))
	}
	if origin := headers[headerOriginTopic]; origin != "" {
		logCtx = r.logg.WithField(logCtx, "origin_topic", origin)
	}
	if code := headers[headerErrorCode]; code != "" {
		logCtx = r.logg.WithField(logCtx, "error_code", code)
	}
	r.logg.Warn(logCtx, "dead-lettered chunk recorded")

	r.tracker.AppendDLT(ctx, msg.Topic, string(msg.Key), string(msg.Value), causeFromHeaders(headers))
}

// causeFromHeaders rebuilds the failure the publisher classified so the
// audit entry carries the same code and message.
func causeFromHeaders(headers map[string]string) error {
	code := headers[headerErrorCode]
	message := headers[headerErrorMessage]
	switch {
	case code != "":
		return pkgerrors.New(pkgerrors.Code(code), message)
	case message != "":
		return errors.New(message)
	default:
		return nil
	}
}

func headerMap(headers []kgo.Header) map[string]string {
	out := make(map[string]string, len(headers))
	for _, header := range headers {
		out[header.Key] = string(header.Value)
	}
	return out
}
