package errors

import (
	stdErrors "errors"
	"fmt"
	"net/http"
)

// Code identifies one failure kind in the closed bulk-processing taxonomy.
// The string value is the wire classifier recorded in failure lists, DLT
// records and API envelopes.
type Code string

// Validation failures (V1xxx). Never retryable.
const (
	CodeEmptyFile              Code = "V1001"
	CodeInvalidFileFormat      Code = "V1002"
	CodeMissingRequiredColumns Code = "V1003"
	CodeInvalidRowData         Code = "V1004"
	CodeMissingTicketNumber    Code = "V1005"
	CodeInvalidCustomerID      Code = "V1006"
	CodeMissingTitle           Code = "V1007"
	CodeNullRequest            Code = "V1008"
	CodeBatchSizeExceeded      Code = "V1009"
)

// Processing failures (P2xxx).
const (
	CodeDuplicateTicket         Code = "P2001"
	CodeTicketCreationFailed    Code = "P2002"
	CodeChunkProcessingFailed   Code = "P2003"
	CodeBatchProcessingFailed   Code = "P2004"
	CodeRecordProcessingFailed  Code = "P2005"
	CodeInvalidStatusTransition Code = "P2006"
	CodeInvalidPriority         Code = "P2007"
	CodeTicketNotFound          Code = "P2008"
)

// Infrastructure failures (I3xxx).
const (
	CodeDatabaseError Code = "I3001"
	CodeRedisError    Code = "I3002"
	CodeIOError       Code = "I3003"
	CodeTimeoutError  Code = "I3004"
	CodeMemoryError   Code = "I3005"
	CodeRateLimited   Code = "I3006"
)

// Transport failures (K4xxx).
const (
	CodeKafkaProducerError        Code = "K4001"
	CodeKafkaConsumerError        Code = "K4002"
	CodeKafkaSerializationError   Code = "K4003"
	CodeKafkaDeserializationError Code = "K4004"
	CodeKafkaBrokerUnavailable    Code = "K4005"
	CodeKafkaTopicNotFound        Code = "K4006"
	CodeSentToDLT                 Code = "K4007"
	CodeKafkaCommitFailed         Code = "K4008"
)

// General failures (E9xxx).
const (
	CodeUnknownError       Code = "E9001"
	CodeInternalError      Code = "E9002"
	CodeConfigurationError Code = "E9003"
)

type Metadata struct {
	HTTPStatus     int
	Retryable      bool
	PublicMessage  string
	DetailsAllowed bool
}

var metadataByCode = map[Code]Metadata{
	CodeEmptyFile: {
		HTTPStatus:     http.StatusBadRequest,
		Retryable:      false,
		PublicMessage:  "file is empty or contains no data",
		DetailsAllowed: true,
	},
	CodeInvalidFileFormat: {
		HTTPStatus:     http.StatusBadRequest,
		Retryable:      false,
		PublicMessage:  "invalid file format",
		DetailsAllowed: true,
	},
	CodeMissingRequiredColumns: {
		HTTPStatus:     http.StatusBadRequest,
		Retryable:      false,
		PublicMessage:  "missing required columns",
		DetailsAllowed: true,
	},
	CodeInvalidRowData: {
		HTTPStatus:     http.StatusBadRequest,
		Retryable:      false,
		PublicMessage:  "invalid row data",
		DetailsAllowed: true,
	},
	CodeMissingTicketNumber: {
		HTTPStatus:     http.StatusBadRequest,
		Retryable:      false,
		PublicMessage:  "ticket number is required",
		DetailsAllowed: true,
	},
	CodeInvalidCustomerID: {
		HTTPStatus:     http.StatusBadRequest,
		Retryable:      false,
		PublicMessage:  "invalid customer id",
		DetailsAllowed: true,
	},
	CodeMissingTitle: {
		HTTPStatus:     http.StatusBadRequest,
		Retryable:      false,
		PublicMessage:  "title is required",
		DetailsAllowed: true,
	},
	CodeNullRequest: {
		HTTPStatus:     http.StatusBadRequest,
		Retryable:      false,
		PublicMessage:  "request payload is missing",
		DetailsAllowed: true,
	},
	CodeBatchSizeExceeded: {
		HTTPStatus:     http.StatusRequestEntityTooLarge,
		Retryable:      false,
		PublicMessage:  "batch size exceeds the maximum limit",
		DetailsAllowed: true,
	},
	CodeDuplicateTicket: {
		HTTPStatus:     http.StatusConflict,
		Retryable:      false,
		PublicMessage:  "duplicate ticket number",
		DetailsAllowed: true,
	},
	CodeTicketCreationFailed: {
		HTTPStatus:     http.StatusInternalServerError,
		Retryable:      true,
		PublicMessage:  "failed to create ticket",
		DetailsAllowed: false,
	},
	CodeChunkProcessingFailed: {
		HTTPStatus:     http.StatusInternalServerError,
		Retryable:      true,
		PublicMessage:  "failed to process chunk",
		DetailsAllowed: false,
	},
	CodeBatchProcessingFailed: {
		HTTPStatus:     http.StatusInternalServerError,
		Retryable:      true,
		PublicMessage:  "failed to process batch",
		DetailsAllowed: false,
	},
	CodeRecordProcessingFailed: {
		HTTPStatus:     http.StatusInternalServerError,
		Retryable:      true,
		PublicMessage:  "failed to process record",
		DetailsAllowed: false,
	},
	CodeInvalidStatusTransition: {
		HTTPStatus:     http.StatusUnprocessableEntity,
		Retryable:      false,
		PublicMessage:  "invalid status transition",
		DetailsAllowed: true,
	},
	CodeInvalidPriority: {
		HTTPStatus:     http.StatusUnprocessableEntity,
		Retryable:      false,
		PublicMessage:  "invalid priority value",
		DetailsAllowed: true,
	},
	CodeTicketNotFound: {
		HTTPStatus:     http.StatusNotFound,
		Retryable:      false,
		PublicMessage:  "ticket not found",
		DetailsAllowed: true,
	},
	CodeDatabaseError: {
		HTTPStatus:     http.StatusServiceUnavailable,
		Retryable:      true,
		PublicMessage:  "database error",
		DetailsAllowed: false,
	},
	CodeRedisError: {
		HTTPStatus:     http.StatusServiceUnavailable,
		Retryable:      true,
		PublicMessage:  "cache error",
		DetailsAllowed: false,
	},
	CodeIOError: {
		HTTPStatus:     http.StatusServiceUnavailable,
		Retryable:      true,
		PublicMessage:  "i/o error",
		DetailsAllowed: false,
	},
	CodeTimeoutError: {
		HTTPStatus:     http.StatusServiceUnavailable,
		Retryable:      true,
		PublicMessage:  "operation timed out",
		DetailsAllowed: false,
	},
	CodeMemoryError: {
		HTTPStatus:     http.StatusInternalServerError,
		Retryable:      false,
		PublicMessage:  "out of memory",
		DetailsAllowed: false,
	},
	CodeRateLimited: {
		HTTPStatus:     http.StatusTooManyRequests,
		Retryable:      true,
		PublicMessage:  "too many requests",
		DetailsAllowed: false,
	},
	CodeKafkaProducerError: {
		HTTPStatus:     http.StatusServiceUnavailable,
		Retryable:      true,
		PublicMessage:  "message broker publish failed",
		DetailsAllowed: true,
	},
	CodeKafkaConsumerError: {
		HTTPStatus:     http.StatusServiceUnavailable,
		Retryable:      true,
		PublicMessage:  "message broker consume failed",
		DetailsAllowed: false,
	},
	CodeKafkaSerializationError: {
		HTTPStatus:     http.StatusServiceUnavailable,
		Retryable:      false,
		PublicMessage:  "event serialization failed",
		DetailsAllowed: false,
	},
	CodeKafkaDeserializationError: {
		HTTPStatus:     http.StatusServiceUnavailable,
		Retryable:      false,
		PublicMessage:  "event deserialization failed",
		DetailsAllowed: false,
	},
	CodeKafkaBrokerUnavailable: {
		HTTPStatus:     http.StatusServiceUnavailable,
		Retryable:      true,
		PublicMessage:  "message broker unavailable",
		DetailsAllowed: false,
	},
	CodeKafkaTopicNotFound: {
		HTTPStatus:     http.StatusServiceUnavailable,
		Retryable:      false,
		PublicMessage:  "topic not found",
		DetailsAllowed: false,
	},
	CodeSentToDLT: {
		HTTPStatus:     http.StatusServiceUnavailable,
		Retryable:      false,
		PublicMessage:  "message routed to dead letter topic",
		DetailsAllowed: true,
	},
	CodeKafkaCommitFailed: {
		HTTPStatus:     http.StatusServiceUnavailable,
		Retryable:      true,
		PublicMessage:  "offset commit failed",
		DetailsAllowed: false,
	},
	CodeUnknownError: {
		HTTPStatus:     http.StatusInternalServerError,
		Retryable:      true,
		PublicMessage:  "unknown error",
		DetailsAllowed: false,
	},
	CodeInternalError: {
		HTTPStatus:     http.StatusInternalServerError,
		Retryable:      true,
		PublicMessage:  "internal system error",
		DetailsAllowed: false,
	},
	CodeConfigurationError: {
		HTTPStatus:     http.StatusInternalServerError,
		Retryable:      false,
		PublicMessage:  "configuration error",
		DetailsAllowed: false,
	},
}

func MetadataFor(code Code) Metadata {
	if meta, ok := metadataByCode[code]; ok {
		return meta
	}
	return metadataByCode[CodeUnknownError]
}

type Error struct {
	code    Code
	message string
	details any
	cause   error
}

func New(code Code, message string) *Error {
	return &Error{code: code, message: message}
}

func Wrap(code Code, err error, message string) *Error {
	if err == nil {
		return New(code, message)
	}
	return &Error{code: code, message: message, cause: err}
}

func (e *Error) Code() Code {
	if e == nil {
		return CodeUnknownError
	}
	return e.code
}

func (e *Error) Message() string {
	if e == nil {
		return ""
	}
	return e.message
}

func (e *Error) Details() any {
	if e == nil {
		return nil
	}
	return e.details
}

func (e *Error) WithDetails(details any) *Error {
	if e == nil {
		return nil
	}
	e.details = details
	return e
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("%s: %s", e.code, e.message)
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.cause
}

func As(err error) *Error {
	if err == nil {
		return nil
	}
	var typed *Error
	if stdErrors.As(err, &typed) {
		return typed
	}
	return nil
}

// CodeOf returns the taxonomy code attached to err, or CodeUnknownError when
// err carries none.
func CodeOf(err error) Code {
	if typed := As(err); typed != nil {
		return typed.Code()
	}
	return CodeUnknownError
}

// IsRetryable reports whether err resolves to a retryable taxonomy code.
// Errors without a taxonomy code are classified first.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	return MetadataFor(Classify(err)).Retryable
}

// HTTPStatusFor maps err to the HTTP status of its taxonomy code.
func HTTPStatusFor(err error) int {
	return MetadataFor(Classify(err)).HTTPStatus
}
