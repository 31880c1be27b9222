// Package errors provides structured error handling with a closed error-kind
// taxonomy shared by the write path, projections and the saga layer.
package errors

import "net/http"

// Code is a machine-readable error code.
type Code string

const (
	// CodeUnknown represents an unknown error.
	CodeUnknown Code = "UNKNOWN"

	// Identity and stream addressing errors
	CodeInvalidIdentity    Code = "INVALID_IDENTITY"
	CodeUnresolvableStream Code = "UNRESOLVABLE_STREAM"
	CodeInvalidArgument    Code = "INVALID_ARGUMENT"
	CodeUnknownField       Code = "UNKNOWN_FIELD"

	// Saga errors
	CodeDependencyResolve Code = "DEPENDENCY_RESOLVE"
	CodeHandlerFailed     Code = "HANDLER_FAILED"
	CodeHandlerPanicked   Code = "HANDLER_PANICKED"

	// State machine errors
	CodeInvalidStatusTransition Code = "INVALID_STATUS_TRANSITION"
	CodeTicketFinalized         Code = "TICKET_FINALIZED"

	// Storage errors
	CodeNotFound           Code = "NOT_FOUND"
	CodeEventRejected      Code = "EVENT_REJECTED"
	CodeStorageUnavailable Code = "STORAGE_UNAVAILABLE"

	// Projection errors
	CodeProjectionInconsistent Code = "PROJECTION_INCONSISTENT"
)

// Kind is the handling class of an error. Loops and the orchestrator switch on
// Kind instead of on concrete error types.
type Kind string

const (
	KindUnknown             Kind = "UnknownError"
	KindValidation          Kind = "ValidationError"
	KindTransientStorage    Kind = "TransientStorageError"
	KindPermanentProjection Kind = "PermanentProjectionError"
	KindOrchestration       Kind = "OrchestrationError"
	KindNotFound            Kind = "NotFoundError"
)

// Kind maps domain codes to their handling class.
func (c Code) Kind() Kind {
	switch c {
	case CodeInvalidIdentity,
		CodeUnresolvableStream,
		CodeInvalidArgument,
		CodeUnknownField,
		CodeDependencyResolve,
		CodeInvalidStatusTransition,
		CodeTicketFinalized,
		CodeEventRejected:
		return KindValidation
	case CodeStorageUnavailable:
		return KindTransientStorage
	case CodeProjectionInconsistent:
		return KindPermanentProjection
	case CodeHandlerFailed, CodeHandlerPanicked:
		return KindOrchestration
	case CodeNotFound:
		return KindNotFound
	default:
		return KindUnknown
	}
}

// HTTPStatus maps an error kind to the status carried by problem details.
func (k Kind) HTTPStatus() int {
	switch k {
	case KindValidation:
		return http.StatusBadRequest
	case KindNotFound:
		return http.StatusNotFound
	case KindTransientStorage:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// Title returns a short human readable summary for the code.
func (c Code) Title() string {
	switch c {
	case CodeInvalidIdentity:
		return "Invalid object identity"
	case CodeUnresolvableStream:
		return "Stream name cannot be resolved"
	case CodeInvalidArgument, CodeUnknownField:
		return "Invalid request payload"
	case CodeDependencyResolve:
		return "Command is not registered"
	case CodeInvalidStatusTransition, CodeTicketFinalized:
		return "Invalid state transition"
	case CodeNotFound:
		return "Resource not found"
	case CodeEventRejected:
		return "Event rejected by the event store"
	case CodeStorageUnavailable:
		return "Storage temporarily unavailable"
	case CodeProjectionInconsistent:
		return "Projection is inconsistent with the event"
	case CodeHandlerFailed, CodeHandlerPanicked:
		return "Command execution failed"
	default:
		return "Unexpected error"
	}
}
