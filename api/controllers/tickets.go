package controllers

import (
	"math"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/opsdesk/opsdesk-backend/api/responses"
	"github.com/opsdesk/opsdesk-backend/api/validators"
	ticketsvc "github.com/opsdesk/opsdesk-backend/internal/tickets"
	"github.com/opsdesk/opsdesk-backend/pkg/enums"
	pkgerrors "github.com/opsdesk/opsdesk-backend/pkg/errors"
	"github.com/opsdesk/opsdesk-backend/pkg/logger"
	"github.com/opsdesk/opsdesk-backend/pkg/pagination"
)

type createTicketRequest struct {
	TicketNumber string  `json:"ticketNumber" validate:"required,max=50"`
	Title        string  `json:"title" validate:"required,max=255"`
	Description  *string `json:"description,omitempty" validate:"omitempty,max=5000"`
	CustomerID   int64   `json:"customerId" validate:"required,min=1"`
	AssignedTo   *int64  `json:"assignedTo,omitempty" validate:"omitempty,min=1"`
	Status       string  `json:"status,omitempty"`
	Priority     string  `json:"priority,omitempty"`
}

func (r createTicketRequest) toParams() ticketsvc.CreateParams {
	return ticketsvc.CreateParams{
		TicketNumber: r.TicketNumber,
		Title:        r.Title,
		Description:  r.Description,
		CustomerID:   r.CustomerID,
		AssignedTo:   r.AssignedTo,
		Status:       coerceStatus(r.Status),
		Priority:     coercePriority(r.Priority),
	}
}

type updateTicketRequest struct {
	Title       *string `json:"title,omitempty" validate:"omitempty,max=255"`
	Description *string `json:"description,omitempty" validate:"omitempty,max=5000"`
	Priority    *string `json:"priority,omitempty"`
	AssignedTo  *int64  `json:"assignedTo,omitempty" validate:"omitempty,min=1"`
}

func (r updateTicketRequest) toParams() ticketsvc.UpdateParams {
	params := ticketsvc.UpdateParams{
		Title:       r.Title,
		Description: r.Description,
		AssignedTo:  r.AssignedTo,
	}
	if r.Priority != nil {
		priority := coercePriority(*r.Priority)
		params.Priority = &priority
	}
	return params
}

type updateTicketStatusRequest struct {
	Status string `json:"status" validate:"required"`
}

// coerceStatus folds raw input to the enum's casing. Unknown values pass
// through so the service rejects them with its own error codes.
func coerceStatus(raw string) enums.TicketStatus {
	return enums.TicketStatus(strings.ToUpper(strings.TrimSpace(raw)))
}

func coercePriority(raw string) enums.TicketPriority {
	return enums.TicketPriority(strings.ToUpper(strings.TrimSpace(raw)))
}

func ticketIDFromRequest(r *http.Request) (uuid.UUID, error) {
	id, err := uuid.Parse(chi.URLParam(r, "ticketId"))
	if err != nil {
		return uuid.Nil, pkgerrors.Wrap(pkgerrors.CodeInvalidRowData, err, "invalid ticket id")
	}
	return id, nil
}

// CreateTicket handles single ticket creation. Creation is idempotent on
// the ticket number; a replay with the same number answers 409.
func CreateTicket(svc ticketsvc.Service, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if svc == nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeInternalError, "ticket service unavailable"))
			return
		}

		var payload createTicketRequest
		if err := validators.DecodeJSONBody(r, &payload); err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		ticket, err := svc.Create(r.Context(), payload.toParams())
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		responses.WriteSuccessStatus(w, http.StatusCreated, ticket)
	}
}

// GetTicket returns one ticket by id.
func GetTicket(svc ticketsvc.Service, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if svc == nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeInternalError, "ticket service unavailable"))
			return
		}

		id, err := ticketIDFromRequest(r)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		ticket, err := svc.GetByID(r.Context(), id)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		responses.WriteSuccess(w, ticket)
	}
}

// GetTicketByNumber returns one ticket by its business key.
func GetTicketByNumber(svc ticketsvc.Service, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if svc == nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeInternalError, "ticket service unavailable"))
			return
		}

		ticket, err := svc.GetByNumber(r.Context(), chi.URLParam(r, "ticketNumber"))
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		responses.WriteSuccess(w, ticket)
	}
}

// ListTickets returns a filtered, cursor-paginated ticket page.
func ListTickets(svc ticketsvc.Service, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if svc == nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeInternalError, "ticket service unavailable"))
			return
		}

		limit, err := validators.ParseQueryInt(r, "limit", 0, 0, pagination.MaxPageSize)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		customerID, err := validators.ParseQueryInt(r, "customerId", 0, 0, math.MaxInt)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		params := ticketsvc.ListParams{
			Status:   r.URL.Query().Get("status"),
			Priority: r.URL.Query().Get("priority"),
			BatchID:  r.URL.Query().Get("batchId"),
			Limit:    limit,
			Cursor:   r.URL.Query().Get("cursor"),
		}
		if customerID > 0 {
			cid := int64(customerID)
			params.CustomerID = &cid
		}

		result, err := svc.List(r.Context(), params)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		responses.WriteSuccess(w, result)
	}
}

// UpdateTicket applies partial field changes to one ticket.
func UpdateTicket(svc ticketsvc.Service, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if svc == nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeInternalError, "ticket service unavailable"))
			return
		}

		id, err := ticketIDFromRequest(r)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		var payload updateTicketRequest
		if err := validators.DecodeJSONBody(r, &payload); err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		ticket, err := svc.Update(r.Context(), id, payload.toParams())
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		responses.WriteSuccess(w, ticket)
	}
}

// UpdateTicketStatus moves one ticket along the lifecycle transition table.
func UpdateTicketStatus(svc ticketsvc.Service, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if svc == nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeInternalError, "ticket service unavailable"))
			return
		}

		id, err := ticketIDFromRequest(r)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		var payload updateTicketStatusRequest
		if err := validators.DecodeJSONBody(r, &payload); err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		ticket, err := svc.UpdateStatus(r.Context(), id, coerceStatus(payload.Status))
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		responses.WriteSuccess(w, ticket)
	}
}

// DeleteTicket removes one ticket.
func DeleteTicket(svc ticketsvc.Service, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if svc == nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeInternalError, "ticket service unavailable"))
			return
		}

		id, err := ticketIDFromRequest(r)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		if err := svc.Delete(r.Context(), id); err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		responses.WriteSuccess(w, map[string]any{"deleted": true, "id": id})
	}
}
