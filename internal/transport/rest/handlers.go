package rest

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/render"
	"github.com/google/uuid"

	"github.com/baechuer/confbook/internal/domain"
	"github.com/baechuer/confbook/internal/pkg/logger"
	"github.com/baechuer/confbook/internal/service"
	"github.com/baechuer/confbook/internal/transport/rest/response"
)

type Handler struct {
	svc *service.BookingService
}

func NewHandler(svc *service.BookingService) *Handler {
	return &Handler{svc: svc}
}

type createUserRequest struct {
	UserID string   `json:"user_id"`
	Topics []string `json:"topics"`
}

type createConferenceRequest struct {
	Name     string   `json:"name"`
	Location string   `json:"location"`
	Start    string   `json:"start"`
	End      string   `json:"end"`
	Slots    int32    `json:"slots"`
	Topics   []string `json:"topics"`
}

type bookRequest struct {
	Name   string `json:"name"`
	UserID string `json:"user_id"`
}

type confirmRequest struct {
	BookingID string `json:"booking_id"`
	UserID    string `json:"user_id"`
}

type cancelRequest struct {
	BookingID string `json:"booking_id"`
}

type bookResponse struct {
	BookingID        uuid.UUID            `json:"booking_id"`
	Status           domain.BookingStatus `json:"status"`
	Message          string               `json:"message"`
	WaitlistPosition *int32               `json:"waitlist_position,omitempty"`
}

type bookingStatusResponse struct {
	BookingID            uuid.UUID            `json:"booking_id"`
	Status               domain.BookingStatus `json:"status"`
	ConferenceName       string               `json:"conference_name"`
	CanConfirm           bool                 `json:"can_confirm"`
	ConfirmationDeadline *time.Time           `json:"confirmation_deadline,omitempty"`
	WaitlistPosition     *int32               `json:"waitlist_position,omitempty"`
}

type conferenceBookingItem struct {
	BookingID            uuid.UUID            `json:"booking_id"`
	UserID               string               `json:"user_id"`
	Status               domain.BookingStatus `json:"status"`
	CreatedAt            time.Time            `json:"created_at"`
	WaitlistPosition     *int32               `json:"waitlist_position,omitempty"`
	CanConfirm           bool                 `json:"can_confirm"`
	ConfirmationDeadline *time.Time           `json:"confirmation_deadline,omitempty"`
	CanceledAt           *time.Time           `json:"canceled_at,omitempty"`
}

// CreateUser handles POST /user.
func (h *Handler) CreateUser(w http.ResponseWriter, r *http.Request) {
	var req createUserRequest
	if err := render.DecodeJSON(r.Body, &req); err != nil {
		response.Message(w, http.StatusBadRequest, "invalid request body")
		return
	}

	_, err := h.svc.RegisterUser(r.Context(), domain.NewUser{UserID: req.UserID, Topics: req.Topics})
	if err != nil {
		handleErr(w, r, err)
		return
	}

	response.Message(w, http.StatusCreated, "User added successfully")
}

// CreateConference handles POST /conference.
func (h *Handler) CreateConference(w http.ResponseWriter, r *http.Request) {
	var req createConferenceRequest
	if err := render.DecodeJSON(r.Body, &req); err != nil {
		response.Message(w, http.StatusBadRequest, "invalid request body")
		return
	}

	start, err := time.Parse(domain.TimeLayout, req.Start)
	if err != nil {
		response.Message(w, http.StatusBadRequest, "start timestamp not in correct format")
		return
	}
	end, err := time.Parse(domain.TimeLayout, req.End)
	if err != nil {
		response.Message(w, http.StatusBadRequest, "end timestamp not in correct format")
		return
	}

	_, err = h.svc.CreateConference(r.Context(), domain.NewConference{
		Name:      req.Name,
		Location:  req.Location,
		Topics:    req.Topics,
		StartTime: start,
		EndTime:   end,
		Slots:     req.Slots,
	})
	if err != nil {
		handleErr(w, r, err)
		return
	}

	response.Message(w, http.StatusCreated, "conference added successfully")
}

// Book handles POST /book.
func (h *Handler) Book(w http.ResponseWriter, r *http.Request) {
	var req bookRequest
	if err := render.DecodeJSON(r.Body, &req); err != nil {
		response.Message(w, http.StatusBadRequest, "invalid request body")
		return
	}

	res, err := h.svc.Book(r.Context(), req.Name, req.UserID)
	if err != nil {
		handleErr(w, r, err)
		return
	}

	msg := "Booking confirmed successfully"
	if res.Status == domain.StatusWaitlisted {
		msg = "Added to waitlist"
	}
	response.JSON(w, http.StatusCreated, bookResponse{
		BookingID:        res.BookingID,
		Status:           res.Status,
		Message:          msg,
		WaitlistPosition: res.WaitlistPosition,
	})
}

// BookingStatus handles GET /booking/{bookingID}.
func (h *Handler) BookingStatus(w http.ResponseWriter, r *http.Request) {
	bookingID, err := uuid.Parse(chi.URLParam(r, "bookingID"))
	if err != nil {
		// An unparseable id cannot name a booking.
		response.Message(w, http.StatusNotFound, "Booking not found")
		return
	}

	detail, err := h.svc.BookingStatus(r.Context(), bookingID)
	if err != nil {
		handleErr(w, r, err)
		return
	}

	response.JSON(w, http.StatusOK, bookingStatusResponse{
		BookingID:            detail.ID,
		Status:               detail.Status,
		ConferenceName:       detail.ConferenceName,
		CanConfirm:           detail.CanConfirm,
		ConfirmationDeadline: detail.ConfirmationDeadline,
		WaitlistPosition:     detail.WaitlistPosition,
	})
}

// Confirm handles POST /confirm.
func (h *Handler) Confirm(w http.ResponseWriter, r *http.Request) {
	var req confirmRequest
	if err := render.DecodeJSON(r.Body, &req); err != nil {
		response.Message(w, http.StatusBadRequest, "invalid request body")
		return
	}
	bookingID, err := uuid.Parse(req.BookingID)
	if err != nil {
		response.Message(w, http.StatusBadRequest, "booking_id must be a valid uuid")
		return
	}

	if _, err := h.svc.Confirm(r.Context(), bookingID, req.UserID); err != nil {
		handleErr(w, r, err)
		return
	}

	response.Message(w, http.StatusOK, "Booking confirmed successfully")
}

// Cancel handles POST /cancel.
func (h *Handler) Cancel(w http.ResponseWriter, r *http.Request) {
	var req cancelRequest
	if err := render.DecodeJSON(r.Body, &req); err != nil {
		response.Message(w, http.StatusBadRequest, "invalid request body")
		return
	}
	bookingID, err := uuid.Parse(req.BookingID)
	if err != nil {
		response.Message(w, http.StatusBadRequest, "booking_id must be a valid uuid")
		return
	}

	if _, err := h.svc.Cancel(r.Context(), bookingID); err != nil {
		handleErr(w, r, err)
		return
	}

	response.Message(w, http.StatusOK, "Booking canceled successfully")
}

// ConferenceBookings handles GET /conference/{conferenceName}/bookings.
func (h *Handler) ConferenceBookings(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "conferenceName")

	details, err := h.svc.ConferenceBookings(r.Context(), name)
	if err != nil {
		handleErr(w, r, err)
		return
	}

	items := make([]conferenceBookingItem, 0, len(details))
	for _, d := range details {
		items = append(items, conferenceBookingItem{
			BookingID:            d.ID,
			UserID:               d.UserID,
			Status:               d.Status,
			CreatedAt:            d.CreatedAt,
			WaitlistPosition:     d.WaitlistPosition,
			CanConfirm:           d.CanConfirm,
			ConfirmationDeadline: d.ConfirmationDeadline,
			CanceledAt:           d.CanceledAt,
		})
	}

	response.JSON(w, http.StatusOK, items)
}

// handleErr maps domain errors onto statuses. Validation, conflicts and
// state violations are all client errors with the explanatory message;
// anything unclassified stays a generic 500.
func handleErr(w http.ResponseWriter, r *http.Request, err error) {
	if ae, ok := domain.AsAppError(err); ok {
		switch ae.Code {
		case domain.ErrCodeValidation, domain.ErrCodeConflict, domain.ErrCodeState:
			response.Message(w, http.StatusBadRequest, ae.Message)
			return
		case domain.ErrCodeNotFound:
			response.Message(w, http.StatusNotFound, ae.Message)
			return
		}
	}

	lg := logger.WithCtx(r.Context())
	lg.Error().Err(err).Str("path", r.URL.Path).Msg("request failed")
	response.Message(w, http.StatusInternalServerError, "internal error")
}
