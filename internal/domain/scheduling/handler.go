package scheduling

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/harmony/dental/internal/platform/auth"
	engine "github.com/harmony/dental/internal/platform/scheduling"
	"github.com/harmony/dental/pkg/pagination"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	// Read endpoints – admin, provider, front desk
	readGroup := api.Group("", auth.RequireRole(auth.RoleProvider, auth.RoleFrontDesk))
	readGroup.GET("/providers/:providerId/availability", h.GetAvailability)
	readGroup.GET("/providers/:providerId/working-hours", h.GetWorkingHours)
	readGroup.POST("/appointments/conflicts", h.CheckConflicts)
	readGroup.GET("/appointments", h.ListAppointments)
	readGroup.GET("/appointments/:id", h.GetAppointment)
	readGroup.GET("/schedule/:date", h.GetDaySchedule)
	readGroup.POST("/schedule/optimize", h.Optimize)
	readGroup.GET("/patients/:patientId/risk", h.GetPatientRisk)
	readGroup.GET("/patients/:patientId/history", h.GetPatientHistory)
	readGroup.GET("/waitlist", h.ListWaitlist)

	// Write endpoints – admin, provider, front desk
	writeGroup := api.Group("", auth.RequireRole(auth.RoleProvider, auth.RoleFrontDesk))
	writeGroup.POST("/appointments", h.CreateAppointment)
	writeGroup.PUT("/appointments/:id/reschedule", h.RescheduleAppointment)
	writeGroup.PATCH("/appointments/:id/confirm", h.transition(engine.StatusConfirmed))
	writeGroup.PATCH("/appointments/:id/cancel", h.transition(engine.StatusCancelled))
	writeGroup.PATCH("/appointments/:id/complete", h.transition(engine.StatusCompleted))
	writeGroup.PATCH("/appointments/:id/no-show", h.transition(engine.StatusNoShow))
	writeGroup.POST("/waitlist", h.CreateWaitlistEntry)
	writeGroup.PATCH("/waitlist/:id/status", h.UpdateWaitlistStatus)

	// Admin only
	adminGroup := api.Group("", auth.RequireRole(auth.RoleAdmin))
	adminGroup.DELETE("/appointments/:id", h.DeleteAppointment)
	adminGroup.PUT("/providers/:providerId/working-hours", h.SetWorkingHours)
}

// httpError maps service errors onto HTTP responses. A lost slot is a 409
// that tells the client it may retry with one of the alternatives.
func httpError(c echo.Context, err error) error {
	var conflict *ConflictError
	var badRequest *engine.InvalidRequestError
	var badInterval *engine.InvalidIntervalError
	switch {
	case errors.As(err, &conflict):
		return c.JSON(http.StatusConflict, map[string]interface{}{
			"message":      conflict.Error(),
			"retryable":    true,
			"conflicts":    conflict.Conflicts,
			"alternatives": conflict.Alternatives,
		})
	case errors.As(err, &badRequest), errors.As(err, &badInterval):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	case errors.Is(err, ErrNotFound):
		return echo.NewHTTPError(http.StatusNotFound, "not found")
	case errors.Is(err, ErrInvalidTransition), errors.Is(err, ErrOutsideWorkingHours):
		return echo.NewHTTPError(http.StatusUnprocessableEntity, err.Error())
	default:
		return echo.NewHTTPError(http.StatusInternalServerError, "internal error").SetInternal(err)
	}
}

func parseID(c echo.Context) (uuid.UUID, error) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return uuid.Nil, echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	return id, nil
}

func intParam(c echo.Context, name string) (int, error) {
	v := c.QueryParam(name)
	if v == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, echo.NewHTTPError(http.StatusBadRequest, "invalid "+name)
	}
	return n, nil
}

// timeParam accepts RFC 3339 timestamps or YYYY-MM-DD dates.
func (h *Handler) timeParam(c echo.Context, name string) (*time.Time, error) {
	v := c.QueryParam(name)
	if v == "" {
		return nil, nil
	}
	if t, err := time.Parse(time.RFC3339, v); err == nil {
		return &t, nil
	}
	t, err := h.svc.ParseDate(name, v)
	if err != nil {
		return nil, httpError(c, err)
	}
	return &t, nil
}

// -- Availability --

func (h *Handler) GetAvailability(c echo.Context) error {
	date, err := h.svc.ParseDate("date", c.QueryParam("date"))
	if err != nil {
		return httpError(c, err)
	}
	duration, err := intParam(c, "duration")
	if err != nil {
		return err
	}
	granularity, err := intParam(c, "granularity")
	if err != nil {
		return err
	}
	resp, err := h.svc.Availability(c.Request().Context(), AvailabilityRequest{
		ProviderID:         c.Param("providerId"),
		Date:               date,
		DurationMinutes:    duration,
		GranularityMinutes: granularity,
		Mode:               engine.SearchMode(c.QueryParam("mode")),
	})
	if err != nil {
		return httpError(c, err)
	}
	return c.JSON(http.StatusOK, resp)
}

func (h *Handler) CheckConflicts(c echo.Context) error {
	var req ConflictCheckRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	resp, err := h.svc.CheckConflicts(c.Request().Context(), req)
	if err != nil {
		return httpError(c, err)
	}
	return c.JSON(http.StatusOK, resp)
}

// -- Appointments --

func (h *Handler) CreateAppointment(c echo.Context) error {
	var req CreateAppointmentRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	a, err := h.svc.Book(c.Request().Context(), req)
	if err != nil {
		return httpError(c, err)
	}
	return c.JSON(http.StatusCreated, a)
}

func (h *Handler) GetAppointment(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	a, err := h.svc.GetAppointment(c.Request().Context(), id)
	if err != nil {
		return httpError(c, err)
	}
	return c.JSON(http.StatusOK, a)
}

func (h *Handler) ListAppointments(c echo.Context) error {
	pg := pagination.FromContext(c)
	f := AppointmentFilter{
		ProviderID: c.QueryParam("provider_id"),
		PatientID:  c.QueryParam("patient_id"),
		Status:     engine.BookingStatus(c.QueryParam("status")),
	}
	var err error
	if f.From, err = h.timeParam(c, "from"); err != nil {
		return err
	}
	if f.To, err = h.timeParam(c, "to"); err != nil {
		return err
	}
	items, total, err := h.svc.SearchAppointments(c.Request().Context(), f, pg.Limit, pg.Offset)
	if err != nil {
		return httpError(c, err)
	}
	if items == nil {
		items = []*Appointment{}
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(items, total, pg.Limit, pg.Offset))
}

func (h *Handler) RescheduleAppointment(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	var req RescheduleRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	a, err := h.svc.Reschedule(c.Request().Context(), id, req)
	if err != nil {
		return httpError(c, err)
	}
	return c.JSON(http.StatusOK, a)
}

func (h *Handler) transition(to engine.BookingStatus) echo.HandlerFunc {
	return func(c echo.Context) error {
		id, err := parseID(c)
		if err != nil {
			return err
		}
		a, err := h.svc.Transition(c.Request().Context(), id, to)
		if err != nil {
			return httpError(c, err)
		}
		return c.JSON(http.StatusOK, a)
	}
}

func (h *Handler) DeleteAppointment(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	if err := h.svc.DeleteAppointment(c.Request().Context(), id); err != nil {
		return httpError(c, err)
	}
	return c.NoContent(http.StatusNoContent)
}

// -- Schedule --

func (h *Handler) GetDaySchedule(c echo.Context) error {
	date, err := h.svc.ParseDate("date", c.Param("date"))
	if err != nil {
		return httpError(c, err)
	}
	resp, err := h.svc.DaySchedule(c.Request().Context(), date)
	if err != nil {
		return httpError(c, err)
	}
	return c.JSON(http.StatusOK, resp)
}

func (h *Handler) Optimize(c echo.Context) error {
	var req OptimizeRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	res, err := h.svc.Optimize(c.Request().Context(), req)
	if err != nil {
		return httpError(c, err)
	}
	return c.JSON(http.StatusOK, res)
}

func (h *Handler) GetWorkingHours(c echo.Context) error {
	items, err := h.svc.WorkingHours(c.Request().Context(), c.Param("providerId"))
	if err != nil {
		return httpError(c, err)
	}
	if items == nil {
		items = []*WorkingHours{}
	}
	return c.JSON(http.StatusOK, items)
}

func (h *Handler) SetWorkingHours(c echo.Context) error {
	var hours []*WorkingHours
	if err := c.Bind(&hours); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	providerID := c.Param("providerId")
	if err := h.svc.SetWorkingHours(c.Request().Context(), providerID, hours); err != nil {
		return httpError(c, err)
	}
	return c.JSON(http.StatusOK, hours)
}

// -- Patients --

func (h *Handler) GetPatientRisk(c echo.Context) error {
	resp, err := h.svc.PatientRisk(c.Request().Context(), c.Param("patientId"))
	if err != nil {
		return httpError(c, err)
	}
	return c.JSON(http.StatusOK, resp)
}

func (h *Handler) GetPatientHistory(c echo.Context) error {
	resp, err := h.svc.PatientHistory(c.Request().Context(), c.Param("patientId"))
	if err != nil {
		return httpError(c, err)
	}
	return c.JSON(http.StatusOK, resp)
}

// -- Waitlist --

func (h *Handler) CreateWaitlistEntry(c echo.Context) error {
	var req CreateWaitlistRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	w, err := h.svc.CreateWaitlistEntry(c.Request().Context(), req)
	if err != nil {
		return httpError(c, err)
	}
	return c.JSON(http.StatusCreated, w)
}

func (h *Handler) ListWaitlist(c echo.Context) error {
	pg := pagination.FromContext(c)
	items, total, err := h.svc.ListWaitlist(c.Request().Context(), c.QueryParam("status"), pg.Limit, pg.Offset)
	if err != nil {
		return httpError(c, err)
	}
	if items == nil {
		items = []*WaitlistEntry{}
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(items, total, pg.Limit, pg.Offset))
}

func (h *Handler) UpdateWaitlistStatus(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	var req WaitlistStatusRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	w, err := h.svc.UpdateWaitlistStatus(c.Request().Context(), id, req.Status)
	if err != nil {
		return httpError(c, err)
	}
	return c.JSON(http.StatusOK, w)
}
