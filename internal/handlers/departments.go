package handlers

import (
	"log/slog"
	"net/http"

	"github.com/diewo77/go-jobshop/httpx"
	"github.com/diewo77/go-jobshop/internal/services"
	"github.com/diewo77/go-jobshop/validation"
)

type DepartmentHandler struct {
	router *services.DepartmentRouter
	log    *slog.Logger
}

func NewDepartmentHandler(router *services.DepartmentRouter, log *slog.Logger) *DepartmentHandler {
	return &DepartmentHandler{router: router, log: loggerOr(log)}
}

// Transition moves parts of the order in the path between departments.
func (h *DepartmentHandler) Transition(w http.ResponseWriter, r *http.Request) {
	var in services.TransitionInput
	err := decode(r, &in, func(in *services.TransitionInput, v validation.Violations) {
		validation.NotEmpty("part_ids", in.PartIDs, v)
		validation.Required("to_department_id", in.ToDepartmentID, v)
		validation.MaxLen("reason", in.Reason, 400, v)
	})
	if err != nil {
		writeError(w, r, h.log, err)
		return
	}
	in.OrderID = r.PathValue("id")
	in.Actor = actor(r)
	res, err := h.router.TransitionPartsDepartment(r.Context(), in)
	if err != nil {
		writeError(w, r, h.log, err)
		return
	}
	httpx.JSON(w, http.StatusOK, res)
}

func (h *DepartmentHandler) Feed(w http.ResponseWriter, r *http.Request) {
	feed, err := h.router.DepartmentFeed(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, r, h.log, err)
		return
	}
	httpx.JSON(w, http.StatusOK, feed)
}
