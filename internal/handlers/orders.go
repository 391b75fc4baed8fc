package handlers

import (
	"fmt"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/diewo77/go-jobshop/httpx"
	"github.com/diewo77/go-jobshop/internal/models"
	"github.com/diewo77/go-jobshop/internal/services"
	"github.com/diewo77/go-jobshop/validation"
)

var (
	priorities = []string{string(models.PriorityLow), string(models.PriorityNormal), string(models.PriorityHigh), string(models.PriorityRush)}
	statuses   = []string{
		string(models.OrderStatusReceived), string(models.OrderStatusInProgress), string(models.OrderStatusOnHold),
		string(models.OrderStatusCompleted), string(models.OrderStatusShipped), string(models.OrderStatusClosed),
	}
)

type OrderHandler struct {
	orders *services.OrderService
	log    *slog.Logger
}

func NewOrderHandler(orders *services.OrderService, log *slog.Logger) *OrderHandler {
	return &OrderHandler{orders: orders, log: loggerOr(log)}
}

func (h *OrderHandler) List(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit, _ := strconv.Atoi(q.Get("limit"))
	page, err := h.orders.ListOrders(r.Context(), services.ListOrdersInput{
		Business:   q.Get("business"),
		Status:     models.OrderStatus(q.Get("status")),
		CustomerID: q.Get("customer_id"),
		Cursor:     q.Get("cursor"),
		Limit:      limit,
	})
	if err != nil {
		writeError(w, r, h.log, err)
		return
	}
	httpx.JSON(w, http.StatusOK, page)
}

func checkPart(prefix string, p *services.PartInput, v validation.Violations) {
	validation.PositiveInt(prefix+"quantity", p.Quantity, v)
	validation.MaxLen(prefix+"part_number", p.PartNumber, 100, v)
}

func (h *OrderHandler) Create(w http.ResponseWriter, r *http.Request) {
	var in services.CreateOrderInput
	err := decode(r, &in, func(in *services.CreateOrderInput, v validation.Violations) {
		validation.Required("business", in.Business, v)
		validation.Required("customer_id", in.CustomerID, v)
		validation.OneOf("priority", string(in.Priority), priorities, v)
		validation.NotEmpty("parts", in.Parts, v)
		for i := range in.Parts {
			checkPart(fmt.Sprintf("parts[%d].", i), &in.Parts[i], v)
		}
	})
	if err != nil {
		writeError(w, r, h.log, err)
		return
	}
	in.Actor = actor(r)
	order, err := h.orders.CreateOrder(r.Context(), in)
	if err != nil {
		writeError(w, r, h.log, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, order)
}

func (h *OrderHandler) Get(w http.ResponseWriter, r *http.Request) {
	order, err := h.orders.GetOrder(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, r, h.log, err)
		return
	}
	httpx.JSON(w, http.StatusOK, order)
}

func (h *OrderHandler) Update(w http.ResponseWriter, r *http.Request) {
	var in services.UpdateOrderInput
	err := decode(r, &in, func(in *services.UpdateOrderInput, v validation.Violations) {
		if in.Status != nil {
			validation.OneOf("status", string(*in.Status), statuses, v)
		}
		if in.Priority != nil {
			validation.OneOf("priority", string(*in.Priority), priorities, v)
		}
		validation.MaxLen("reason", in.Reason, 500, v)
	})
	if err != nil {
		writeError(w, r, h.log, err)
		return
	}
	in.Actor = actor(r)
	order, err := h.orders.UpdateOrder(r.Context(), r.PathValue("id"), in)
	if err != nil {
		writeError(w, r, h.log, err)
		return
	}
	httpx.JSON(w, http.StatusOK, order)
}

func (h *OrderHandler) History(w http.ResponseWriter, r *http.Request) {
	rows, err := h.orders.History(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, r, h.log, err)
		return
	}
	httpx.JSON(w, http.StatusOK, rows)
}

// Resync re-derives the checklist and initial departments of one order.
func (h *OrderHandler) Resync(w http.ResponseWriter, r *http.Request) {
	res, err := h.orders.Resync(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, r, h.log, err)
		return
	}
	httpx.JSON(w, http.StatusOK, res)
}

func (h *OrderHandler) AddPart(w http.ResponseWriter, r *http.Request) {
	var in services.AddPartInput
	err := decode(r, &in, func(in *services.AddPartInput, v validation.Violations) {
		checkPart("", &in.PartInput, v)
	})
	if err != nil {
		writeError(w, r, h.log, err)
		return
	}
	in.Actor = actor(r)
	part, err := h.orders.AddPart(r.Context(), r.PathValue("id"), in)
	if err != nil {
		writeError(w, r, h.log, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, part)
}

func (h *OrderHandler) UpdatePart(w http.ResponseWriter, r *http.Request) {
	var in services.UpdatePartInput
	err := decode(r, &in, func(in *services.UpdatePartInput, v validation.Violations) {
		if in.Quantity != nil {
			validation.PositiveInt("quantity", *in.Quantity, v)
		}
	})
	if err != nil {
		writeError(w, r, h.log, err)
		return
	}
	part, err := h.orders.UpdatePart(r.Context(), r.PathValue("id"), r.PathValue("partID"), in)
	if err != nil {
		writeError(w, r, h.log, err)
		return
	}
	httpx.JSON(w, http.StatusOK, part)
}

func (h *OrderHandler) DeletePart(w http.ResponseWriter, r *http.Request) {
	if err := h.orders.DeletePart(r.Context(), r.PathValue("id"), r.PathValue("partID")); err != nil {
		writeError(w, r, h.log, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
