package handlers

import (
	"log/slog"
	"net/http"
	"strconv"

	"github.com/diewo77/go-jobshop/httpx"
	"github.com/diewo77/go-jobshop/internal/models"
	"github.com/diewo77/go-jobshop/internal/services"
	"github.com/diewo77/go-jobshop/validation"
)

var chargeKinds = []string{
	string(models.ChargeKindLabor), string(models.ChargeKindAddon), string(models.ChargeKindMaterial),
	string(models.ChargeKindFee), string(models.ChargeKindShipping), string(models.ChargeKindDiscount),
}

// ChargeHandler serves the charge ledger and checklist toggles of an order.
type ChargeHandler struct {
	ledger *services.ChargeLedger
	log    *slog.Logger
}

func NewChargeHandler(ledger *services.ChargeLedger, log *slog.Logger) *ChargeHandler {
	return &ChargeHandler{ledger: ledger, log: loggerOr(log)}
}

func (h *ChargeHandler) List(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit, _ := strconv.Atoi(q.Get("limit"))
	page, err := h.ledger.ListCharges(r.Context(), r.PathValue("id"), services.ListChargesInput{
		Cursor: q.Get("cursor"),
		Limit:  limit,
	})
	if err != nil {
		writeError(w, r, h.log, err)
		return
	}
	httpx.JSON(w, http.StatusOK, page)
}

func (h *ChargeHandler) Create(w http.ResponseWriter, r *http.Request) {
	var in services.CreateChargeInput
	err := decode(r, &in, func(in *services.CreateChargeInput, v validation.Violations) {
		validation.Required("kind", string(in.Kind), v)
		validation.OneOf("kind", string(in.Kind), chargeKinds, v)
		validation.NonNegativeDecimal("quantity", in.Quantity, v)
		validation.MaxLen("description", in.Description, 500, v)
	})
	if err != nil {
		writeError(w, r, h.log, err)
		return
	}
	in.Actor = actor(r)
	charge, err := h.ledger.CreateCharge(r.Context(), r.PathValue("id"), in)
	if err != nil {
		writeError(w, r, h.log, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, charge)
}

func (h *ChargeHandler) Update(w http.ResponseWriter, r *http.Request) {
	var in services.UpdateChargeInput
	err := decode(r, &in, func(in *services.UpdateChargeInput, v validation.Violations) {
		if in.Kind != nil {
			validation.OneOf("kind", string(*in.Kind), chargeKinds, v)
		}
		if in.Quantity != nil {
			validation.NonNegativeDecimal("quantity", *in.Quantity, v)
		}
	})
	if err != nil {
		writeError(w, r, h.log, err)
		return
	}
	in.Actor = actor(r)
	charge, err := h.ledger.UpdateCharge(r.Context(), r.PathValue("id"), r.PathValue("chargeID"), in)
	if err != nil {
		writeError(w, r, h.log, err)
		return
	}
	httpx.JSON(w, http.StatusOK, charge)
}

func (h *ChargeHandler) Delete(w http.ResponseWriter, r *http.Request) {
	if err := h.ledger.DeleteCharge(r.Context(), r.PathValue("id"), r.PathValue("chargeID")); err != nil {
		writeError(w, r, h.log, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type toggleRequest struct {
	Completed *bool `json:"completed"`
}

func (h *ChargeHandler) ToggleChecklist(w http.ResponseWriter, r *http.Request) {
	var in toggleRequest
	err := decode(r, &in, func(in *toggleRequest, v validation.Violations) {
		if in.Completed == nil {
			v["completed"] = "required"
		}
	})
	if err != nil {
		writeError(w, r, h.log, err)
		return
	}
	row, err := h.ledger.ToggleChecklistItem(r.Context(), r.PathValue("id"), r.PathValue("itemID"), *in.Completed, actor(r))
	if err != nil {
		writeError(w, r, h.log, err)
		return
	}
	httpx.JSON(w, http.StatusOK, row)
}
