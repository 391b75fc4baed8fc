package handlers

import (
	"fmt"
	"log/slog"
	"net/http"

	"github.com/diewo77/go-jobshop/httpx"
	"github.com/diewo77/go-jobshop/internal/services"
	"github.com/diewo77/go-jobshop/validation"
)

type QuoteHandler struct {
	engine *services.QuoteConversionEngine
	log    *slog.Logger
}

func NewQuoteHandler(engine *services.QuoteConversionEngine, log *slog.Logger) *QuoteHandler {
	return &QuoteHandler{engine: engine, log: loggerOr(log)}
}

// Convert promotes the quote in the path into an order.
func (h *QuoteHandler) Convert(w http.ResponseWriter, r *http.Request) {
	var opts services.ConvertOptions
	err := decode(r, &opts, func(o *services.ConvertOptions, v validation.Violations) {
		if o.Priority != nil {
			validation.OneOf("priority", string(*o.Priority), priorities, v)
		}
		for i, p := range o.Parts {
			validation.PositiveInt(fmt.Sprintf("parts[%d].quantity", i), p.Quantity, v)
		}
	})
	if err != nil {
		writeError(w, r, h.log, err)
		return
	}
	opts.Actor = actor(r)
	res, err := h.engine.Convert(r.Context(), r.PathValue("id"), opts)
	if err != nil {
		writeError(w, r, h.log, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, res)
}
