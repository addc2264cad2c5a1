package httpadapter

import (
	"encoding/json"
	"io"
	"net/http"

	"github.com/kirillkom/invoice-pipeline/internal/core/domain"
)

type invoiceStatusRequest struct {
	Status string `json:"status"`
	Note   string `json:"note"`
}

func (rt *Router) getInvoice(w http.ResponseWriter, r *http.Request) {
	inv, err := rt.invoices.GetInvoice(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, inv)
}

func (rt *Router) transitionInvoice(w http.ResponseWriter, r *http.Request) {
	var req invoiceStatusRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, 64<<10)).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid json"})
		return
	}
	if req.Status == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "status is required"})
		return
	}

	inv, err := rt.invoices.TransitionInvoice(r.Context(), r.PathValue("id"), domain.InvoiceStatus(req.Status), req.Note)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, inv)
}
