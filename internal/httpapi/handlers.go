package httpapi

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"kitchenstock/backend/internal/domain"
)

// pathParts splits the part of the path after prefix into its segments.
func pathParts(path string, prefix string) []string {
	tail := strings.Trim(strings.TrimPrefix(path, prefix), "/")
	if tail == "" {
		return nil
	}
	return strings.Split(tail, "/")
}

func (a *API) handleProducts(w http.ResponseWriter, r *http.Request, principal domain.Principal) {
	switch r.Method {
	case http.MethodGet:
		products, err := a.service.ListProducts(r.Context())
		if err != nil {
			a.fail(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"products": products})
	case http.MethodPost:
		var req domain.ProductCreateRequest
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		product, err := a.service.CreateProduct(r.Context(), principal, req)
		if err != nil {
			a.fail(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, map[string]any{"product": product})
	default:
		writeMethodNotAllowed(w)
	}
}

func (a *API) handleProductActions(w http.ResponseWriter, r *http.Request, principal domain.Principal) {
	parts := pathParts(r.URL.Path, "/api/v1/products/")
	if len(parts) == 0 || len(parts) > 2 {
		writeError(w, http.StatusNotFound, errors.New("product not found"))
		return
	}
	id := parts[0]

	if len(parts) == 2 {
		if parts[1] != "provision" {
			writeError(w, http.StatusNotFound, errors.New("unknown product action"))
			return
		}
		if r.Method != http.MethodPost {
			writeMethodNotAllowed(w)
			return
		}
		var req domain.ProvisionRequest
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		rec, err := a.service.ProvisionStock(r.Context(), principal, id, req)
		if err != nil {
			a.fail(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, map[string]any{"transfer": rec})
		return
	}

	switch r.Method {
	case http.MethodGet:
		product, err := a.service.GetProduct(r.Context(), id)
		if err != nil {
			a.fail(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"product": product})
	case http.MethodPatch:
		var req domain.ProductUpdateRequest
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		updated, err := a.service.UpdateProduct(r.Context(), principal, id, req)
		if err != nil {
			a.fail(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"product": updated})
	case http.MethodDelete:
		if !principal.IsAdmin() {
			writeError(w, http.StatusForbidden, errors.New("forbidden role"))
			return
		}
		if !a.pinLimiter.Allow(clientKey(r)) {
			writeError(w, http.StatusTooManyRequests, errors.New("too many manager PIN attempts"))
			return
		}
		if !a.auth.ValidateManagerPIN(r.Header.Get("X-Manager-PIN")) {
			writeError(w, http.StatusForbidden, errors.New("manager PIN required"))
			return
		}
		if err := a.service.DeleteProduct(r.Context(), principal, id); err != nil {
			a.fail(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	default:
		writeMethodNotAllowed(w)
	}
}

func (a *API) handleHolders(w http.ResponseWriter, r *http.Request, principal domain.Principal) {
	switch r.Method {
	case http.MethodGet:
		holders, err := a.service.ListHolders(r.Context(), domain.HolderKind(strings.TrimSpace(r.URL.Query().Get("kind"))))
		if err != nil {
			a.fail(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"holders": holders})
	case http.MethodPost:
		var req domain.HolderCreateRequest
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		holder, err := a.service.CreateHolder(r.Context(), principal, req)
		if err != nil {
			a.fail(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, map[string]any{"holder": holder})
	default:
		writeMethodNotAllowed(w)
	}
}

func (a *API) handleHolderActions(w http.ResponseWriter, r *http.Request, principal domain.Principal) {
	parts := pathParts(r.URL.Path, "/api/v1/holders/")
	if len(parts) != 1 {
		writeError(w, http.StatusNotFound, errors.New("holder not found"))
		return
	}

	switch r.Method {
	case http.MethodGet:
		holder, err := a.service.GetHolder(r.Context(), parts[0])
		if err != nil {
			a.fail(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"holder": holder})
	case http.MethodPatch:
		var req domain.HolderUpdateRequest
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		holder, err := a.service.UpdateHolder(r.Context(), principal, parts[0], req)
		if err != nil {
			a.fail(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"holder": holder})
	default:
		writeMethodNotAllowed(w)
	}
}

func (a *API) handleTransfers(w http.ResponseWriter, r *http.Request, principal domain.Principal) {
	switch r.Method {
	case http.MethodGet:
		q := r.URL.Query()
		filter := domain.TransferFilter{
			HolderID:  q.Get("holderId"),
			ProductID: q.Get("productId"),
			Limit:     parsePositiveLimit(q.Get("limit"), 200, 1000),
		}
		from, err := parseTimeParam(q.Get("from"))
		if err != nil {
			a.fail(w, err)
			return
		}
		to, err := parseTimeParam(q.Get("to"))
		if err != nil {
			a.fail(w, err)
			return
		}
		if !from.IsZero() {
			filter.From = &from
		}
		if !to.IsZero() {
			filter.To = &to
		}
		transfers, err := a.service.TransferHistory(r.Context(), principal, filter)
		if err != nil {
			a.fail(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"transfers": transfers})
	case http.MethodPost:
		var req domain.TransferRequest
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		rec, err := a.service.RecordTransfer(r.Context(), principal, req)
		if err != nil {
			a.fail(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, map[string]any{"transfer": rec})
	default:
		writeMethodNotAllowed(w)
	}
}

func (a *API) handleInventory(w http.ResponseWriter, r *http.Request, principal domain.Principal) {
	if r.Method != http.MethodGet {
		writeMethodNotAllowed(w)
		return
	}
	inventory, err := a.service.HolderInventory(r.Context(), principal, r.URL.Query().Get("holderId"))
	if err != nil {
		a.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, inventory)
}

func (a *API) handleLowStock(w http.ResponseWriter, r *http.Request, principal domain.Principal) {
	if r.Method != http.MethodGet {
		writeMethodNotAllowed(w)
		return
	}
	report, err := a.service.LowStockReport(r.Context(), principal, r.URL.Query().Get("holderId"))
	if err != nil {
		a.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (a *API) handleStockLevel(w http.ResponseWriter, r *http.Request, principal domain.Principal) {
	if r.Method != http.MethodGet {
		writeMethodNotAllowed(w)
		return
	}
	q := r.URL.Query()
	holderID := q.Get("holderId")
	if holderID == "" {
		holderID = principal.HolderID
	}
	productID := q.Get("productId")

	quantity, err := a.service.CurrentQuantity(r.Context(), principal, holderID, productID)
	if err != nil {
		a.fail(w, err)
		return
	}
	level, err := a.service.Classify(r.Context(), principal, holderID, productID)
	if err != nil {
		a.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"holder_id":      holderID,
		"product_id":     productID,
		"quantity":       quantity,
		"classification": level,
	})
}

func (a *API) handleUsage(w http.ResponseWriter, r *http.Request, principal domain.Principal) {
	if r.Method != http.MethodGet {
		writeMethodNotAllowed(w)
		return
	}
	q := r.URL.Query()
	since, err := parseTimeParam(q.Get("since"))
	if err != nil {
		a.fail(w, err)
		return
	}
	holderID := q.Get("holderId")
	if holderID == "" {
		holderID = principal.HolderID
	}
	usage, err := a.service.UsedSince(r.Context(), principal, holderID, q.Get("productId"), since)
	if err != nil {
		a.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, usage)
}

func (a *API) handleOrders(w http.ResponseWriter, r *http.Request, principal domain.Principal) {
	switch r.Method {
	case http.MethodGet:
		q := r.URL.Query()
		orders, err := a.service.ListOrders(r.Context(), principal, domain.OrderFilter{
			Status:    domain.OrderStatus(strings.TrimSpace(q.Get("status"))),
			KitchenID: strings.TrimSpace(q.Get("kitchenId")),
			Limit:     parsePositiveLimit(q.Get("limit"), 200, 1000),
		})
		if err != nil {
			a.fail(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"orders": orders})
	case http.MethodPost:
		var req domain.OrderCreateRequest
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		order, err := a.service.CreateOrder(r.Context(), principal, req)
		if err != nil {
			a.fail(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, map[string]any{"order": order})
	default:
		writeMethodNotAllowed(w)
	}
}

func (a *API) handleOrderActions(w http.ResponseWriter, r *http.Request, principal domain.Principal) {
	parts := pathParts(r.URL.Path, "/api/v1/orders/")
	if len(parts) == 0 || len(parts) > 2 {
		writeError(w, http.StatusNotFound, errors.New("order not found"))
		return
	}
	id := parts[0]

	if len(parts) == 1 {
		if r.Method != http.MethodGet {
			writeMethodNotAllowed(w)
			return
		}
		order, err := a.service.GetOrder(r.Context(), principal, id)
		if err != nil {
			a.fail(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"order": order})
		return
	}

	switch parts[1] {
	case "suggestions":
		if r.Method != http.MethodGet {
			writeMethodNotAllowed(w)
			return
		}
		suggestions, err := a.service.SuggestKitchens(r.Context(), principal, id)
		if err != nil {
			a.fail(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"suggestions": suggestions})
	case "assign":
		if r.Method != http.MethodPatch {
			writeMethodNotAllowed(w)
			return
		}
		var req domain.AssignRequest
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		resp, err := a.service.AssignToKitchen(r.Context(), principal, id, req.KitchenID)
		if err != nil {
			a.fail(w, err)
			return
		}
		writeJSON(w, http.StatusOK, resp)
	case "status":
		if r.Method != http.MethodPatch {
			writeMethodNotAllowed(w)
			return
		}
		var req domain.StatusRequest
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		order, err := a.service.Advance(r.Context(), principal, id, req.Status)
		if err != nil {
			a.fail(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"order": order})
	case "cancel":
		if r.Method != http.MethodPost {
			writeMethodNotAllowed(w)
			return
		}
		order, err := a.service.Cancel(r.Context(), principal, id)
		if err != nil {
			a.fail(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"order": order})
	default:
		writeError(w, http.StatusNotFound, errors.New("unknown order action"))
	}
}

func (a *API) handleQuote(w http.ResponseWriter, r *http.Request, _ domain.Principal) {
	if r.Method != http.MethodPost {
		writeMethodNotAllowed(w)
		return
	}
	var req domain.QuoteRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	invoice, err := a.service.Quote(r.Context(), req)
	if err != nil {
		a.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"invoice": invoice})
}

func (a *API) handleAuditLogs(w http.ResponseWriter, r *http.Request, principal domain.Principal) {
	if r.Method != http.MethodGet {
		writeMethodNotAllowed(w)
		return
	}
	q := r.URL.Query()
	from, err := parseTimeParam(q.Get("from"))
	if err != nil {
		a.fail(w, err)
		return
	}
	to, err := parseTimeParam(q.Get("to"))
	if err != nil {
		a.fail(w, err)
		return
	}
	// A bare date for "to" covers that whole day.
	if len(strings.TrimSpace(q.Get("to"))) == len("2006-01-02") {
		to = to.Add(24 * time.Hour)
	}
	limit := parsePositiveLimit(q.Get("limit"), 100, 500)

	logs, err := a.service.ListAuditLogs(r.Context(), principal, from, to, limit)
	if err != nil {
		a.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"logs": logs})
}

func (a *API) handleUsers(w http.ResponseWriter, r *http.Request, principal domain.Principal) {
	switch r.Method {
	case http.MethodGet:
		writeJSON(w, http.StatusOK, map[string]any{"users": a.auth.ListUsers(r.Context())})
	case http.MethodPost:
		var req domain.UserCreateRequest
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		req.Role = strings.ToLower(strings.TrimSpace(req.Role))
		req.HolderID = strings.TrimSpace(req.HolderID)
		if err := a.service.ValidateUserBinding(r.Context(), req.Role, req.HolderID); err != nil {
			a.fail(w, err)
			return
		}
		user, err := a.auth.CreateUser(r.Context(), req)
		if err != nil {
			a.fail(w, err)
			return
		}
		a.service.RecordAudit(r.Context(), principal, "user_create", "user", user.Username, "role="+user.Role+",holder="+user.HolderID)
		writeJSON(w, http.StatusCreated, map[string]any{"user": user})
	default:
		writeMethodNotAllowed(w)
	}
}
