package gateway

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/AlexKimmel/tokengate/internal/auth"
)

type checkRequest struct {
	ClientID string   `json:"clientId"`
	Resource string   `json:"resource"`
	Cost     *float64 `json:"cost,omitempty"`
}

// CheckHandler serves POST /v1/check for services that enforce limits
// themselves. 200 when admitted, 429 when denied, 400 on bad input.
// An authenticated tenant may only name its own client id; service and
// admin keys may name any.
func CheckHandler(c Checker) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			w.Header().Set("Allow", http.MethodPost)
			auth.WriteError(w, http.StatusMethodNotAllowed, "method_not_allowed", "use POST")
			return
		}
		var req checkRequest
		dec := json.NewDecoder(r.Body)
		dec.DisallowUnknownFields()
		if err := dec.Decode(&req); err != nil {
			auth.WriteError(w, http.StatusBadRequest, "invalid_json", "request body must be a JSON check request")
			return
		}
		if p, ok := auth.PrincipalFrom(r.Context()); ok && req.ClientID != "" && !p.CanActFor(req.ClientID) {
			auth.WriteError(w, http.StatusForbidden, "forbidden_client", "API key may not check another client")
			return
		}
		cost := 1.0
		if req.Cost != nil {
			cost = *req.Cost
		}

		res, err := c.CheckN(r.Context(), req.ClientID, req.Resource, cost)
		if err != nil {
			writeCheckError(w, err)
			return
		}

		setHeaders(w.Header(), res)
		code := http.StatusOK
		if !res.Allowed {
			code = http.StatusTooManyRequests
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(code)
		_ = json.NewEncoder(w).Encode(res)
	})
}

// Resetter drops persisted bucket state.
type Resetter interface {
	Delete(ctx context.Context, clientID, resource string) error
}

// ResetHandler serves DELETE /v1/buckets?clientId=..&resource=.. so an
// operator can refill a client's bucket before its TTL runs out.
// Only admin keys get through.
func ResetHandler(rs Resetter) http.Handler {
	return auth.RequireRole(auth.RoleAdmin)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodDelete {
			w.Header().Set("Allow", http.MethodDelete)
			auth.WriteError(w, http.StatusMethodNotAllowed, "method_not_allowed", "use DELETE")
			return
		}
		q := r.URL.Query()
		clientID := q.Get("clientId")
		resource := q.Get("resource")
		if clientID == "" || resource == "" {
			auth.WriteError(w, http.StatusBadRequest, "invalid_request", "clientId and resource are required")
			return
		}
		if err := rs.Delete(r.Context(), clientID, resource); err != nil {
			auth.WriteError(w, http.StatusServiceUnavailable, "store_unavailable", "could not reset bucket")
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}))
}
