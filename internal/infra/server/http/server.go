// Package httpserver exposes the gateway's HTTP endpoints: account metadata
// reads and bulk payment mutations.
package httpserver

import (
	"errors"
	"net/http"
	"sort"
	"strings"

	json "github.com/goccy/go-json"

	"github.com/finbridge/paygate/errs"
	"github.com/finbridge/paygate/internal/guard"
	"github.com/finbridge/paygate/internal/observability"
	"github.com/finbridge/paygate/internal/pipeline"
	stripeprovider "github.com/finbridge/paygate/internal/provider/stripe"
	"github.com/finbridge/paygate/internal/registry"
)

const (
	maxJSONBodyBytes int64 = 1 << 20 // 1 MiB

	accountInfoPath = "/account-info"
	debugKeyPath    = "/debug-key"
	updateUIDsPath  = "/payments/update-uids"
	healthzPath     = "/healthz"

	keyPrefixLength = 20
)

type handlerFunc func(http.ResponseWriter, *http.Request)

type httpServer struct {
	registry *registry.Registry
	pipe     *pipeline.Pipeline
	guard    *guard.Guard
}

// NewHandler creates the HTTP handler for the gateway API.
func NewHandler(reg *registry.Registry, pipe *pipeline.Pipeline, g *guard.Guard) http.Handler {
	server := &httpServer{registry: reg, pipe: pipe, guard: g}
	mux := http.NewServeMux()

	mux.Handle(accountInfoPath, server.methodHandlers(map[string]handlerFunc{
		http.MethodGet: server.getAccountInfo,
	}))
	// The debug endpoint discloses a credential prefix, so it sits behind the
	// same guard as mutations.
	mux.Handle(debugKeyPath, server.methodHandlers(map[string]handlerFunc{
		http.MethodGet: server.requireAllowed(server.getDebugKey),
	}))
	mux.Handle(updateUIDsPath, server.methodHandlers(map[string]handlerFunc{
		http.MethodPost: server.requireAllowed(server.postUpdateUIDs),
	}))
	mux.Handle(healthzPath, server.methodHandlers(map[string]handlerFunc{
		http.MethodGet: server.getHealthz,
	}))

	return withCORS(mux)
}

func (s *httpServer) methodHandlers(handlers map[string]handlerFunc) http.Handler {
	allowed := allowedMethods(handlers)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if handler, ok := handlers[r.Method]; ok {
			handler(w, r)
			return
		}
		methodNotAllowed(w, allowed...)
	})
}

func allowedMethods(handlers map[string]handlerFunc) []string {
	if len(handlers) == 0 {
		return nil
	}
	allowed := make([]string, 0, len(handlers))
	for method := range handlers {
		allowed = append(allowed, method)
	}
	sort.Strings(allowed)
	return allowed
}

// requireAllowed rejects requests whose source address is not allowlisted.
// The rejection carries no account detail.
func (s *httpServer) requireAllowed(next handlerFunc) handlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !s.guard.Allowed(r.RemoteAddr) {
			observability.Log().Info("request rejected by allowlist",
				observability.String("remote_addr", r.RemoteAddr),
				observability.String("path", r.URL.Path),
			)
			writeError(w, http.StatusForbidden, "forbidden")
			return
		}
		next(w, r)
	}
}

func (s *httpServer) getAccountInfo(w http.ResponseWriter, r *http.Request) {
	accountID := strings.TrimSpace(r.URL.Query().Get("accountId"))
	if accountID == "" {
		writeError(w, http.StatusBadRequest, "accountId query parameter is required")
		return
	}

	info, ok, err := s.registry.Describe(accountID)
	if err != nil {
		writeErrorFrom(w, err)
		return
	}
	if !ok {
		writeError(w, http.StatusNotFound, "account not found")
		return
	}
	writeData(w, http.StatusOK, info)
}

type debugKeyResponse struct {
	Success     bool   `json:"success"`
	KeyPrefix   string `json:"keyPrefix"`
	IsLive      bool   `json:"isLive"`
	AccountName string `json:"accountName"`
}

func (s *httpServer) getDebugKey(w http.ResponseWriter, r *http.Request) {
	accountID := strings.TrimSpace(r.URL.Query().Get("accountId"))
	if accountID == "" {
		writeError(w, http.StatusBadRequest, "accountId query parameter is required")
		return
	}

	desc, ok, err := s.registry.Resolve(accountID)
	if err != nil {
		writeErrorFrom(w, err)
		return
	}
	if !ok {
		writeError(w, http.StatusNotFound, "account not found")
		return
	}

	prefix := desc.Key
	if len(prefix) > keyPrefixLength {
		prefix = prefix[:keyPrefixLength]
	}
	writeJSON(w, http.StatusOK, debugKeyResponse{
		Success:     true,
		KeyPrefix:   prefix + "...",
		IsLive:      strings.HasPrefix(desc.Key, stripeprovider.LiveKeyPrefix),
		AccountName: desc.Name,
	})
}

type updateUIDsRequest struct {
	Payments  []pipeline.Item `json:"Payments"`
	AccountID string          `json:"AccountID"`
}

type updateUIDsResponse struct {
	Success bool                  `json:"success"`
	Data    []pipeline.ItemResult `json:"data"`
	Error   string                `json:"error,omitempty"`
}

func (s *httpServer) postUpdateUIDs(w http.ResponseWriter, r *http.Request) {
	limitRequestBody(w, r)

	var payload updateUIDsRequest
	decoder := json.NewDecoder(r.Body)
	if err := decoder.Decode(&payload); err != nil {
		writeDecodeError(w, err)
		return
	}
	if len(payload.Payments) == 0 {
		writeError(w, http.StatusBadRequest, "Payments list is required")
		return
	}
	if strings.TrimSpace(payload.AccountID) == "" {
		writeError(w, http.StatusBadRequest, "AccountID is required")
		return
	}

	result, err := s.pipe.Apply(r.Context(), payload.AccountID, payload.Payments)
	if err != nil {
		writeErrorFrom(w, err)
		return
	}
	writeJSON(w, http.StatusOK, updateUIDsResponse{
		Success: result.OverallSuccess,
		Data:    result.Results,
		Error:   result.Error,
	})
}

func (s *httpServer) getHealthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

func limitRequestBody(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxJSONBodyBytes)
}

func writeDecodeError(w http.ResponseWriter, err error) {
	if isRequestTooLarge(err) {
		writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
		return
	}
	writeError(w, http.StatusBadRequest, "request body is not valid JSON")
}

func isRequestTooLarge(err error) bool {
	var maxBytesErr *http.MaxBytesError
	return errors.As(err, &maxBytesErr)
}

func methodNotAllowed(w http.ResponseWriter, allowed ...string) {
	if len(allowed) > 0 {
		w.Header().Set("Allow", strings.Join(allowed, ", "))
	}
	writeError(w, http.StatusMethodNotAllowed, "method not allowed")
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	encoder := json.NewEncoder(w)
	_ = encoder.Encode(payload)
}

func writeData(w http.ResponseWriter, status int, data any) {
	writeJSON(w, status, map[string]any{"success": true, "data": data})
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]any{"success": false, "error": message})
}

func writeErrorFrom(w http.ResponseWriter, err error) {
	writeError(w, errs.HTTPStatus(err), errs.UserMessage(err))
}

func withCORS(handler http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		handler.ServeHTTP(w, r)
	})
}
