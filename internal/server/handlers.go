// File: internal/server/handlers.go
package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"github.com/smartdevs17/usds-yield-tracker/internal/models"
	"github.com/smartdevs17/usds-yield-tracker/pkg/utils"
)

const (
	defaultHistoryLimit = 100
	maxHistoryLimit     = 1000
	defaultEstimateDays = 30
	maxEstimateDays     = 3650
	rebaseHistoryWindow = 30 * 24 * time.Hour
)

// Response is the envelope of every API response.
type Response struct {
	Success   bool        `json:"success"`
	Data      interface{} `json:"data,omitempty"`
	Error     string      `json:"error,omitempty"`
	Timestamp int64       `json:"timestamp"`
}

// Health

func (s *HTTPServer) healthHandler(w http.ResponseWriter, r *http.Request) {
	status, err := s.service.GetStatus(r.Context())
	if err != nil {
		s.writeServiceError(w, "Failed to get status", err)
		return
	}

	health := "healthy"
	if !status.IsRunning {
		health = "degraded"
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":    health,
		"service":   serviceName,
		"timestamp": s.now().Unix(),
		"tracker":   status,
	})
}

// Yield

func (s *HTTPServer) yieldInfoHandler(w http.ResponseWriter, r *http.Request) {
	address, ok := s.addressVar(w, r)
	if !ok {
		return
	}
	info, err := s.service.GetYieldInfo(r.Context(), address)
	if err != nil {
		s.writeServiceError(w, "Failed to get yield info", err)
		return
	}
	s.writeJSON(w, http.StatusOK, info)
}

func (s *HTTPServer) yieldHistoryHandler(w http.ResponseWriter, r *http.Request) {
	address, ok := s.addressVar(w, r)
	if !ok {
		return
	}

	limit := defaultHistoryLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 || n > maxHistoryLimit {
			s.writeError(w, http.StatusBadRequest, "limit must be between 1 and 1000", nil)
			return
		}
		limit = n
	}

	history, err := s.service.GetYieldHistory(r.Context(), address, limit)
	if err != nil {
		s.writeServiceError(w, "Failed to get yield history", err)
		return
	}
	s.writeJSON(w, http.StatusOK, history)
}

func (s *HTTPServer) paymentsHandler(w http.ResponseWriter, r *http.Request) {
	address, ok := s.addressVar(w, r)
	if !ok {
		return
	}
	payments, err := s.service.GetPayments(r.Context(), address)
	if err != nil {
		s.writeServiceError(w, "Failed to get payments", err)
		return
	}
	if payments == nil {
		payments = []*models.TrackedPayment{}
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"address":  address,
		"payments": payments,
		"count":    len(payments),
	})
}

func (s *HTTPServer) yieldBetweenHandler(w http.ResponseWriter, r *http.Request) {
	address, ok := s.addressVar(w, r)
	if !ok {
		return
	}
	from, okFrom := parseUnix(r.URL.Query().Get("from"))
	to, okTo := parseUnix(r.URL.Query().Get("to"))
	if !okFrom || !okTo {
		s.writeError(w, http.StatusBadRequest, "from and to must be unix timestamps", nil)
		return
	}

	between, err := s.service.CalculateYieldBetween(r.Context(), address, from, to)
	if err != nil {
		s.writeServiceError(w, "Failed to calculate yield", err)
		return
	}
	s.writeJSON(w, http.StatusOK, between)
}

func (s *HTTPServer) apyHandler(w http.ResponseWriter, r *http.Request) {
	info, err := s.service.GetAPYInfo(r.Context())
	if err != nil {
		s.writeServiceError(w, "Failed to get APY info", err)
		return
	}
	s.writeJSON(w, http.StatusOK, info)
}

func (s *HTTPServer) estimateHandler(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	balance := q.Get("balance")
	if !utils.IsValidAmount(balance) {
		s.writeError(w, http.StatusBadRequest, "Invalid balance", nil)
		return
	}

	days := defaultEstimateDays
	if raw := q.Get("days"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 || n > maxEstimateDays {
			s.writeError(w, http.StatusBadRequest, "days must be between 1 and 3650", nil)
			return
		}
		days = n
	}

	estimate, err := s.service.EstimateFutureYield(r.Context(), balance, days)
	if err != nil {
		s.writeServiceError(w, "Failed to estimate yield", err)
		return
	}
	s.writeJSON(w, http.StatusOK, estimate)
}

// Rebases

func (s *HTTPServer) latestRebaseHandler(w http.ResponseWriter, r *http.Request) {
	event, err := s.service.GetLatestRebase(r.Context())
	if err != nil {
		s.writeServiceError(w, "Failed to get latest rebase", err)
		return
	}
	if event == nil {
		s.writeError(w, http.StatusNotFound, "No rebase events tracked yet", nil)
		return
	}
	s.writeJSON(w, http.StatusOK, event)
}

func (s *HTTPServer) rebaseHistoryHandler(w http.ResponseWriter, r *http.Request) {
	now := s.now()
	from := now.Add(-rebaseHistoryWindow).Unix()
	to := now.Unix() + 1

	q := r.URL.Query()
	if raw := q.Get("from"); raw != "" {
		v, ok := parseUnix(raw)
		if !ok {
			s.writeError(w, http.StatusBadRequest, "from must be a unix timestamp", nil)
			return
		}
		from = v
	}
	if raw := q.Get("to"); raw != "" {
		v, ok := parseUnix(raw)
		if !ok {
			s.writeError(w, http.StatusBadRequest, "to must be a unix timestamp", nil)
			return
		}
		to = v
	}

	events, err := s.service.GetRebaseEvents(r.Context(), from, to)
	if err != nil {
		s.writeServiceError(w, "Failed to get rebase history", err)
		return
	}
	if events == nil {
		events = []*models.RebaseEvent{}
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"events":        events,
		"count":         len(events),
		"fromTimestamp": from,
		"toTimestamp":   to,
	})
}

// Payments

func (s *HTTPServer) trackHandler(w http.ResponseWriter, r *http.Request) {
	var req models.TrackPaymentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "Invalid request body", nil)
		return
	}
	switch {
	case !utils.IsValidAddress(req.Address):
		s.writeError(w, http.StatusBadRequest, "Invalid Ethereum address", nil)
		return
	case !utils.IsValidTxHash(req.TxHash):
		s.writeError(w, http.StatusBadRequest, "Invalid transaction hash", nil)
		return
	case !utils.IsValidAmount(req.Amount):
		s.writeError(w, http.StatusBadRequest, "Invalid amount", nil)
		return
	}

	payment, err := s.service.TrackPayment(r.Context(), &req)
	if err != nil {
		s.writeServiceError(w, "Failed to track payment", err)
		return
	}
	s.writeJSON(w, http.StatusCreated, payment)
}

func (s *HTTPServer) paymentHandler(w http.ResponseWriter, r *http.Request) {
	payment, err := s.service.GetPayment(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.writeServiceError(w, "Failed to get payment", err)
		return
	}
	if payment == nil {
		s.writeError(w, http.StatusNotFound, "Payment not found", nil)
		return
	}
	s.writeJSON(w, http.StatusOK, payment)
}

func (s *HTTPServer) paymentYieldHandler(w http.ResponseWriter, r *http.Request) {
	py, err := s.service.GetPaymentYield(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.writeServiceError(w, "Failed to get payment yield", err)
		return
	}
	s.writeJSON(w, http.StatusOK, py)
}

func (s *HTTPServer) contractStateHandler(w http.ResponseWriter, r *http.Request) {
	state, err := s.service.GetContractState(r.Context())
	if err != nil {
		s.writeServiceError(w, "Failed to get contract state", err)
		return
	}
	s.writeJSON(w, http.StatusOK, state)
}

// Utility Methods

func (s *HTTPServer) addressVar(w http.ResponseWriter, r *http.Request) (string, bool) {
	address := mux.Vars(r)["address"]
	if !utils.IsValidAddress(address) {
		s.writeError(w, http.StatusBadRequest, "Invalid Ethereum address", nil)
		return "", false
	}
	return address, true
}

func parseUnix(raw string) (int64, bool) {
	v, err := strconv.ParseInt(raw, 10, 64)
	return v, err == nil && v >= 0
}

// statusFor maps a service error to an HTTP status
func statusFor(err error) int {
	switch utils.ErrorCode(err) {
	case utils.ErrCodeNotFound:
		return http.StatusNotFound
	case utils.ErrCodeValidation:
		return http.StatusBadRequest
	case utils.ErrCodeConflict:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

// writeServiceError reports a service failure. Client errors expose the
// AppError message.
func (s *HTTPServer) writeServiceError(w http.ResponseWriter, message string, err error) {
	status := statusFor(err)
	var appErr *utils.AppError
	if status < http.StatusInternalServerError && errors.As(err, &appErr) {
		message = appErr.Message
	}
	s.writeError(w, status, message, err)
}

// writeJSON writes a successful enveloped response
func (s *HTTPServer) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	s.write(w, status, Response{
		Success:   true,
		Data:      data,
		Timestamp: s.now().Unix(),
	})
}

// writeError writes a failed enveloped response
func (s *HTTPServer) writeError(w http.ResponseWriter, status int, message string, err error) {
	if err != nil {
		fields := logrus.Fields{
			"status":  status,
			"message": message,
			"error":   err,
		}
		if status >= http.StatusInternalServerError {
			s.logger.WithFields(fields).Error("HTTP error")
		} else {
			s.logger.WithFields(fields).Debug("HTTP client error")
		}
	}
	s.write(w, status, Response{
		Success:   false,
		Error:     message,
		Timestamp: s.now().Unix(),
	})
}

func (s *HTTPServer) write(w http.ResponseWriter, status int, body Response) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(body); err != nil {
		s.logger.WithError(err).Error("Failed to encode JSON response")
	}
}
