package adaptor

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"otp-dispatcher/internal/dto/request"
	"otp-dispatcher/internal/dto/response"
	"otp-dispatcher/internal/usecase"
	"otp-dispatcher/pkg/utils"

	"go.uber.org/zap"
)

const maxBodyBytes = 1 << 16

type OTPHandler struct {
	service usecase.DispatchService
	log     *zap.Logger
	now     func() time.Time
}

func NewOTPHandler(service usecase.DispatchService, log *zap.Logger) *OTPHandler {
	return &OTPHandler{
		service: service,
		log:     log,
		now:     time.Now,
	}
}

// Dispatch handles POST /api/otp/dispatch
func (h *OTPHandler) Dispatch(w http.ResponseWriter, r *http.Request) {
	var req request.DispatchOTPRequest

	// Decode request body
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		utils.ResponseBadRequest(w, "Invalid request body", nil)
		return
	}

	// Validate request
	if validationErrors := utils.ValidateStruct(req); len(validationErrors) > 0 {
		utils.ResponseBadRequest(w, "Validation failed", validationErrors)
		return
	}

	result, err := h.service.Dispatch(r.Context(), req.ToEntity(h.now()))
	if err != nil {
		h.handleServiceError(w, r, err, result)
		return
	}

	message := "OTP delivered"
	if result.AlreadyDelivered {
		message = "OTP already delivered"
	}
	utils.ResponseSuccess(w, message, result)
}

// handleServiceError maps the dispatch error taxonomy to HTTP statuses
func (h *OTPHandler) handleServiceError(w http.ResponseWriter, r *http.Request, err error, result *response.DispatchResult) {
	requestID, _ := utils.GetRequestID(r.Context())
	log := h.log.With(zap.String("request_id", requestID), zap.Error(err))

	switch {
	case errors.Is(err, usecase.ErrInvalidRequest):
		log.Warn("dispatch rejected - invalid request")
		utils.ResponseFailure(w, http.StatusBadRequest, err.Error(), result)

	case errors.Is(err, usecase.ErrExpired):
		log.Warn("dispatch rejected - expired")
		utils.ResponseFailure(w, http.StatusGone, err.Error(), result)

	case errors.Is(err, usecase.ErrDeliveryFailed):
		log.Error("dispatch failed - delivery")
		utils.ResponseFailure(w, http.StatusBadGateway, "OTP delivery failed", result)

	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		log.Warn("dispatch cancelled")
		utils.ResponseFailure(w, http.StatusServiceUnavailable, "Dispatch cancelled", result)

	default:
		log.Error("Failed to dispatch OTP")
		utils.ResponseInternalError(w, "Internal server error")
	}
}
