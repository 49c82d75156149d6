package handler

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"identity-service/internal/identity"
	"identity-service/internal/service"
	"identity-service/internal/util"
)

// CandidateHandler handles HTTP requests for candidate identity operations.
type CandidateHandler struct {
	coordinator *service.ProfileLinkCoordinator
	logger      *zap.Logger
}

func NewCandidateHandler(coordinator *service.ProfileLinkCoordinator, logger *zap.Logger) *CandidateHandler {
	return &CandidateHandler{
		coordinator: coordinator,
		logger:      logger,
	}
}

// RegisterRoutes registers candidate routes. Challenge issuance is public:
// a caller mid-merge may not hold a token the portal accepts yet.
func (h *CandidateHandler) RegisterRoutes(router chi.Router, authenticate func(http.Handler) http.Handler) {
	router.Post("/send-email-otp", h.SendEmailOtp)
	router.Post("/send-merge-phone-otp", h.SendMergePhoneOtp)

	router.Group(func(r chi.Router) {
		r.Use(authenticate)
		r.Get("/registration-status", h.RegistrationStatus)
		r.Post("/register", h.Register)
		r.Post("/verify-email-and-merge", h.VerifyEmailAndMerge)
		r.Post("/verify-phone-and-merge", h.VerifyPhoneAndMerge)
		r.Post("/link", h.Link)
		r.Get("/me", h.Me)
		r.Put("/profile", h.UpdateProfile)
	})

	router.Group(func(r chi.Router) {
		r.Use(authenticate)
		r.Use(identity.RequireRole("admin"))
		r.Get("/candidates/search", h.SearchCandidates)
	})
}

// RegistrationStatus reports registration completeness. Absence of a
// profile is an incomplete registration, never an error.
func (h *CandidateHandler) RegistrationStatus(w http.ResponseWriter, r *http.Request) {
	assertion, ok := identity.FromContext(r.Context())
	if !ok {
		h.respondWithError(w, http.StatusUnauthorized, errors.New("no identity assertion"), "Authentication required")
		return
	}

	status, err := h.coordinator.CheckRegistration(r.Context(), assertion)
	if err != nil {
		h.respondWithError(w, h.getStatusCode(err), err, "Failed to check registration status")
		return
	}

	h.respondWithJSON(w, http.StatusOK, status)
}

type registerRequest struct {
	FirstName string `json:"firstName"`
	LastName  string `json:"lastName"`
	Email     string `json:"email"`
	Phone     string `json:"phone"`
}

// Register creates or completes the caller's profile. A contact owned by a
// different account yields 409 with the conflicting contact kind; the
// caller resolves it through the verify-and-merge flow.
func (h *CandidateHandler) Register(w http.ResponseWriter, r *http.Request) {
	assertion, ok := identity.FromContext(r.Context())
	if !ok {
		h.respondWithError(w, http.StatusUnauthorized, errors.New("no identity assertion"), "Authentication required")
		return
	}

	var req registerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondWithError(w, http.StatusBadRequest, err, "Invalid request body")
		return
	}

	profileID, err := h.coordinator.Register(r.Context(), assertion, service.CandidateInput{
		FirstName: req.FirstName,
		LastName:  req.LastName,
		Email:     req.Email,
		Phone:     req.Phone,
	})
	if err != nil {
		var conflict *service.ConflictError
		if errors.As(err, &conflict) {
			h.respondWithJSON(w, http.StatusConflict, map[string]string{
				"error":        conflict.Error(),
				"conflictType": conflict.Kind,
			})
			return
		}
		h.respondWithError(w, h.getStatusCode(err), err, "Registration failed")
		return
	}

	h.respondWithJSON(w, http.StatusOK, map[string]string{"candidateId": profileID})
}

type sendOtpRequest struct {
	Email string `json:"email"`
	Phone string `json:"phone"`
}

// SendEmailOtp issues a one-time code to the given email address.
func (h *CandidateHandler) SendEmailOtp(w http.ResponseWriter, r *http.Request) {
	var req sendOtpRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondWithError(w, http.StatusBadRequest, err, "Invalid request body")
		return
	}

	if err := h.coordinator.IssueEmailChallenge(r.Context(), req.Email); err != nil {
		var unavailable *service.ChannelUnavailableError
		if errors.As(err, &unavailable) {
			h.respondWithError(w, http.StatusServiceUnavailable, err, "Email delivery is not configured")
			return
		}
		h.respondWithError(w, h.getStatusCode(err), err, "Failed to send code")
		return
	}

	h.respondWithJSON(w, http.StatusOK, map[string]string{})
}

// SendMergePhoneOtp issues a one-time code over SMS for a merge. An
// unconfigured SMS channel is 501 so the caller can offer an alternative
// sign-in path instead of a retry loop.
func (h *CandidateHandler) SendMergePhoneOtp(w http.ResponseWriter, r *http.Request) {
	var req sendOtpRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondWithError(w, http.StatusBadRequest, err, "Invalid request body")
		return
	}

	if err := h.coordinator.IssuePhoneChallenge(r.Context(), req.Phone); err != nil {
		var unavailable *service.ChannelUnavailableError
		if errors.As(err, &unavailable) {
			h.respondWithError(w, http.StatusNotImplemented, err, "SMS delivery is not configured")
			return
		}
		h.respondWithError(w, h.getStatusCode(err), err, "Failed to send code")
		return
	}

	h.respondWithJSON(w, http.StatusOK, map[string]string{})
}

type verifyRequest struct {
	Email string `json:"email"`
	Phone string `json:"phone"`
	Code  string `json:"code"`
}

// VerifyEmailAndMerge consumes a code for the email and rebinds the owning
// profile to the caller.
func (h *CandidateHandler) VerifyEmailAndMerge(w http.ResponseWriter, r *http.Request) {
	assertion, ok := identity.FromContext(r.Context())
	if !ok {
		h.respondWithError(w, http.StatusUnauthorized, errors.New("no identity assertion"), "Authentication required")
		return
	}

	var req verifyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondWithError(w, http.StatusBadRequest, err, "Invalid request body")
		return
	}

	profileID, err := h.coordinator.VerifyEmailAndMerge(r.Context(), assertion, req.Email, req.Code)
	if err != nil {
		h.respondWithError(w, h.getStatusCode(err), err, "Verification failed")
		return
	}

	h.respondWithJSON(w, http.StatusOK, map[string]string{"candidateId": profileID})
}

// VerifyPhoneAndMerge is the phone counterpart of VerifyEmailAndMerge.
func (h *CandidateHandler) VerifyPhoneAndMerge(w http.ResponseWriter, r *http.Request) {
	assertion, ok := identity.FromContext(r.Context())
	if !ok {
		h.respondWithError(w, http.StatusUnauthorized, errors.New("no identity assertion"), "Authentication required")
		return
	}

	var req verifyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondWithError(w, http.StatusBadRequest, err, "Invalid request body")
		return
	}

	profileID, err := h.coordinator.VerifyPhoneAndMerge(r.Context(), assertion, req.Phone, req.Code)
	if err != nil {
		h.respondWithError(w, h.getStatusCode(err), err, "Verification failed")
		return
	}

	h.respondWithJSON(w, http.StatusOK, map[string]string{"candidateId": profileID})
}

// Link attaches the caller's subject to an existing profile if one of the
// asserted contacts matches.
func (h *CandidateHandler) Link(w http.ResponseWriter, r *http.Request) {
	assertion, ok := identity.FromContext(r.Context())
	if !ok {
		h.respondWithError(w, http.StatusUnauthorized, errors.New("no identity assertion"), "Authentication required")
		return
	}

	result, err := h.coordinator.Link(r.Context(), assertion)
	if err != nil {
		h.respondWithError(w, h.getStatusCode(err), err, "Link failed")
		return
	}

	h.respondWithJSON(w, http.StatusOK, result)
}

// Me returns the caller's bound profile.
func (h *CandidateHandler) Me(w http.ResponseWriter, r *http.Request) {
	assertion, ok := identity.FromContext(r.Context())
	if !ok {
		h.respondWithError(w, http.StatusUnauthorized, errors.New("no identity assertion"), "Authentication required")
		return
	}

	profile, err := h.coordinator.GetProfile(r.Context(), assertion)
	if err != nil {
		h.respondWithError(w, h.getStatusCode(err), err, "Failed to load profile")
		return
	}

	h.respondWithJSON(w, http.StatusOK, profile)
}

// UpdateProfile writes the free-form profile attributes.
func (h *CandidateHandler) UpdateProfile(w http.ResponseWriter, r *http.Request) {
	assertion, ok := identity.FromContext(r.Context())
	if !ok {
		h.respondWithError(w, http.StatusUnauthorized, errors.New("no identity assertion"), "Authentication required")
		return
	}

	var details service.ProfileDetails
	if err := json.NewDecoder(r.Body).Decode(&details); err != nil {
		h.respondWithError(w, http.StatusBadRequest, err, "Invalid request body")
		return
	}

	profile, err := h.coordinator.UpdateDetails(r.Context(), assertion, details)
	if err != nil {
		h.respondWithError(w, h.getStatusCode(err), err, "Failed to update profile")
		return
	}

	h.respondWithJSON(w, http.StatusOK, profile)
}

// SearchCandidates runs the recruiter directory query. Admin only.
func (h *CandidateHandler) SearchCandidates(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query().Get("q")
	if query == "" {
		h.respondWithError(w, http.StatusBadRequest, errors.New("missing query"), "Query parameter q is required")
		return
	}
	size, _ := strconv.Atoi(r.URL.Query().Get("size"))

	docs, err := h.coordinator.SearchCandidates(r.Context(), query, size)
	if err != nil {
		h.respondWithError(w, http.StatusInternalServerError, err, "Search failed")
		return
	}

	h.respondWithJSON(w, http.StatusOK, map[string]interface{}{"results": docs})
}

func (h *CandidateHandler) respondWithJSON(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.logger.Error("Failed to encode JSON response", util.ErrorField(err))
	}
}

func (h *CandidateHandler) respondWithError(w http.ResponseWriter, statusCode int, err error, message string) {
	h.logger.Warn("HTTP error response",
		util.ErrorField(err),
		util.Int("status_code", statusCode),
		util.String("message", message),
	)
	h.respondWithJSON(w, statusCode, map[string]string{"error": message})
}

// getStatusCode maps service errors onto HTTP status codes. Challenge
// failures are 400: they are caller-actionable and retryable.
func (h *CandidateHandler) getStatusCode(err error) int {
	var validation *service.ValidationError
	var conflict *service.ConflictError
	switch {
	case errors.As(err, &validation):
		return http.StatusBadRequest
	case errors.As(err, &conflict):
		return http.StatusConflict
	case errors.Is(err, service.ErrOTPNotFound),
		errors.Is(err, service.ErrOTPExpired),
		errors.Is(err, service.ErrOTPInvalid):
		return http.StatusBadRequest
	case errors.Is(err, service.ErrProfileNotFound):
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}
