// Package handler содержит HTTP-обработчики API реестра учебных сертификатов.
package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/mmeshcher/edcred-system/internal/ledger"
	"github.com/mmeshcher/edcred-system/internal/middleware"
	"github.com/mmeshcher/edcred-system/internal/model"
	"github.com/mmeshcher/edcred-system/internal/validation"
)

// Service определяет контракт бизнес-логики, используемой HTTP-обработчиками.
type Service interface {
	RegisterEducator(ctx context.Context, caller, target model.Address) error
	RegisterStudent(ctx context.Context, caller, target model.Address) error
	CertifyCompletion(ctx context.Context, caller, student model.Address, testID int64) error
	SetTokenURI(ctx context.Context, caller model.Address, uri string) error
	CreateTest(ctx context.Context, caller model.Address, price int64, contentHash string) (int64, error)
	ClaimCredential(ctx context.Context, caller model.Address, testID int64, value int64) error
	Withdraw(ctx context.Context, caller model.Address) (int64, error)
	IsEducator(ctx context.Context, addr model.Address) (bool, error)
	IsStudent(ctx context.Context, addr model.Address) (bool, error)
	GetEducator(ctx context.Context, addr model.Address) (*model.Educator, error)
	GetStudent(ctx context.Context, addr model.Address) (*model.Student, error)
	GetBalance(ctx context.Context, addr model.Address) (*model.Balance, error)
	GetTest(ctx context.Context, id int64) (*model.Test, error)
	TestsCount(ctx context.Context) (int64, error)
	IsAllowed(ctx context.Context, student model.Address, testID int64) (bool, error)
	HasCredential(ctx context.Context, student model.Address, testID int64) (bool, error)
	TokenURI(ctx context.Context) (string, error)
	ListEvents(ctx context.Context, afterID int64, limit int) ([]model.Event, error)
}

// Handler реализует HTTP-обработчики API реестра.
type Handler struct {
	service        Service
	logger         *zap.Logger
	authMiddleware *middleware.AuthMiddleware
}

// NewHandler создаёт новый экземпляр обработчика HTTP-запросов.
func NewHandler(s Service, logger *zap.Logger, auth *middleware.AuthMiddleware) *Handler {
	return &Handler{
		service:        s,
		logger:         logger,
		authMiddleware: auth,
	}
}

// statusForError отображает ошибки реестра на HTTP-статусы.
func statusForError(err error) int {
	switch {
	case errors.Is(err, ledger.ErrUnauthorized), errors.Is(err, ledger.ErrNotAllowed):
		return http.StatusForbidden
	case errors.Is(err, ledger.ErrAlreadyRegistered),
		errors.Is(err, ledger.ErrAlreadyHeld),
		errors.Is(err, ledger.ErrAlreadyAllowed),
		errors.Is(err, ledger.ErrNothingToWithdraw):
		return http.StatusConflict
	case errors.Is(err, ledger.ErrUnknownTest), errors.Is(err, ledger.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ledger.ErrIncorrectPayment):
		return http.StatusPaymentRequired
	case errors.Is(err, ledger.ErrTransferFailed):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func (h *Handler) respondError(w http.ResponseWriter, err error, msg string) {
	status := statusForError(err)
	if status == http.StatusInternalServerError {
		h.logger.Error(msg, zap.Error(err))
	}
	http.Error(w, http.StatusText(status), status)
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Error("encode response", zap.Error(err))
	}
}

func caller(r *http.Request) (model.Address, bool) {
	return middleware.GetCallerFromContext(r.Context())
}

func parseTestID(r *http.Request, param string) (int64, error) {
	return strconv.ParseInt(chi.URLParam(r, param), 10, 64)
}

type addressRequest struct {
	Address string `json:"address"`
}

// RegisterEducator выдаёт роль преподавателя указанному адресу.
func (h *Handler) RegisterEducator(w http.ResponseWriter, r *http.Request) {
	h.registerRole(w, r, h.service.RegisterEducator)
}

// RegisterStudent выдаёт роль студента указанному адресу.
func (h *Handler) RegisterStudent(w http.ResponseWriter, r *http.Request) {
	h.registerRole(w, r, h.service.RegisterStudent)
}

func (h *Handler) registerRole(w http.ResponseWriter, r *http.Request, register func(context.Context, model.Address, model.Address) error) {
	c, ok := caller(r)
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	var req addressRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	if !validation.IsValidAddress(req.Address) {
		http.Error(w, http.StatusText(http.StatusUnprocessableEntity), http.StatusUnprocessableEntity)
		return
	}

	if err := register(r.Context(), c, model.Address(req.Address)); err != nil {
		h.respondError(w, err, "register role error")
		return
	}

	w.WriteHeader(http.StatusOK)
}

type certifyRequest struct {
	Student string `json:"student"`
	TestID  int64  `json:"test_id"`
}

// Certify фиксирует зачёт испытания студенту.
func (h *Handler) Certify(w http.ResponseWriter, r *http.Request) {
	c, ok := caller(r)
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	var req certifyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	if !validation.IsValidAddress(req.Student) {
		http.Error(w, http.StatusText(http.StatusUnprocessableEntity), http.StatusUnprocessableEntity)
		return
	}

	if err := h.service.CertifyCompletion(r.Context(), c, model.Address(req.Student), req.TestID); err != nil {
		h.respondError(w, err, "certify completion error")
		return
	}

	w.WriteHeader(http.StatusOK)
}

type tokenURIRequest struct {
	URI string `json:"uri"`
}

// SetTokenURI обновляет общий адрес метаданных сертификатов.
func (h *Handler) SetTokenURI(w http.ResponseWriter, r *http.Request) {
	c, ok := caller(r)
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	var req tokenURIRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	if err := h.service.SetTokenURI(r.Context(), c, req.URI); err != nil {
		h.respondError(w, err, "set token uri error")
		return
	}

	w.WriteHeader(http.StatusOK)
}

type createTestRequest struct {
	Price       int64  `json:"price"`
	ContentHash string `json:"content_hash"`
}

type createTestResponse struct {
	ID int64 `json:"id"`
}

// CreateTest публикует новое испытание от имени текущего преподавателя.
func (h *Handler) CreateTest(w http.ResponseWriter, r *http.Request) {
	c, ok := caller(r)
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	var req createTestRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	// content_hash — непрозрачная ссылка, реестр её не интерпретирует и не проверяет.
	if req.Price < 0 {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	id, err := h.service.CreateTest(r.Context(), c, req.Price, req.ContentHash)
	if err != nil {
		h.respondError(w, err, "create test error")
		return
	}

	h.writeJSON(w, http.StatusCreated, createTestResponse{ID: id})
}

type claimRequest struct {
	Value int64 `json:"value"`
}

// Claim выпускает текущему студенту сертификат о прохождении испытания.
func (h *Handler) Claim(w http.ResponseWriter, r *http.Request) {
	c, ok := caller(r)
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	testID, err := parseTestID(r, "testID")
	if err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	var req claimRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	if req.Value < 0 {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	if err := h.service.ClaimCredential(r.Context(), c, testID, req.Value); err != nil {
		h.respondError(w, err, "claim credential error")
		return
	}

	w.WriteHeader(http.StatusCreated)
}

type withdrawResponse struct {
	Amount int64 `json:"amount"`
}

// Withdraw выводит накопленный остаток текущего преподавателя.
func (h *Handler) Withdraw(w http.ResponseWriter, r *http.Request) {
	c, ok := caller(r)
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	amount, err := h.service.Withdraw(r.Context(), c)
	if err != nil {
		h.respondError(w, err, "withdraw error")
		return
	}

	h.writeJSON(w, http.StatusOK, withdrawResponse{Amount: amount})
}

// GetBalance возвращает остаток текущего преподавателя.
func (h *Handler) GetBalance(w http.ResponseWriter, r *http.Request) {
	c, ok := caller(r)
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	balance, err := h.service.GetBalance(r.Context(), c)
	if err != nil {
		h.respondError(w, err, "get balance error")
		return
	}

	h.writeJSON(w, http.StatusOK, balance)
}

type rolesResponse struct {
	Educator bool `json:"educator"`
	Student  bool `json:"student"`
}

// GetRoles возвращает активные роли указанного адреса.
func (h *Handler) GetRoles(w http.ResponseWriter, r *http.Request) {
	addr := chi.URLParam(r, "address")
	if !validation.IsValidAddress(addr) {
		http.Error(w, http.StatusText(http.StatusUnprocessableEntity), http.StatusUnprocessableEntity)
		return
	}

	educator, err := h.service.IsEducator(r.Context(), model.Address(addr))
	if err != nil {
		h.respondError(w, err, "get roles error")
		return
	}

	student, err := h.service.IsStudent(r.Context(), model.Address(addr))
	if err != nil {
		h.respondError(w, err, "get roles error")
		return
	}

	h.writeJSON(w, http.StatusOK, rolesResponse{Educator: educator, Student: student})
}

type testResponse struct {
	ID             int64  `json:"id"`
	Owner          string `json:"owner"`
	ContentHash    string `json:"content_hash"`
	Price          int64  `json:"price"`
	LifetimePayout int64  `json:"lifetime_payout"`
	Completions    int64  `json:"completions"`
}

// GetTest возвращает данные испытания.
func (h *Handler) GetTest(w http.ResponseWriter, r *http.Request) {
	id, err := parseTestID(r, "testID")
	if err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	t, err := h.service.GetTest(r.Context(), id)
	if err != nil {
		h.respondError(w, err, "get test error")
		return
	}

	h.writeJSON(w, http.StatusOK, testResponse{
		ID:             t.ID,
		Owner:          string(t.Owner),
		ContentHash:    t.ContentHash,
		Price:          t.Price,
		LifetimePayout: t.LifetimePayout,
		Completions:    t.Completions,
	})
}

type testsCountResponse struct {
	Count int64 `json:"count"`
}

// GetTestsCount возвращает число созданных испытаний.
func (h *Handler) GetTestsCount(w http.ResponseWriter, r *http.Request) {
	n, err := h.service.TestsCount(r.Context())
	if err != nil {
		h.respondError(w, err, "get tests count error")
		return
	}

	h.writeJSON(w, http.StatusOK, testsCountResponse{Count: n})
}

type educatorResponse struct {
	Address        string `json:"address"`
	Active         bool   `json:"active"`
	TestsCreated   int64  `json:"tests_created"`
	LifetimePayout int64  `json:"lifetime_payout"`
}

// GetEducator возвращает публичные данные преподавателя.
func (h *Handler) GetEducator(w http.ResponseWriter, r *http.Request) {
	addr := chi.URLParam(r, "address")
	if !validation.IsValidAddress(addr) {
		http.Error(w, http.StatusText(http.StatusUnprocessableEntity), http.StatusUnprocessableEntity)
		return
	}

	e, err := h.service.GetEducator(r.Context(), model.Address(addr))
	if err != nil {
		h.respondError(w, err, "get educator error")
		return
	}

	h.writeJSON(w, http.StatusOK, educatorResponse{
		Address:        string(e.Address),
		Active:         e.Active,
		TestsCreated:   e.TestsCreated,
		LifetimePayout: e.LifetimePayout,
	})
}

type studentResponse struct {
	Address           string `json:"address"`
	Active            bool   `json:"active"`
	TestsCompleted    int64  `json:"tests_completed"`
	CredentialsMinted int64  `json:"credentials_minted"`
}

// GetStudent возвращает публичные данные студента.
func (h *Handler) GetStudent(w http.ResponseWriter, r *http.Request) {
	addr := chi.URLParam(r, "address")
	if !validation.IsValidAddress(addr) {
		http.Error(w, http.StatusText(http.StatusUnprocessableEntity), http.StatusUnprocessableEntity)
		return
	}

	s, err := h.service.GetStudent(r.Context(), model.Address(addr))
	if err != nil {
		h.respondError(w, err, "get student error")
		return
	}

	h.writeJSON(w, http.StatusOK, studentResponse{
		Address:           string(s.Address),
		Active:            s.Active,
		TestsCompleted:    s.TestsCompleted,
		CredentialsMinted: s.CredentialsMinted,
	})
}

type allowanceResponse struct {
	Allowed bool `json:"allowed"`
}

// GetAllowance сообщает, есть ли у студента непогашенный зачёт по испытанию.
func (h *Handler) GetAllowance(w http.ResponseWriter, r *http.Request) {
	addr := chi.URLParam(r, "address")
	if !validation.IsValidAddress(addr) {
		http.Error(w, http.StatusText(http.StatusUnprocessableEntity), http.StatusUnprocessableEntity)
		return
	}

	testID, err := parseTestID(r, "testID")
	if err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	allowed, err := h.service.IsAllowed(r.Context(), model.Address(addr), testID)
	if err != nil {
		h.respondError(w, err, "get allowance error")
		return
	}

	h.writeJSON(w, http.StatusOK, allowanceResponse{Allowed: allowed})
}

type credentialResponse struct {
	Held bool `json:"held"`
}

// GetCredential сообщает, выпущен ли студенту сертификат по испытанию.
func (h *Handler) GetCredential(w http.ResponseWriter, r *http.Request) {
	addr := chi.URLParam(r, "address")
	if !validation.IsValidAddress(addr) {
		http.Error(w, http.StatusText(http.StatusUnprocessableEntity), http.StatusUnprocessableEntity)
		return
	}

	testID, err := parseTestID(r, "testID")
	if err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	held, err := h.service.HasCredential(r.Context(), model.Address(addr), testID)
	if err != nil {
		h.respondError(w, err, "get credential error")
		return
	}

	h.writeJSON(w, http.StatusOK, credentialResponse{Held: held})
}

type tokenURIResponse struct {
	URI string `json:"uri"`
}

// GetTokenURI возвращает общий адрес метаданных сертификатов.
func (h *Handler) GetTokenURI(w http.ResponseWriter, r *http.Request) {
	uri, err := h.service.TokenURI(r.Context())
	if err != nil {
		h.respondError(w, err, "get token uri error")
		return
	}

	h.writeJSON(w, http.StatusOK, tokenURIResponse{URI: uri})
}

// GetEvents возвращает события реестра в порядке их фиксации.
func (h *Handler) GetEvents(w http.ResponseWriter, r *http.Request) {
	var afterID int64
	if v := r.URL.Query().Get("after"); v != "" {
		parsed, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
			return
		}
		afterID = parsed
	}

	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		parsed, err := strconv.Atoi(v)
		if err != nil || parsed <= 0 {
			http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
			return
		}
		limit = parsed
	}

	events, err := h.service.ListEvents(r.Context(), afterID, limit)
	if err != nil {
		h.respondError(w, err, "get events error")
		return
	}

	if len(events) == 0 {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	h.writeJSON(w, http.StatusOK, events)
}
