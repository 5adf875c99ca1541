// Package api exposes HTTP handlers for the reward service.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"example.com/rewards/internal/auth"
	"example.com/rewards/internal/disbursement"
	"example.com/rewards/internal/domain"
	"example.com/rewards/internal/persistence"
	"example.com/rewards/internal/streak"
)

// Rewards is the coordinator surface the handlers drive.
type Rewards interface {
	Submit(ctx context.Context, result domain.ActivityResult) (domain.Outcome, error)
	QueryBalance(ctx context.Context, userID string) (domain.UserBalance, error)
	Entry(ctx context.Context, id string) (domain.LedgerEntry, error)
	Entries(ctx context.Context, userID string, cursor *domain.Cursor, limit int) ([]domain.LedgerEntry, *domain.Cursor, error)
	StreakStatus(ctx context.Context, userID string) (streak.Decision, *domain.StreakState, error)
}

// Maintenance is the reconciler surface behind the admin endpoints.
type Maintenance interface {
	RunOnce(ctx context.Context, batchSize int) (disbursement.ReconcileReport, error)
	Repair(ctx context.Context, userID string) (domain.UserBalance, error)
}

// Handler coordinates HTTP requests with the reward coordinator.
type Handler struct {
	rewards     Rewards
	maintenance Maintenance
	logger      *zap.Logger
}

// NewHandler builds a Handler. maintenance may be nil, in which case the admin
// endpoints are not registered.
func NewHandler(rewards Rewards, maintenance Maintenance, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{rewards: rewards, maintenance: maintenance, logger: logger}
}

// RegisterRoutes wires endpoints to the mux.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /v1/activities", h.submitActivity)
	mux.HandleFunc("GET /v1/balances/{userId}", h.getBalance)
	mux.HandleFunc("GET /v1/streaks/{userId}", h.getStreak)
	mux.HandleFunc("GET /v1/ledger/{entryId}", h.getEntry)
	mux.HandleFunc("GET /v1/users/{userId}/ledger", h.listEntries)
	if h.maintenance != nil {
		mux.HandleFunc("POST /v1/admin/reconcile", h.reconcile)
		mux.HandleFunc("POST /v1/admin/repair/{userId}", h.repair)
	}
	mux.HandleFunc("GET /healthz", healthz)
}

// healthz reports a simple OK status for container health checks.
func healthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (h *Handler) submitActivity(w http.ResponseWriter, r *http.Request) {
	if _, ok := requireScope(w, r, auth.ScopeRewardsWrite); !ok {
		return
	}

	var req SubmitActivityRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "unable to parse body")
		return
	}

	outcome, err := h.rewards.Submit(r.Context(), req.toResult())
	if err != nil {
		h.writeDomainError(w, err)
		return
	}

	status := http.StatusOK
	if outcome.Kind == domain.OutcomePending {
		status = http.StatusAccepted
	}
	writeJSON(w, status, toSubmitResponse(outcome))
}

func (h *Handler) getBalance(w http.ResponseWriter, r *http.Request) {
	userID := r.PathValue("userId")
	if !requireReader(w, r, userID) {
		return
	}

	balance, err := h.rewards.QueryBalance(r.Context(), userID)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toBalanceView(balance))
}

func (h *Handler) getStreak(w http.ResponseWriter, r *http.Request) {
	userID := r.PathValue("userId")
	if !requireReader(w, r, userID) {
		return
	}

	decision, state, err := h.rewards.StreakStatus(r.Context(), userID)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}

	view := StreakView{
		UserID:           userID,
		Eligible:         decision.Eligible,
		NextStreakLength: decision.NewStreakLength,
		Day:              decision.Day,
	}
	if !decision.Eligible {
		next := decision.NextEligibleAt
		view.NextEligibleAt = &next
	}
	if state != nil {
		last := state.LastGrantedAt
		view.CurrentStreakLength = state.CurrentStreakLength
		view.LastGrantedAt = &last
		view.Timezone = state.Timezone
	}
	writeJSON(w, http.StatusOK, view)
}

func (h *Handler) getEntry(w http.ResponseWriter, r *http.Request) {
	claims, ok := requireClaims(w, r)
	if !ok {
		return
	}

	entry, err := h.rewards.Entry(r.Context(), r.PathValue("entryId"))
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	// Hide other users' entries behind a 404.
	if !claims.CanRead(entry.UserID) {
		writeError(w, http.StatusNotFound, "not_found", "ledger entry not found")
		return
	}
	writeJSON(w, http.StatusOK, toEntryView(entry))
}

func (h *Handler) listEntries(w http.ResponseWriter, r *http.Request) {
	userID := r.PathValue("userId")
	if !requireReader(w, r, userID) {
		return
	}

	limit := 20
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 {
			if parsed > 100 {
				parsed = 100
			}
			limit = parsed
		}
	}

	cursor, err := persistence.DecodeCursor(r.URL.Query().Get("cursor"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "validation_failed", "invalid cursor")
		return
	}

	entries, next, err := h.rewards.Entries(r.Context(), userID, cursor, limit)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}

	items := make([]LedgerEntryView, 0, len(entries))
	for _, entry := range entries {
		items = append(items, toEntryView(entry))
	}
	writeJSON(w, http.StatusOK, ListEntriesResponse{Items: items, NextCursor: persistence.EncodeCursor(next)})
}

func (h *Handler) reconcile(w http.ResponseWriter, r *http.Request) {
	if _, ok := requireScope(w, r, auth.ScopeRewardsAdmin); !ok {
		return
	}

	batch := 100
	if raw := r.URL.Query().Get("batch"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 {
			batch = parsed
		}
	}

	report, err := h.maintenance.RunOnce(r.Context(), batch)
	if err != nil {
		// Partial passes still return their report.
		h.logger.Warn("reconcile pass finished with errors", zap.Error(err))
		writeJSON(w, http.StatusOK, ReconcileResponse{Report: report, Error: err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, ReconcileResponse{Report: report})
}

func (h *Handler) repair(w http.ResponseWriter, r *http.Request) {
	claims, ok := requireScope(w, r, auth.ScopeRewardsAdmin)
	if !ok {
		return
	}

	userID := r.PathValue("userId")
	balance, err := h.maintenance.Repair(r.Context(), userID)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	h.logger.Info("balance repaired", zap.String("user_id", userID), zap.String("requested_by", claims.Subject))
	writeJSON(w, http.StatusOK, toBalanceView(balance))
}

func (h *Handler) writeDomainError(w http.ResponseWriter, err error) {
	var validation *domain.ValidationError
	switch {
	case errors.As(err, &validation):
		writeError(w, http.StatusBadRequest, "validation_failed", validation.Error())
	case errors.Is(err, domain.ErrValidation):
		writeError(w, http.StatusBadRequest, "validation_failed", err.Error())
	case errors.Is(err, domain.ErrEntryNotFound):
		writeError(w, http.StatusNotFound, "not_found", "ledger entry not found")
	case errors.Is(err, domain.ErrStorageUnavailable):
		h.logger.Error("storage unavailable", zap.Error(err))
		writeError(w, http.StatusServiceUnavailable, "storage_unavailable", "rewards are temporarily unavailable, please retry")
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		writeError(w, http.StatusServiceUnavailable, "timeout", "request did not complete in time")
	default:
		h.logger.Error("unexpected error", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "server_error", "internal error")
	}
}

func requireClaims(w http.ResponseWriter, r *http.Request) (*auth.Claims, bool) {
	claims, ok := auth.FromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized", "missing bearer token")
		return nil, false
	}
	return claims, true
}

func requireScope(w http.ResponseWriter, r *http.Request, scope string) (*auth.Claims, bool) {
	claims, ok := requireClaims(w, r)
	if !ok {
		return nil, false
	}
	if !claims.HasScope(scope) {
		writeError(w, http.StatusForbidden, "forbidden", "scope "+scope+" required")
		return nil, false
	}
	return claims, true
}

func requireReader(w http.ResponseWriter, r *http.Request, userID string) bool {
	claims, ok := requireClaims(w, r)
	if !ok {
		return false
	}
	if strings.TrimSpace(userID) == "" {
		writeError(w, http.StatusBadRequest, "validation_failed", "user id is required")
		return false
	}
	if !claims.CanRead(userID) {
		writeError(w, http.StatusForbidden, "forbidden", "scope "+auth.ScopeRewardsRead+" required")
		return false
	}
	return true
}

// SubmitActivityRequest is the payload for POST /v1/activities.
type SubmitActivityRequest struct {
	UserID       string             `json:"user_id"`
	ActivityType string             `json:"activity_type"`
	ActivityID   string             `json:"activity_id"`
	Difficulty   string             `json:"difficulty,omitempty"`
	Metrics      map[string]float64 `json:"metrics"`
	OccurredAt   time.Time          `json:"occurred_at"`
	Timezone     string             `json:"timezone,omitempty"`
}

func (r SubmitActivityRequest) toResult() domain.ActivityResult {
	return domain.ActivityResult{
		UserID:       r.UserID,
		ActivityType: domain.ActivityType(r.ActivityType),
		ActivityID:   r.ActivityID,
		Difficulty:   domain.Difficulty(r.Difficulty),
		Metrics:      r.Metrics,
		OccurredAt:   r.OccurredAt,
		Timezone:     r.Timezone,
	}
}

// RewardView is the JSON form of a reward bundle.
type RewardView struct {
	XP          int64  `json:"xp"`
	TokenAmount string `json:"token_amount"`
	ItemGrant   string `json:"item_grant,omitempty"`
}

// SubmitActivityResponse describes the outcome of a submission. Message keeps
// progress being saved apart from the payment result.
type SubmitActivityResponse struct {
	EntryID        string      `json:"entry_id,omitempty"`
	Outcome        string      `json:"outcome"`
	Replay         bool        `json:"idempotent_replay"`
	Notify         bool        `json:"notify"`
	Message        string      `json:"message,omitempty"`
	Reason         string      `json:"reason,omitempty"`
	Reward         *RewardView `json:"reward,omitempty"`
	NextEligibleAt *time.Time  `json:"next_eligible_at,omitempty"`
}

// BalanceView is the JSON form of a user balance.
type BalanceView struct {
	UserID              string     `json:"user_id"`
	XPTotal             int64      `json:"xp_total"`
	TokenTotal          string     `json:"token_total"`
	StreakCount         int        `json:"streak_count"`
	LastStreakGrantDate *time.Time `json:"last_streak_grant_date,omitempty"`
	UpdatedAt           *time.Time `json:"updated_at,omitempty"`
}

// StreakView is the read-only eligibility hint for clients.
type StreakView struct {
	UserID              string     `json:"user_id"`
	Eligible            bool       `json:"eligible"`
	CurrentStreakLength int        `json:"current_streak_length"`
	NextStreakLength    int        `json:"next_streak_length"`
	NextEligibleAt      *time.Time `json:"next_eligible_at,omitempty"`
	LastGrantedAt       *time.Time `json:"last_granted_at,omitempty"`
	Timezone            string     `json:"timezone,omitempty"`
	Day                 string     `json:"day"`
}

// LedgerEntryView exposes a ledger entry.
type LedgerEntryView struct {
	EntryID       string     `json:"entry_id"`
	UserID        string     `json:"user_id"`
	ActivityType  string     `json:"activity_type"`
	ActivityID    string     `json:"activity_id"`
	Reward        RewardView `json:"reward"`
	Status        string     `json:"status"`
	ExternalRef   *string    `json:"external_ref,omitempty"`
	Attempts      int        `json:"attempts"`
	FailureReason *string    `json:"failure_reason,omitempty"`
	XPApplied     bool       `json:"xp_applied"`
	TokensApplied bool       `json:"tokens_applied"`
	StreakLength  int        `json:"streak_length,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at"`
	SettledAt     *time.Time `json:"settled_at,omitempty"`
}

// ListEntriesResponse packages list results.
type ListEntriesResponse struct {
	Items      []LedgerEntryView `json:"items"`
	NextCursor string            `json:"next_cursor,omitempty"`
}

// ReconcileResponse wraps a reconciliation report.
type ReconcileResponse struct {
	Report disbursement.ReconcileReport `json:"report"`
	Error  string                       `json:"error,omitempty"`
}

func writeError(w http.ResponseWriter, status int, code, detail string) {
	payload := map[string]string{
		"type":   code,
		"detail": detail,
	}
	writeJSON(w, status, payload)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

func toRewardView(bundle domain.RewardBundle) RewardView {
	return RewardView{
		XP:          bundle.XP,
		TokenAmount: bundle.TokenAmount.StringFixed(2),
		ItemGrant:   bundle.ItemGrant,
	}
}

func toSubmitResponse(outcome domain.Outcome) SubmitActivityResponse {
	resp := SubmitActivityResponse{
		EntryID:        outcome.EntryID,
		Outcome:        string(outcome.Kind),
		Replay:         outcome.Kind == domain.OutcomeDuplicate,
		Notify:         outcome.Notify(),
		Message:        outcome.Message(),
		Reason:         outcome.Reason,
		NextEligibleAt: outcome.NextEligibleAt,
	}
	if outcome.Kind != domain.OutcomeDuplicate && outcome.Kind != domain.OutcomeNotYetEligible {
		reward := toRewardView(outcome.Bundle)
		resp.Reward = &reward
	}
	return resp
}

func toBalanceView(balance domain.UserBalance) BalanceView {
	view := BalanceView{
		UserID:              balance.UserID,
		XPTotal:             balance.XPTotal,
		TokenTotal:          balance.TokenTotal.StringFixed(2),
		StreakCount:         balance.StreakCount,
		LastStreakGrantDate: balance.LastStreakGrantDate,
	}
	if !balance.UpdatedAt.IsZero() {
		updated := balance.UpdatedAt
		view.UpdatedAt = &updated
	}
	return view
}

func toEntryView(entry domain.LedgerEntry) LedgerEntryView {
	return LedgerEntryView{
		EntryID:       entry.ID,
		UserID:        entry.UserID,
		ActivityType:  string(entry.ActivityType),
		ActivityID:    entry.ActivityID,
		Reward:        toRewardView(entry.Bundle),
		Status:        string(entry.Status),
		ExternalRef:   entry.ExternalRef,
		Attempts:      entry.Attempts,
		FailureReason: entry.FailureReason,
		XPApplied:     entry.XPApplied,
		TokensApplied: entry.TokensApplied,
		StreakLength:  entry.StreakLength,
		CreatedAt:     entry.CreatedAt,
		UpdatedAt:     entry.UpdatedAt,
		SettledAt:     entry.SettledAt,
	}
}
