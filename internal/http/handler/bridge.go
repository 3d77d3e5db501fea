package handler

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"

	"github.com/flexa/flexa-android-sub000/internal/adapter/flexa"
	"github.com/flexa/flexa-android-sub000/internal/domain"
	"github.com/flexa/flexa-android-sub000/internal/engine"
	"github.com/flexa/flexa-android-sub000/internal/service/session"
)

// BridgeHandler exposes the engine to the host process.
type BridgeHandler struct {
	Engine *engine.Engine
}

// NewBridgeHandler creates the handler set.
func NewBridgeHandler(e *engine.Engine) *BridgeHandler {
	return &BridgeHandler{Engine: e}
}

type sessionView struct {
	session.Snapshot
	SelectedAsset string                  `json:"selected_asset,omitempty"`
	WalletRequest *domain.CommerceSession `json:"wallet_request,omitempty"`
}

// Session returns the reconciler snapshot.
func (h *BridgeHandler) Session(c *gin.Context) {
	sessions := h.Engine.Sessions()
	c.JSON(http.StatusOK, sessionView{
		Snapshot:      sessions.Snapshot().Get(),
		SelectedAsset: sessions.SelectedAsset().Get(),
		WalletRequest: h.Engine.WalletRequests().Get(),
	})
}

// CreateSession starts a locally initiated session.
func (h *BridgeHandler) CreateSession(c *gin.Context) {
	var req domain.CreateSessionInput
	if err := c.ShouldBindJSON(&req); err != nil {
		invalidRequest(c, "Invalid session request.")
		return
	}
	if _, err := decimal.NewFromString(req.Amount); err != nil {
		invalidRequest(c, "amount must be a decimal string.")
		return
	}
	sessions := h.Engine.Sessions()
	if req.PaymentAsset != "" {
		if err := sessions.SelectAsset(c.Request.Context(), req.PaymentAsset); err != nil {
			writeError(c, err)
			return
		}
	}
	if err := sessions.CreateSession(c.Request.Context(), req); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"status": "creating"})
}

// CloseSession drops the current session.
func (h *BridgeHandler) CloseSession(c *gin.Context) {
	h.accepted(c, h.Engine.Sessions().Close)
}

// CancelSession answers the timeout prompt with cancel.
func (h *BridgeHandler) CancelSession(c *gin.Context) {
	h.accepted(c, h.Engine.Sessions().Cancel)
}

// KeepWaiting answers the timeout prompt with keep waiting.
func (h *BridgeHandler) KeepWaiting(c *gin.Context) {
	h.accepted(c, h.Engine.Sessions().KeepWaiting)
}

// SelectAsset changes the funding asset.
func (h *BridgeHandler) SelectAsset(c *gin.Context) {
	var req struct {
		Asset string `json:"asset" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		invalidRequest(c, "asset is required.")
		return
	}
	if err := h.Engine.Sessions().SelectAsset(c.Request.Context(), req.Asset); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"asset": req.Asset})
}

// ConfirmTransaction forwards the wallet signature.
func (h *BridgeHandler) ConfirmTransaction(c *gin.Context) {
	var req struct {
		SessionID string `json:"session_id"`
		Signature string `json:"signature" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		invalidRequest(c, "signature is required.")
		return
	}
	if err := h.Engine.Sessions().ConfirmTransaction(c.Request.Context(), req.SessionID, req.Signature); err != nil {
		writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// Account refreshes and returns the account.
func (h *BridgeHandler) Account(c *gin.Context) {
	account, err := h.Engine.RefreshAccount(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, account)
}

// SetBalance overrides the internal balance used for coverage checks.
func (h *BridgeHandler) SetBalance(c *gin.Context) {
	var balance domain.AccountBalance
	if err := c.ShouldBindJSON(&balance); err != nil {
		invalidRequest(c, "Invalid balance.")
		return
	}
	if err := h.Engine.SetAccountBalance(c.Request.Context(), &balance); err != nil {
		writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// DeleteAccount starts account deletion.
func (h *BridgeHandler) DeleteAccount(c *gin.Context) {
	if err := h.Engine.DeleteAccount(c.Request.Context()); err != nil {
		writeError(c, err)
		return
	}
	c.Status(http.StatusAccepted)
}

// SyncAppAccounts uploads the wallet's app accounts.
func (h *BridgeHandler) SyncAppAccounts(c *gin.Context) {
	var accounts []domain.AppAccount
	if err := c.ShouldBindJSON(&accounts); err != nil {
		invalidRequest(c, "Invalid app accounts.")
		return
	}
	page, err := h.Engine.SyncAppAccounts(c.Request.Context(), accounts)
	if err != nil {
		writeError(c, err)
		return
	}
	if !page.Date.IsZero() {
		c.Header("Date", page.Date.UTC().Format(http.TimeFormat))
	}
	c.JSON(http.StatusOK, page)
}

// CanSpend reports the region capability flag.
func (h *BridgeHandler) CanSpend(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"can_spend": h.Engine.CanSpend().Get()})
}

// Login sends the sign-in email.
func (h *BridgeHandler) Login(c *gin.Context) {
	var req struct {
		Email string `json:"email" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil || !strings.Contains(req.Email, "@") {
		invalidRequest(c, "A valid email is required.")
		return
	}
	status, err := h.Engine.Login(c.Request.Context(), req.Email)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, status)
}

// Verify completes sign-in.
func (h *BridgeHandler) Verify(c *gin.Context) {
	var req struct {
		Code string `json:"code"`
		Link string `json:"link"`
	}
	if err := c.ShouldBindJSON(&req); err != nil || (req.Code == "" && req.Link == "") {
		invalidRequest(c, "code or link is required.")
		return
	}
	tok, err := h.Engine.Verify(c.Request.Context(), req.Code, req.Link)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"id": tok.ID, "scope": tok.Scope, "expires_at": tok.ExpiresAt})
}

// Logout drops the credential and session state.
func (h *BridgeHandler) Logout(c *gin.Context) {
	if err := h.Engine.Logout(c.Request.Context()); err != nil {
		writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// Assets lists spendable assets.
func (h *BridgeHandler) Assets(c *gin.Context) {
	params, ok := pageParams(c)
	if !ok {
		return
	}
	page, err := h.Engine.Assets(c.Request.Context(), params)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, page)
}

// Asset fetches one asset.
func (h *BridgeHandler) Asset(c *gin.Context) {
	asset, err := h.Engine.Asset(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, asset)
}

// Brands lists brands.
func (h *BridgeHandler) Brands(c *gin.Context) {
	params, ok := pageParams(c)
	if !ok {
		return
	}
	page, err := h.Engine.Brands(c.Request.Context(), flexa.BrandQuery{PageParams: params, Query: c.Query("query")})
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, page)
}

// PinnedBrands returns the pinned brand ids.
func (h *BridgeHandler) PinnedBrands(c *gin.Context) {
	ids, err := h.Engine.PinnedBrands(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}
	if ids == nil {
		ids = []string{}
	}
	c.JSON(http.StatusOK, gin.H{"data": ids})
}

// SetPinnedBrands replaces the pinned brand ids.
func (h *BridgeHandler) SetPinnedBrands(c *gin.Context) {
	var req struct {
		Data []string `json:"data"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		invalidRequest(c, "Invalid pinned brands.")
		return
	}
	if err := h.Engine.SetPinnedBrands(c.Request.Context(), req.Data); err != nil {
		writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// Quote converts an amount into an asset.
func (h *BridgeHandler) Quote(c *gin.Context) {
	var req flexa.QuoteRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.Asset == "" || req.UnitOfAccount == "" {
		invalidRequest(c, "amount, asset and unit_of_account are required.")
		return
	}
	if _, err := decimal.NewFromString(req.Amount); err != nil {
		invalidRequest(c, "amount must be a decimal string.")
		return
	}
	quote, err := h.Engine.Quote(c.Request.Context(), req)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, quote)
}

// StartWatching subscribes to session events.
func (h *BridgeHandler) StartWatching(c *gin.Context) {
	h.accepted(c, h.Engine.StartWatching)
}

// StopWatching ends the subscription.
func (h *BridgeHandler) StopWatching(c *gin.Context) {
	h.accepted(c, h.Engine.StopWatching)
}

// LastError returns the last reported failure.
func (h *BridgeHandler) LastError(c *gin.Context) {
	reported := h.Engine.LastError().Get()
	if reported == nil {
		c.Status(http.StatusNoContent)
		return
	}
	c.JSON(http.StatusOK, reported)
}

// Health reports liveness.
func (h *BridgeHandler) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (h *BridgeHandler) accepted(c *gin.Context, fn func(ctx context.Context) error) {
	if err := fn(c.Request.Context()); err != nil {
		writeError(c, err)
		return
	}
	c.Status(http.StatusAccepted)
}

func pageParams(c *gin.Context) (flexa.PageParams, bool) {
	params := flexa.PageParams{StartingAfter: c.Query("starting_after")}
	if raw := c.Query("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 1 || limit > 100 {
			invalidRequest(c, "limit must be between 1 and 100.")
			return flexa.PageParams{}, false
		}
		params.Limit = limit
	}
	return params, true
}

func invalidRequest(c *gin.Context, description string) {
	c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "error_description": description})
}

// writeError renders classified errors. Raw transport details stay in logs.
func writeError(c *gin.Context, err error) {
	_ = c.Error(err)

	var de *domain.Error
	switch {
	case errors.Is(err, domain.ErrNotAuthenticated):
		c.JSON(http.StatusUnauthorized, gin.H{"error": "not_authenticated", "error_description": "Sign in required."})
	case errors.Is(err, domain.ErrNoSession):
		c.JSON(http.StatusConflict, gin.H{"error": "no_session", "error_description": "No commerce session is active."})
	case errors.Is(err, domain.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "error_description": "Resource not found."})
	case errors.Is(err, session.ErrStopped):
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "unavailable", "error_description": "Engine is stopped."})
	case errors.As(err, &de):
		c.JSON(statusForKind(de), gin.H{"error": errorCode(de), "error_description": errorDescription(de)})
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "unavailable", "error_description": "Request cancelled."})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": "server_error", "error_description": "Unexpected error."})
	}
}

func statusForKind(de *domain.Error) int {
	switch de.Kind {
	case domain.KindValidation:
		return http.StatusBadRequest
	case domain.KindAuth:
		return http.StatusUnauthorized
	case domain.KindTimeout:
		return http.StatusGatewayTimeout
	case domain.KindProtocol:
		if de.Status == http.StatusNotFound {
			return http.StatusNotFound
		}
		return http.StatusBadGateway
	default:
		return http.StatusBadGateway
	}
}

func errorCode(de *domain.Error) string {
	if de.Code != "" && de.Code != domain.GenericErrorCode {
		return de.Code
	}
	return de.Kind.String() + "_error"
}

func errorDescription(de *domain.Error) string {
	if de.Message != "" && de.Kind != domain.KindTransport {
		return de.Message
	}
	return "The platform request failed."
}
