package handler

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/hitoshi/mailbox/internal/delivery"
	"github.com/hitoshi/mailbox/internal/middleware"
	"github.com/hitoshi/mailbox/internal/model"
)

// DeliveryServiceInterface はバンドルハンドラーが必要とする配信サービスのインターフェース。
type DeliveryServiceInterface interface {
	// Peek は受信者の未確認バンドルを返す。groupが空の場合は全カテゴリが対象。
	Peek(ctx context.Context, recipient model.MarketOperator, group model.ExclusivityGroup, bundleID string) (delivery.PeekResult, error)
	// Acknowledge は未確認バンドルを確認済みにする。一致しない場合はfalseを返す。
	Acknowledge(ctx context.Context, recipient model.MarketOperator, group model.ExclusivityGroup, bundleID string) (bool, error)
}

// BundleHandler はpeek/確認のHTTPハンドラー。
type BundleHandler struct {
	service DeliveryServiceInterface
}

// NewBundleHandler はBundleHandlerを生成する。
func NewBundleHandler(service DeliveryServiceInterface) *BundleHandler {
	return &BundleHandler{service: service}
}

// peekResponse はpeekのAPIレスポンス。
type peekResponse struct {
	BundleID     string `json:"bundle_id"`
	ContentRef   string `json:"content_ref"`
	DomainOrigin string `json:"domain_origin"`
}

type acknowledgeResponse struct {
	Acknowledged bool `json:"acknowledged"`
}

// Peek は未確認バンドルを返す。データが無い場合は204を返す。
// GET /api/v1/bundles/peek[/{group}]?bundle_id=
func (h *BundleHandler) Peek(w http.ResponseWriter, r *http.Request) {
	recipient, err := middleware.RecipientFromContext(r.Context())
	if err != nil {
		writeAPIErrorResponse(w, http.StatusUnauthorized, model.NewUnauthorizedError())
		return
	}

	group, ok := groupFromRequest(w, r)
	if !ok {
		return
	}

	bundleID := strings.TrimSpace(r.URL.Query().Get("bundle_id"))
	if model.TooLong(bundleID, model.MaxIDLength) {
		writeAPIErrorResponse(w, http.StatusBadRequest,
			model.NewInvalidRequestError(fmt.Sprintf("bundle_idは%d文字以内である必要があります", model.MaxIDLength)))
		return
	}

	result, err := h.service.Peek(r.Context(), recipient, group, bundleID)
	if err != nil {
		handleServiceError(w, err)
		return
	}

	if !result.HasData {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	writeJSON(w, http.StatusOK, peekResponse{
		BundleID:     result.BundleID,
		ContentRef:   result.ContentRef,
		DomainOrigin: string(result.Origin),
	})
}

// Acknowledge はバンドルを確認済みにする。
// 未確認バンドルと一致しない場合は409 ACKNOWLEDGE_REJECTEDを返す。
// POST /api/v1/bundles/{id}/ack[/{group}]
func (h *BundleHandler) Acknowledge(w http.ResponseWriter, r *http.Request) {
	recipient, err := middleware.RecipientFromContext(r.Context())
	if err != nil {
		writeAPIErrorResponse(w, http.StatusUnauthorized, model.NewUnauthorizedError())
		return
	}

	group, ok := groupFromRequest(w, r)
	if !ok {
		return
	}

	bundleID := strings.TrimSpace(chi.URLParam(r, "id"))
	if bundleID == "" || model.TooLong(bundleID, model.MaxIDLength) {
		writeAPIErrorResponse(w, http.StatusBadRequest, model.NewInvalidRequestError("バンドルIDが空、または長すぎます"))
		return
	}

	acknowledged, err := h.service.Acknowledge(r.Context(), recipient, group, bundleID)
	if err != nil {
		handleServiceError(w, err)
		return
	}
	if !acknowledged {
		writeAPIErrorResponse(w, http.StatusConflict, model.NewAcknowledgeRejectedError(bundleID))
		return
	}

	writeJSON(w, http.StatusOK, acknowledgeResponse{Acknowledged: true})
}

// groupFromRequest はURLパラメータの排他グループを解析する。
// 不正な場合は400を書き込みfalseを返す。
func groupFromRequest(w http.ResponseWriter, r *http.Request) (model.ExclusivityGroup, bool) {
	raw := chi.URLParam(r, "group")
	if raw == "" {
		return "", true
	}
	group, err := model.ParseExclusivityGroup(raw)
	if err != nil {
		writeAPIErrorResponse(w, http.StatusBadRequest, model.NewInvalidExclusivityGroupError(raw))
		return "", false
	}
	return group, true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
