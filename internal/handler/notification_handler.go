package handler

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/hitoshi/mailbox/internal/ingest"
	"github.com/hitoshi/mailbox/internal/model"
)

// maxIngestBodyBytes は取り込みリクエストボディの上限。
const maxIngestBodyBytes = 4 << 20

// IngestServiceInterface は通知取り込みハンドラーが必要とするサービスインターフェース。
type IngestServiceInterface interface {
	Ingest(ctx context.Context, entries []ingest.Entry) (ingest.Result, error)
}

// NotificationHandler はサブドメインからの通知取り込みを受け付けるHTTPハンドラー。
type NotificationHandler struct {
	service IngestServiceInterface
}

// NewNotificationHandler はNotificationHandlerを生成する。
func NewNotificationHandler(service IngestServiceInterface) *NotificationHandler {
	return &NotificationHandler{service: service}
}

type notificationRequest struct {
	ID               string `json:"id"`
	Recipient        string `json:"recipient"`
	ContentType      string `json:"content_type"`
	DomainOrigin     string `json:"domain_origin"`
	SupportsBundling bool   `json:"supports_bundling"`
	Weight           int64  `json:"weight"`
}

type ingestRequest struct {
	Notifications []notificationRequest `json:"notifications"`
}

type rejectedResponse struct {
	Index  int    `json:"index"`
	ID     string `json:"id,omitempty"`
	Reason string `json:"reason"`
}

type ingestResponse struct {
	Accepted []string           `json:"accepted"`
	Rejected []rejectedResponse `json:"rejected"`
}

// Ingest は通知のバッチを取り込む。
// 一部のエントリが不正でも正常なエントリは保存し、202で結果を返す。
// POST /api/v1/notifications
func (h *NotificationHandler) Ingest(w http.ResponseWriter, r *http.Request) {
	var req ingestRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxIngestBodyBytes)).Decode(&req); err != nil {
		writeAPIErrorResponse(w, http.StatusBadRequest, model.NewInvalidRequestError("リクエストボディの解析に失敗しました"))
		return
	}
	if len(req.Notifications) == 0 {
		writeAPIErrorResponse(w, http.StatusBadRequest, model.NewInvalidRequestError("notificationsが空です"))
		return
	}

	entries := make([]ingest.Entry, len(req.Notifications))
	for i, n := range req.Notifications {
		entries[i] = ingest.Entry{
			ID:               n.ID,
			Recipient:        n.Recipient,
			ContentType:      n.ContentType,
			Origin:           n.DomainOrigin,
			SupportsBundling: n.SupportsBundling,
			Weight:           n.Weight,
		}
	}

	result, err := h.service.Ingest(r.Context(), entries)
	if err != nil {
		handleServiceError(w, err)
		return
	}

	resp := ingestResponse{
		Accepted: result.Accepted,
		Rejected: make([]rejectedResponse, len(result.Rejected)),
	}
	if resp.Accepted == nil {
		resp.Accepted = []string{}
	}
	for i, rej := range result.Rejected {
		resp.Rejected[i] = rejectedResponse{Index: rej.Index, ID: rej.ID, Reason: rej.Reason}
	}
	writeJSON(w, http.StatusAccepted, resp)
}
