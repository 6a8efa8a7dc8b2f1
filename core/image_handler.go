package core

import (
	"context"
	"encoding/base64"
	"image-gateway/models"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// ImageHandler 图片生成/描述的 HTTP 入口
// 负责解析请求、调用网关，并把错误分类映射为 HTTP 状态码
type ImageHandler struct {
	gateway  *KeyRotationGateway
	upstream Upstream
	decoder  *AttachmentDecoder
	recorder RequestRecorder
	logger   *logrus.Logger
	timeout  time.Duration
}

// NewImageHandler 创建处理器；recorder 可以为 nil，timeout<=0 表示不限时
func NewImageHandler(
	gateway *KeyRotationGateway,
	upstream Upstream,
	decoder *AttachmentDecoder,
	recorder RequestRecorder,
	logger *logrus.Logger,
	timeout time.Duration,
) *ImageHandler {
	return &ImageHandler{
		gateway:  gateway,
		upstream: upstream,
		decoder:  decoder,
		recorder: recorder,
		logger:   logger,
		timeout:  timeout,
	}
}

// getClientIP 获取客户端真实IP地址
func getClientIP(c *gin.Context) string {
	if xff := c.GetHeader("X-Forwarded-For"); xff != "" {
		if idx := strings.Index(xff, ","); idx != -1 {
			return strings.TrimSpace(xff[:idx])
		}
		return strings.TrimSpace(xff)
	}
	if xri := c.GetHeader("X-Real-IP"); xri != "" {
		return strings.TrimSpace(xri)
	}
	if ip, _, err := net.SplitHostPort(c.Request.RemoteAddr); err == nil {
		return ip
	}
	return c.Request.RemoteAddr
}

// HandleGenerate POST /api/generate
func (h *ImageHandler) HandleGenerate(c *gin.Context) {
	start := time.Now()
	requestID := uuid.NewString()

	var body models.GenerateRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		h.fail(c, requestID, models.OperationGenerate, start, nil, NewValidationError("invalid request body: "+err.Error()))
		return
	}
	if err := h.gateway.Ready(); err != nil {
		h.fail(c, requestID, models.OperationGenerate, start, nil, err)
		return
	}

	ctx, cancel := h.requestContext(c)
	defer cancel()

	req := &models.UpstreamRequest{Operation: models.OperationGenerate, Prompt: body.Prompt}
	for _, a := range body.Images {
		blob, err := h.decoder.Decode(ctx, a)
		if err != nil {
			h.fail(c, requestID, models.OperationGenerate, start, nil, err)
			return
		}
		req.Attachments = append(req.Attachments, blob)
	}

	exec, err := h.gateway.Execute(ctx, req, h.upstream.Generate)
	if err != nil {
		h.fail(c, requestID, models.OperationGenerate, start, exec, err)
		return
	}

	result := exec.Result
	h.record(c, requestID, models.OperationGenerate, start, http.StatusOK, exec, nil)

	if c.Query("format") == "binary" && len(result.Data) > 0 {
		c.Header("X-Request-ID", requestID)
		c.Data(http.StatusOK, result.MimeType, result.Data)
		return
	}

	c.JSON(http.StatusOK, models.GenerateResponse{
		RequestID: requestID,
		Image:     base64.StdEncoding.EncodeToString(result.Data),
		MimeType:  result.MimeType,
		Text:      result.Text,
	})
}

// HandleDescribe POST /api/describe
func (h *ImageHandler) HandleDescribe(c *gin.Context) {
	start := time.Now()
	requestID := uuid.NewString()

	var body models.DescribeRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		h.fail(c, requestID, models.OperationDescribe, start, nil, NewValidationError("invalid request body: "+err.Error()))
		return
	}
	if body.Image == nil {
		h.fail(c, requestID, models.OperationDescribe, start, nil, NewValidationError("image is required"))
		return
	}
	if err := h.gateway.Ready(); err != nil {
		h.fail(c, requestID, models.OperationDescribe, start, nil, err)
		return
	}

	ctx, cancel := h.requestContext(c)
	defer cancel()

	blob, err := h.decoder.Decode(ctx, *body.Image)
	if err != nil {
		h.fail(c, requestID, models.OperationDescribe, start, nil, err)
		return
	}

	req := &models.UpstreamRequest{
		Operation:   models.OperationDescribe,
		Prompt:      body.Prompt,
		Attachments: []models.Blob{blob},
	}
	exec, err := h.gateway.Execute(ctx, req, h.upstream.Describe)
	if err != nil {
		h.fail(c, requestID, models.OperationDescribe, start, exec, err)
		return
	}

	h.record(c, requestID, models.OperationDescribe, start, http.StatusOK, exec, nil)
	c.JSON(http.StatusOK, models.DescribeResponse{
		RequestID: requestID,
		Text:      exec.Result.Text,
	})
}

func (h *ImageHandler) requestContext(c *gin.Context) (context.Context, context.CancelFunc) {
	if h.timeout > 0 {
		return context.WithTimeout(c.Request.Context(), h.timeout)
	}
	return context.WithCancel(c.Request.Context())
}

// fail 把网关错误写回客户端
func (h *ImageHandler) fail(c *gin.Context, requestID string, op models.Operation, start time.Time, exec *Execution, err error) {
	ge := AsGatewayError(err)
	statusCode := ge.HTTPStatus()

	h.logger.WithFields(logrus.Fields{
		"request_id": requestID,
		"operation":  op,
		"kind":       ge.Kind,
		"reason":     ge.Reason,
		"status":     statusCode,
	}).Warnf("Request failed: %v", ge)

	h.record(c, requestID, op, start, statusCode, exec, ge)
	c.JSON(statusCode, models.ErrorResponse{
		Error: models.ErrorDetail{
			Message:   ge.Error(),
			Type:      string(ge.Kind),
			RequestID: requestID,
		},
	})
}

func (h *ImageHandler) record(c *gin.Context, requestID string, op models.Operation, start time.Time, statusCode int, exec *Execution, ge *GatewayError) {
	if h.recorder == nil {
		return
	}
	entry := &models.RequestLog{
		CreatedAt:  start,
		RequestID:  requestID,
		Operation:  string(op),
		Method:     c.Request.Method,
		Path:       c.Request.URL.Path,
		StatusCode: statusCode,
		Duration:   time.Since(start).Milliseconds(),
		IP:         getClientIP(c),
		UserAgent:  c.Request.UserAgent(),
	}
	if exec != nil {
		entry.Attempts = exec.Attempts
		entry.CredentialFingerprint = exec.Fingerprint
	}
	if ge != nil {
		entry.ErrorKind = string(ge.Kind)
		msg := ge.Error()
		if len(msg) > 500 {
			msg = msg[:500]
		}
		entry.ErrorMsg = msg
	}
	h.recorder.Log(entry)
}
