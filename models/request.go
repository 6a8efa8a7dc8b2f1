package models

import (
	"strings"
	"time"
)

// Operation 上游操作类型
type Operation string

const (
	OperationGenerate Operation = "generate"
	OperationDescribe Operation = "describe"
)

// Attachment 图片附件
// Data 为 base64 或 data URL；URL 由网关代为下载
type Attachment struct {
	MimeType string `json:"mime_type,omitempty"`
	Data     string `json:"data,omitempty"`
	URL      string `json:"url,omitempty"`
}

// GenerateRequest 图片生成请求
type GenerateRequest struct {
	Prompt string       `json:"prompt"`
	Images []Attachment `json:"images,omitempty"`
}

// DescribeRequest 图片描述请求
type DescribeRequest struct {
	Image  *Attachment `json:"image"`
	Prompt string      `json:"prompt,omitempty"`
}

// Blob 解码后的二进制附件
type Blob struct {
	MimeType string
	Data     []byte
}

// UpstreamRequest 透传给上游的请求载荷，网关不修改其内容
type UpstreamRequest struct {
	Operation   Operation
	Prompt      string
	Attachments []Blob
}

// HasPrompt 是否包含非空提示词
func (r *UpstreamRequest) HasPrompt() bool {
	return strings.TrimSpace(r.Prompt) != ""
}

// HasAttachment 是否至少有一个非空附件
func (r *UpstreamRequest) HasAttachment() bool {
	for _, a := range r.Attachments {
		if len(a.Data) > 0 {
			return true
		}
	}
	return false
}

// UpstreamResult 上游成功返回的载荷
type UpstreamResult struct {
	Data     []byte
	MimeType string
	Text     string
}

// Empty 既没有图片也没有文本
func (r *UpstreamResult) Empty() bool {
	return r == nil || (len(r.Data) == 0 && strings.TrimSpace(r.Text) == "")
}

// GenerateResponse 图片生成响应
type GenerateResponse struct {
	RequestID string `json:"request_id"`
	Image     string `json:"image"` // base64
	MimeType  string `json:"mime_type"`
	Text      string `json:"text,omitempty"`
}

// DescribeResponse 图片描述响应
type DescribeResponse struct {
	RequestID string `json:"request_id"`
	Text      string `json:"text"`
}

// ErrorResponse 错误响应
type ErrorResponse struct {
	Error ErrorDetail `json:"error"`
}

// ErrorDetail 错误详情
type ErrorDetail struct {
	Message   string `json:"message"`
	Type      string `json:"type"`
	RequestID string `json:"request_id,omitempty"`
}

// HealthResponse 健康检查响应
type HealthResponse struct {
	Status      string `json:"status"`
	Gateway     string `json:"gateway"`
	Credentials int    `json:"credentials"`
	Strategy    string `json:"strategy"`
	Timestamp   int64  `json:"timestamp"`
}

// APIResponse 管理接口通用响应
type APIResponse struct {
	Success   bool        `json:"success"`
	Message   string      `json:"message"`
	Data      interface{} `json:"data,omitempty"`
	Timestamp int64       `json:"timestamp"`
}

// NewSuccessResponse 创建成功响应
func NewSuccessResponse(message string, data interface{}) *APIResponse {
	return &APIResponse{
		Success:   true,
		Message:   message,
		Data:      data,
		Timestamp: time.Now().Unix(),
	}
}

// NewErrorResponse 创建错误响应
func NewErrorResponse(message string) *APIResponse {
	return &APIResponse{
		Success:   false,
		Message:   message,
		Timestamp: time.Now().Unix(),
	}
}
