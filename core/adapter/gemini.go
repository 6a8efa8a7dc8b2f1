package adapter

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"image-gateway/core"
	"image-gateway/models"

	"github.com/google/generative-ai-go/genai"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"
)

const (
	DefaultBaseURL        = "https://generativelanguage.googleapis.com/v1beta"
	defaultDescribePrompt = "Describe this image in detail."
)

// 图片模型要求同时声明文本和图片两种输出
var imageResponseModalities = []string{"TEXT", "IMAGE"}

// GeminiUpstream 调用 Gemini
// 生成走 REST (SDK 不支持 responseModalities)，描述走 generative-ai-go
// 每次调用都使用传入的凭证，凭证的选择和重试由网关负责
type GeminiUpstream struct {
	ImageModel string
	TextModel  string
	BaseURL    string

	client *http.Client

	// 测试时可替换
	describe func(ctx context.Context, credential, model string, parts []genai.Part) (*genai.GenerateContentResponse, error)
}

// NewGeminiUpstream baseURL 为空时使用官方地址，client 为 nil 时使用 http.DefaultClient
func NewGeminiUpstream(imageModel, textModel, baseURL string, client *http.Client) *GeminiUpstream {
	if strings.TrimSpace(baseURL) == "" {
		baseURL = DefaultBaseURL
	}
	if client == nil {
		client = http.DefaultClient
	}
	u := &GeminiUpstream{
		ImageModel: strings.TrimSpace(imageModel),
		TextModel:  strings.TrimSpace(textModel),
		BaseURL:    strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		client:     client,
	}
	u.describe = u.generateContent
	return u
}

// Generate 根据提示词和参考图生成图片
func (u *GeminiUpstream) Generate(ctx context.Context, credential string, req *models.UpstreamRequest) (*models.UpstreamResult, error) {
	resp, err := u.generateImage(ctx, credential, req.Prompt, req.Attachments)
	if err != nil {
		return nil, convertError(err)
	}

	result, err := resultFromResponse(resp)
	if err != nil {
		return nil, err
	}
	if len(result.Data) == 0 && strings.TrimSpace(result.Text) != "" {
		// 模型只回了文字 (通常是拒绝说明)
		return nil, core.NewUpstreamRejected(core.ReasonNoImage, result.Text, nil)
	}
	return result, nil
}

// Describe 返回图片的文字描述
func (u *GeminiUpstream) Describe(ctx context.Context, credential string, req *models.UpstreamRequest) (*models.UpstreamResult, error) {
	prompt := req.Prompt
	if strings.TrimSpace(prompt) == "" {
		prompt = defaultDescribePrompt
	}

	resp, err := u.describe(ctx, credential, u.TextModel, buildParts(prompt, req.Attachments))
	if err != nil {
		return nil, convertError(err)
	}

	result, err := resultFromResponse(resp)
	if err != nil {
		return nil, err
	}
	return &models.UpstreamResult{Text: result.Text}, nil
}

// generateImage 直接调用 REST generateContent
// 非 2xx 响应由 googleapi.CheckResponse 转成 *googleapi.Error，429 会被网关识别为限流
func (u *GeminiUpstream) generateImage(ctx context.Context, credential, prompt string, attachments []models.Blob) (*genai.GenerateContentResponse, error) {
	body, err := json.Marshal(geminiRequest{
		Contents:         []geminiContent{{Role: "user", Parts: restParts(prompt, attachments)}},
		GenerationConfig: &geminiConfig{ResponseModalities: imageResponseModalities},
	})
	if err != nil {
		return nil, fmt.Errorf("marshal gemini request: %w", err)
	}

	model := strings.TrimPrefix(u.ImageModel, "models/")
	endpoint := fmt.Sprintf("%s/models/%s:generateContent", u.BaseURL, url.PathEscape(model))

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	// 凭证放在 header 里，避免出现在 url.Error 和日志中
	httpReq.Header.Set("x-goog-api-key", credential)

	resp, err := u.client.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if err := googleapi.CheckResponse(resp); err != nil {
		return nil, err
	}

	var out geminiResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode gemini response: %w", err)
	}
	return out.toGenai(), nil
}

func (u *GeminiUpstream) generateContent(ctx context.Context, credential, model string, parts []genai.Part) (*genai.GenerateContentResponse, error) {
	cl, err := genai.NewClient(ctx, option.WithAPIKey(credential))
	if err != nil {
		return nil, err
	}
	defer cl.Close()

	return cl.GenerativeModel(model).GenerateContent(ctx, parts...)
}

func restParts(prompt string, attachments []models.Blob) []geminiPart {
	parts := make([]geminiPart, 0, len(attachments)+1)
	if p := strings.TrimSpace(prompt); p != "" {
		parts = append(parts, geminiPart{Text: p})
	}
	for _, a := range attachments {
		if len(a.Data) == 0 {
			continue
		}
		parts = append(parts, geminiPart{InlineData: &geminiInlineData{MimeType: a.MimeType, Data: a.Data}})
	}
	return parts
}

func buildParts(prompt string, attachments []models.Blob) []genai.Part {
	parts := make([]genai.Part, 0, len(attachments)+1)
	if p := strings.TrimSpace(prompt); p != "" {
		parts = append(parts, genai.Text(p))
	}
	for _, a := range attachments {
		if len(a.Data) == 0 {
			continue
		}
		parts = append(parts, genai.Blob{MIMEType: a.MimeType, Data: a.Data})
	}
	return parts
}

// resultFromResponse 取第一个候选的第一张图片，并拼接所有文本
func resultFromResponse(resp *genai.GenerateContentResponse) (*models.UpstreamResult, error) {
	if resp == nil {
		return nil, core.NewUpstreamRejected(core.ReasonEmptyResponse, "gemini returned no response", nil)
	}
	if fb := resp.PromptFeedback; fb != nil && fb.BlockReason != genai.BlockReasonUnspecified {
		return nil, core.NewUpstreamRejected(core.ReasonSafety, "prompt blocked: "+fb.BlockReason.String(), nil)
	}
	if len(resp.Candidates) == 0 || resp.Candidates[0] == nil {
		return nil, core.NewUpstreamRejected(core.ReasonEmptyResponse, "gemini returned no candidates", nil)
	}

	cand := resp.Candidates[0]
	if cand.FinishReason == genai.FinishReasonSafety {
		return nil, core.NewUpstreamRejected(core.ReasonSafety, "response blocked: "+cand.FinishReason.String(), nil)
	}
	if cand.Content == nil {
		return nil, core.NewUpstreamRejected(core.ReasonEmptyResponse, "gemini candidate has no content", nil)
	}

	result := &models.UpstreamResult{}
	var texts []string
	for _, part := range cand.Content.Parts {
		switch p := part.(type) {
		case genai.Blob:
			if len(result.Data) == 0 && len(p.Data) > 0 {
				result.Data = p.Data
				result.MimeType = p.MIMEType
			}
		case *genai.Blob:
			if p != nil && len(result.Data) == 0 && len(p.Data) > 0 {
				result.Data = p.Data
				result.MimeType = p.MIMEType
			}
		case genai.Text:
			if s := strings.TrimSpace(string(p)); s != "" {
				texts = append(texts, s)
			}
		}
	}
	result.Text = strings.Join(texts, "\n")

	if result.Empty() {
		return nil, core.NewUpstreamRejected(core.ReasonEmptyResponse, "gemini returned neither image nor text", nil)
	}
	return result, nil
}

// convertError 安全拦截转为网关错误，其余错误交给网关分类
func convertError(err error) error {
	var blocked *genai.BlockedError
	if errors.As(err, &blocked) {
		return core.NewUpstreamRejected(core.ReasonSafety, blocked.Error(), err)
	}
	return err
}
