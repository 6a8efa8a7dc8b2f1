package adapter

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"image-gateway/core"
	"image-gateway/models"

	"github.com/google/generative-ai-go/genai"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/api/googleapi"
)

// capturedRequest 假 Gemini 服务端收到的请求
type capturedRequest struct {
	path   string
	apiKey string
	raw    []byte
	body   geminiRequest
}

// newGeminiServer 启动假的 generateContent 接口，按 status/body 回复
func newGeminiServer(t *testing.T, status int, respBody string) (*httptest.Server, *[]capturedRequest) {
	t.Helper()
	var captured []capturedRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw, err := io.ReadAll(r.Body)
		require.NoError(t, err)
		c := capturedRequest{path: r.URL.Path, apiKey: r.Header.Get("x-goog-api-key"), raw: raw}
		require.NoError(t, json.Unmarshal(raw, &c.body))
		captured = append(captured, c)

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		io.WriteString(w, respBody)
	}))
	t.Cleanup(srv.Close)
	return srv, &captured
}

func imageResponse(t *testing.T, text string, img []byte, mime string) string {
	t.Helper()
	resp := geminiResponse{Candidates: []geminiCandidate{{
		FinishReason: "STOP",
		Content: &geminiContent{Role: "model", Parts: []geminiPart{
			{Text: "thinking about kites", Thought: true},
			{Text: text},
			{InlineData: &geminiInlineData{MimeType: mime, Data: img}},
		}},
	}}}
	raw, err := json.Marshal(resp)
	require.NoError(t, err)
	return string(raw)
}

func TestGeminiUpstream_GenerateSendsImageModalities(t *testing.T) {
	img := []byte{0x89, 'P', 'N', 'G', 0x00}
	srv, calls := newGeminiServer(t, http.StatusOK, imageResponse(t, "Here is your image", img, "image/png"))
	u := NewGeminiUpstream("gemini-2.0-flash-preview-image-generation", "text-model", srv.URL, srv.Client())

	req := &models.UpstreamRequest{
		Operation:   models.OperationGenerate,
		Prompt:      "  a red kite  ",
		Attachments: []models.Blob{{MimeType: "image/jpeg", Data: []byte{1, 2}}, {MimeType: "image/png"}},
	}
	res, err := u.Generate(context.Background(), "key-1", req)
	require.NoError(t, err)
	assert.Equal(t, img, res.Data)
	assert.Equal(t, "image/png", res.MimeType)
	assert.Equal(t, "Here is your image", res.Text, "thought parts are dropped")

	require.Len(t, *calls, 1)
	call := (*calls)[0]
	assert.Equal(t, "/models/gemini-2.0-flash-preview-image-generation:generateContent", call.path)
	assert.Equal(t, "key-1", call.apiKey)

	require.NotNil(t, call.body.GenerationConfig)
	assert.Equal(t, []string{"TEXT", "IMAGE"}, call.body.GenerationConfig.ResponseModalities)
	assert.Contains(t, string(call.raw), `"responseModalities":["TEXT","IMAGE"]`)

	require.Len(t, call.body.Contents, 1)
	parts := call.body.Contents[0].Parts
	// 空附件被跳过
	require.Len(t, parts, 2)
	assert.Equal(t, "a red kite", parts[0].Text)
	require.NotNil(t, parts[1].InlineData)
	assert.Equal(t, "image/jpeg", parts[1].InlineData.MimeType)
	assert.Equal(t, []byte{1, 2}, parts[1].InlineData.Data)
}

func TestGeminiUpstream_GenerateRateLimited(t *testing.T) {
	srv, _ := newGeminiServer(t, http.StatusTooManyRequests,
		`{"error":{"code":429,"message":"Resource has been exhausted (e.g. check quota).","status":"RESOURCE_EXHAUSTED"}}`)
	u := NewGeminiUpstream("image-model", "text-model", srv.URL, srv.Client())

	_, err := u.Generate(context.Background(), "key", &models.UpstreamRequest{Prompt: "x"})
	require.Error(t, err)

	var apiErr *googleapi.Error
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusTooManyRequests, apiErr.Code)
	assert.True(t, core.IsRateLimited(err))
}

func TestGeminiUpstream_GenerateBadRequest(t *testing.T) {
	srv, _ := newGeminiServer(t, http.StatusBadRequest, `{"error":{"code":400,"message":"Invalid argument","status":"INVALID_ARGUMENT"}}`)
	u := NewGeminiUpstream("image-model", "text-model", srv.URL, srv.Client())

	_, err := u.Generate(context.Background(), "secret-credential", &models.UpstreamRequest{Prompt: "x"})
	require.Error(t, err)
	assert.False(t, core.IsRateLimited(err))
	assert.Equal(t, http.StatusBadRequest, core.AsGatewayError(err).HTTPStatus())
	assert.NotContains(t, err.Error(), "secret-credential")
}

func TestGeminiUpstream_GenerateTextOnly(t *testing.T) {
	srv, _ := newGeminiServer(t, http.StatusOK,
		`{"candidates":[{"finishReason":"STOP","content":{"role":"model","parts":[{"text":"I can't draw that."}]}}]}`)
	u := NewGeminiUpstream("image-model", "text-model", srv.URL, srv.Client())

	_, err := u.Generate(context.Background(), "key-1", &models.UpstreamRequest{Prompt: "x"})
	require.Error(t, err)
	ge := core.AsGatewayError(err)
	assert.Equal(t, core.ReasonNoImage, ge.Reason)
	assert.Contains(t, ge.Message, "can't draw")
}

func TestGeminiUpstream_GenerateSafety(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"image safety finish", `{"candidates":[{"finishReason":"IMAGE_SAFETY"}]}`},
		{"prompt blocked", `{"promptFeedback":{"blockReason":"SAFETY"}}`},
		{"prompt blocked other", `{"promptFeedback":{"blockReason":"PROHIBITED_CONTENT"}}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv, _ := newGeminiServer(t, http.StatusOK, tt.body)
			u := NewGeminiUpstream("image-model", "text-model", srv.URL, srv.Client())

			_, err := u.Generate(context.Background(), "key", &models.UpstreamRequest{Prompt: "x"})
			assert.ErrorIs(t, err, core.ErrUpstreamRejected)
			assert.Equal(t, core.ReasonSafety, core.AsGatewayError(err).Reason)
		})
	}
}

func TestNewGeminiUpstream_Defaults(t *testing.T) {
	u := NewGeminiUpstream(" image ", "text", "", nil)
	assert.Equal(t, DefaultBaseURL, u.BaseURL)
	assert.Equal(t, "image", u.ImageModel)
	assert.Same(t, http.DefaultClient, u.client)

	u = NewGeminiUpstream("image", "text", "http://localhost:9000/v1beta/", nil)
	assert.Equal(t, "http://localhost:9000/v1beta", u.BaseURL)
}

type describeCall struct {
	credential string
	model      string
	parts      []genai.Part
}

// newDescribeUpstream 替换 SDK 调用
func newDescribeUpstream(resp *genai.GenerateContentResponse, err error) (*GeminiUpstream, *[]describeCall) {
	var calls []describeCall
	u := NewGeminiUpstream("image-model", "text-model", "", nil)
	u.describe = func(_ context.Context, credential, model string, parts []genai.Part) (*genai.GenerateContentResponse, error) {
		calls = append(calls, describeCall{credential: credential, model: model, parts: parts})
		return resp, err
	}
	return u, &calls
}

func candidate(parts ...genai.Part) *genai.GenerateContentResponse {
	return &genai.GenerateContentResponse{
		Candidates: []*genai.Candidate{{
			Content:      &genai.Content{Role: "model", Parts: parts},
			FinishReason: genai.FinishReasonStop,
		}},
	}
}

func TestGeminiUpstream_Describe(t *testing.T) {
	u, calls := newDescribeUpstream(candidate(genai.Text("A cat."), genai.Text("It is orange.")), nil)

	req := &models.UpstreamRequest{
		Operation:   models.OperationDescribe,
		Attachments: []models.Blob{{MimeType: "image/png", Data: []byte{1}}},
	}
	res, err := u.Describe(context.Background(), "key-2", req)
	require.NoError(t, err)
	assert.Equal(t, "A cat.\nIt is orange.", res.Text)
	assert.Empty(t, res.Data)

	require.Len(t, *calls, 1)
	call := (*calls)[0]
	assert.Equal(t, "key-2", call.credential)
	assert.Equal(t, "text-model", call.model)
	assert.Equal(t, genai.Text(defaultDescribePrompt), call.parts[0])
	assert.Equal(t, genai.Blob{MIMEType: "image/png", Data: []byte{1}}, call.parts[1])
}

func TestGeminiUpstream_DescribeErrorsPassThrough(t *testing.T) {
	quota := &googleapi.Error{Code: 429, Message: "quota exceeded"}
	u, _ := newDescribeUpstream(nil, quota)

	_, err := u.Describe(context.Background(), "key", &models.UpstreamRequest{Prompt: "x"})
	assert.Same(t, quota, err)
	assert.True(t, core.IsRateLimited(err))
}

func TestGeminiUpstream_DescribeBlockedError(t *testing.T) {
	blocked := &genai.BlockedError{
		PromptFeedback: &genai.PromptFeedback{BlockReason: genai.BlockReasonSafety},
	}
	u, _ := newDescribeUpstream(nil, blocked)

	_, err := u.Describe(context.Background(), "key", &models.UpstreamRequest{Prompt: "x"})
	assert.ErrorIs(t, err, core.ErrUpstreamRejected)
	assert.Equal(t, core.ReasonSafety, core.AsGatewayError(err).Reason)
	assert.False(t, core.IsRateLimited(err))
}

func TestResultFromResponse(t *testing.T) {
	tests := []struct {
		name   string
		resp   *genai.GenerateContentResponse
		reason string
	}{
		{"nil response", nil, core.ReasonEmptyResponse},
		{"no candidates", &genai.GenerateContentResponse{}, core.ReasonEmptyResponse},
		{
			"prompt blocked",
			&genai.GenerateContentResponse{PromptFeedback: &genai.PromptFeedback{BlockReason: genai.BlockReasonOther}},
			core.ReasonSafety,
		},
		{
			"safety finish",
			&genai.GenerateContentResponse{Candidates: []*genai.Candidate{{FinishReason: genai.FinishReasonSafety}}},
			core.ReasonSafety,
		},
		{
			"no content",
			&genai.GenerateContentResponse{Candidates: []*genai.Candidate{{FinishReason: genai.FinishReasonStop}}},
			core.ReasonEmptyResponse,
		},
		{"only whitespace text", candidate(genai.Text("   ")), core.ReasonEmptyResponse},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := resultFromResponse(tt.resp)
			assert.Nil(t, res)

			var ge *core.GatewayError
			require.True(t, errors.As(err, &ge))
			assert.Equal(t, core.KindUpstreamRejected, ge.Kind)
			assert.Equal(t, tt.reason, ge.Reason)
		})
	}
}

func TestResultFromResponse_FirstImageWins(t *testing.T) {
	first := []byte{1, 1}
	second := []byte{2, 2}
	res, err := resultFromResponse(candidate(
		&genai.Blob{MIMEType: "image/webp", Data: first},
		genai.Blob{MIMEType: "image/png", Data: second},
	))
	require.NoError(t, err)
	assert.Equal(t, first, res.Data)
	assert.Equal(t, "image/webp", res.MimeType)
}
