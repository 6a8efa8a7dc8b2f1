package adapter

import "github.com/google/generative-ai-go/genai"

// Gemini REST 请求结构 (generateContent)

type geminiRequest struct {
	Contents         []geminiContent `json:"contents"`
	GenerationConfig *geminiConfig   `json:"generationConfig,omitempty"`
}

type geminiContent struct {
	Role  string       `json:"role,omitempty"`
	Parts []geminiPart `json:"parts"`
}

type geminiPart struct {
	Text       string            `json:"text,omitempty"`
	InlineData *geminiInlineData `json:"inlineData,omitempty"`
	Thought    bool              `json:"thought,omitempty"`
}

// geminiInlineData Data 在 JSON 中是标准 base64，encoding/json 自动编解码
type geminiInlineData struct {
	MimeType string `json:"mimeType"`
	Data     []byte `json:"data"`
}

type geminiConfig struct {
	ResponseModalities []string `json:"responseModalities,omitempty"`
	CandidateCount     int      `json:"candidateCount,omitempty"`
}

// Gemini REST 响应结构

type geminiResponse struct {
	Candidates     []geminiCandidate     `json:"candidates"`
	PromptFeedback *geminiPromptFeedback `json:"promptFeedback,omitempty"`
}

type geminiCandidate struct {
	Content      *geminiContent `json:"content,omitempty"`
	FinishReason string         `json:"finishReason"`
}

type geminiPromptFeedback struct {
	BlockReason string `json:"blockReason,omitempty"`
}

// 图片模型特有的拦截原因也按安全拦截处理
var safetyFinishReasons = map[string]bool{
	"SAFETY":             true,
	"IMAGE_SAFETY":       true,
	"PROHIBITED_CONTENT": true,
	"BLOCKLIST":          true,
	"SPII":               true,
}

// toGenai 转成 SDK 的响应类型，和 Describe 共用 resultFromResponse
func (r *geminiResponse) toGenai() *genai.GenerateContentResponse {
	out := &genai.GenerateContentResponse{}
	if fb := r.PromptFeedback; fb != nil && fb.BlockReason != "" && fb.BlockReason != "BLOCK_REASON_UNSPECIFIED" {
		reason := genai.BlockReasonOther
		if fb.BlockReason == "SAFETY" {
			reason = genai.BlockReasonSafety
		}
		out.PromptFeedback = &genai.PromptFeedback{BlockReason: reason}
	}

	for _, c := range r.Candidates {
		cand := &genai.Candidate{FinishReason: finishReason(c.FinishReason)}
		if c.Content != nil {
			content := &genai.Content{Role: c.Content.Role}
			for _, p := range c.Content.Parts {
				switch {
				case p.Thought:
					// 思考过程不返回给调用方
				case p.InlineData != nil:
					content.Parts = append(content.Parts, genai.Blob{MIMEType: p.InlineData.MimeType, Data: p.InlineData.Data})
				case p.Text != "":
					content.Parts = append(content.Parts, genai.Text(p.Text))
				}
			}
			cand.Content = content
		}
		out.Candidates = append(out.Candidates, cand)
	}
	return out
}

func finishReason(s string) genai.FinishReason {
	switch {
	case s == "" || s == "FINISH_REASON_UNSPECIFIED":
		return genai.FinishReasonUnspecified
	case s == "STOP":
		return genai.FinishReasonStop
	case safetyFinishReasons[s]:
		return genai.FinishReasonSafety
	default:
		return genai.FinishReasonOther
	}
}
