package core

import (
	"errors"
	"net/http"
	"strings"

	"image-gateway/models"

	"google.golang.org/api/googleapi"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// outcomeKind 单次尝试的结果分类
type outcomeKind int

const (
	outcomeSuccess outcomeKind = iota
	outcomeRetryable
	outcomeFatal
)

func (k outcomeKind) String() string {
	switch k {
	case outcomeSuccess:
		return "success"
	case outcomeRetryable:
		return "retryable"
	default:
		return "fatal"
	}
}

// attemptOutcome 一次上游调用的结果
type attemptOutcome struct {
	kind   outcomeKind
	result *models.UpstreamResult
	err    error
}

// classify 把上游返回值归类为 成功 / 可重试 / 终止
func classify(result *models.UpstreamResult, err error) attemptOutcome {
	if err == nil {
		if result.Empty() {
			return attemptOutcome{
				kind: outcomeFatal,
				err:  NewUpstreamRejected(ReasonEmptyResponse, "upstream returned neither image nor text", nil),
			}
		}
		return attemptOutcome{kind: outcomeSuccess, result: result}
	}

	// 适配器已经分好类的错误 (安全拦截等) 原样返回
	var ge *GatewayError
	if errors.As(err, &ge) {
		return attemptOutcome{kind: outcomeFatal, err: ge}
	}

	if IsRateLimited(err) {
		return attemptOutcome{kind: outcomeRetryable, err: err}
	}

	return attemptOutcome{
		kind: outcomeFatal,
		err:  NewUpstreamRejected(ReasonUpstream, err.Error(), err),
	}
}

// IsRateLimited 判断上游错误是否为限流/配额耗尽
// 统一规则: googleapi 429、gRPC ResourceExhausted、或错误文本包含 "resource exhausted" (不区分大小写)
func IsRateLimited(err error) bool {
	if err == nil {
		return false
	}

	var apiErr *googleapi.Error
	if errors.As(err, &apiErr) && apiErr.Code == http.StatusTooManyRequests {
		return true
	}

	if st, ok := status.FromError(err); ok && st.Code() == codes.ResourceExhausted {
		return true
	}

	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "resource exhausted") || strings.Contains(msg, "resource_exhausted")
}
