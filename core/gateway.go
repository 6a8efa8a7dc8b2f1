package core

import (
	"context"

	"image-gateway/models"

	"github.com/sirupsen/logrus"
)

// Execution 一次 Execute 的执行信息，出错时也会返回
type Execution struct {
	Result      *models.UpstreamResult
	Attempts    int
	Fingerprint string // 最后一次尝试使用的凭证指纹
}

// KeyRotationGateway 凭证轮转网关
// 每个凭证最多调用一次上游，遇到限流换下一个，直到成功或全部用完
type KeyRotationGateway struct {
	pool    *CredentialPool
	tracker KeyTracker
	logger  *logrus.Logger
}

// NewKeyRotationGateway 构造函数，tracker 可以为 nil
func NewKeyRotationGateway(pool *CredentialPool, tracker KeyTracker, logger *logrus.Logger) *KeyRotationGateway {
	return &KeyRotationGateway{
		pool:    pool,
		tracker: tracker,
		logger:  logger,
	}
}

// Pool 返回底层凭证池
func (g *KeyRotationGateway) Pool() *CredentialPool {
	return g.pool
}

// Ready 凭证池为空时返回 ConfigurationError
// 调用方可以在做昂贵的准备工作 (如下载附件) 之前先检查
func (g *KeyRotationGateway) Ready() error {
	if g.pool.Size() == 0 {
		return NewConfigurationError("no upstream API keys configured")
	}
	return nil
}

// Execute 依次用池中的凭证执行 op
//
// 上游调用串行进行，重试之间没有退避。返回的 error 总是 *GatewayError。
//
// 每次尝试都从共享游标取下一个凭证。并发请求交错推进游标时，
// 同一次 Execute 可能重复拿到某个凭证而漏掉另一个：尝试次数仍是 N，
// 但不保证 N 个凭证各试一次。
func (g *KeyRotationGateway) Execute(ctx context.Context, req *models.UpstreamRequest, op UpstreamFunc) (*Execution, error) {
	exec := &Execution{}

	if err := g.Ready(); err != nil {
		return exec, err
	}
	total := g.pool.Size()
	if err := validateRequest(req); err != nil {
		return exec, err
	}

	var lastErr error
	for attempt := 0; attempt < total; attempt++ {
		idx, key, _ := g.pool.Next(attempt)
		exec.Attempts = attempt + 1
		exec.Fingerprint = Fingerprint(key)

		g.logger.Debugf("🎯 Attempt %d/%d: %s using key #%d (%s)", attempt+1, total, req.Operation, idx, maskKey(key))

		result, err := op(ctx, key, req)
		outcome := classify(result, err)
		g.track(key, outcome)

		switch outcome.kind {
		case outcomeSuccess:
			exec.Result = outcome.result
			if attempt > 0 {
				g.logger.Infof("✅ %s succeeded on attempt %d/%d", req.Operation, attempt+1, total)
			}
			return exec, nil

		case outcomeRetryable:
			lastErr = outcome.err
			g.logger.Warnf("⚠️ Attempt %d/%d: key #%d (%s) rate limited - rotating", attempt+1, total, idx, maskKey(key))

		default:
			g.logger.Warnf("❌ Attempt %d/%d: key #%d (%s) failed: %v", attempt+1, total, idx, maskKey(key), outcome.err)
			return exec, outcome.err
		}
	}

	g.logger.Errorf("💀 %s: all %d keys rate limited", req.Operation, total)
	return exec, NewRateLimitExhausted(total, lastErr)
}

func (g *KeyRotationGateway) track(key string, o attemptOutcome) {
	if g.tracker == nil {
		return
	}
	switch o.kind {
	case outcomeSuccess:
		g.tracker.RecordSuccess(key)
	case outcomeRetryable:
		g.tracker.RecordRateLimited(key)
	default:
		g.tracker.RecordFailure(key, o.err)
	}
}

// validateRequest 只做存在性检查，内容合法性由调用方负责
func validateRequest(req *models.UpstreamRequest) error {
	if req == nil {
		return NewValidationError("request is empty")
	}
	switch req.Operation {
	case models.OperationGenerate:
		if !req.HasPrompt() {
			return NewValidationError("prompt is required")
		}
	case models.OperationDescribe:
		if !req.HasAttachment() {
			return NewValidationError("an image is required")
		}
	default:
		if !req.HasPrompt() && !req.HasAttachment() {
			return NewValidationError("prompt or image is required")
		}
	}
	return nil
}
