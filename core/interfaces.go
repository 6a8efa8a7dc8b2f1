package core

import (
	"context"
	"image-gateway/models"
)

// Strategy 凭证选择策略
// size: 凭证池大小; counter: 轮转计数器的当前值 (从 1 开始); attempt: 本次请求内的第几次尝试 (从 0 开始)
type Strategy interface {
	Name() string
	Select(size int, counter uint64, attempt int) int
}

// KeyTracker 凭证状态记录
// 只做观测，不参与选择，网关总会把每个凭证都试一遍
type KeyTracker interface {
	RecordSuccess(key string)
	RecordRateLimited(key string)
	RecordFailure(key string, err error)
}

// SecretProvider 抽象密钥加解密
// 用于读取配置时自动解密 API Key
type SecretProvider interface {
	Decrypt(ciphertext string) (string, error)
	Encrypt(plaintext string) (string, error)
}

// UpstreamFunc 一次上游调用
type UpstreamFunc func(ctx context.Context, credential string, req *models.UpstreamRequest) (*models.UpstreamResult, error)

// Upstream 生成/描述服务的上游实现
type Upstream interface {
	Generate(ctx context.Context, credential string, req *models.UpstreamRequest) (*models.UpstreamResult, error)
	Describe(ctx context.Context, credential string, req *models.UpstreamRequest) (*models.UpstreamResult, error)
}

// RequestRecorder 请求日志的异步落盘
type RequestRecorder interface {
	Log(entry *models.RequestLog)
}
