package core

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"sync/atomic"
)

// CredentialPool 凭证池
// keys 在启动时解析一次，之后只读；counter 为进程级轮转游标
type CredentialPool struct {
	keys     []string
	strategy Strategy

	// 原子计数器，每次选择都 +1，并发调用者不会拿到同一个值
	counter atomic.Uint64
}

// NewCredentialPool 创建凭证池，strategy 为 nil 时使用轮询
func NewCredentialPool(keys []string, strategy Strategy) *CredentialPool {
	if strategy == nil {
		strategy = &RoundRobinStrategy{}
	}
	cp := make([]string, len(keys))
	copy(cp, keys)
	return &CredentialPool{keys: cp, strategy: strategy}
}

// ParseCredentials 解析逗号分隔的凭证列表
// list 为空 (或只有空项) 时退回到单个 fallback 值
func ParseCredentials(list, fallback string) []string {
	keys := splitCredentials(list)
	if len(keys) == 0 {
		keys = splitCredentials(fallback)
	}
	return keys
}

func splitCredentials(raw string) []string {
	var keys []string
	for _, part := range strings.Split(raw, ",") {
		if k := strings.TrimSpace(part); k != "" {
			keys = append(keys, k)
		}
	}
	return keys
}

// Size 凭证数量
func (p *CredentialPool) Size() int {
	return len(p.keys)
}

// StrategyName 当前策略名
func (p *CredentialPool) StrategyName() string {
	return p.strategy.Name()
}

// Next 选择下一个凭证并推进游标
// attempt 为本次请求内的尝试序号；池为空时返回 ok=false
func (p *CredentialPool) Next(attempt int) (index int, key string, ok bool) {
	if len(p.keys) == 0 {
		return 0, "", false
	}
	count := p.counter.Add(1)
	index = p.strategy.Select(len(p.keys), count, attempt)
	return index, p.keys[index], true
}

// Cursor 下一次轮询将要命中的下标
func (p *CredentialPool) Cursor() int {
	if len(p.keys) == 0 {
		return 0
	}
	return int(p.counter.Load() % uint64(len(p.keys)))
}

// Fingerprints 所有凭证的指纹，顺序与池一致
func (p *CredentialPool) Fingerprints() []string {
	out := make([]string, len(p.keys))
	for i, k := range p.keys {
		out[i] = Fingerprint(k)
	}
	return out
}

// Fingerprint 凭证指纹 (sha256 前 12 位)，用于日志和统计落盘
func Fingerprint(key string) string {
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:])[:12]
}

// maskKey 脱敏 API Key
func maskKey(key string) string {
	if len(key) <= 8 {
		return "***"
	}
	return key[:4] + "***" + key[len(key)-4:]
}
