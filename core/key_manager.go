package core

import (
	"sort"
	"sync"
	"time"
)

// KeyStatusType Key状态枚举
type KeyStatusType int

const (
	KeyStatusAvailable KeyStatusType = iota
	KeyStatusCooldown
	KeyStatusFailing
)

func (s KeyStatusType) String() string {
	switch s {
	case KeyStatusCooldown:
		return "cooldown"
	case KeyStatusFailing:
		return "failing"
	default:
		return "available"
	}
}

// KeyState Key的状态信息
type KeyState struct {
	Fingerprint string    `json:"fingerprint"`
	Status      string    `json:"status"`
	UnlockTime  time.Time `json:"unlock_time,omitempty"`
	LastUsed    time.Time `json:"last_used"`
	LastError   string    `json:"last_error,omitempty"`
	Successes   int64     `json:"successes"`
	RateLimited int64     `json:"rate_limited"`
	Failures    int64     `json:"failures"`
	status      KeyStatusType
}

// KeyStateManager Key状态管理器 (线程安全)
// 只记录观测到的状态供管理接口展示，不影响网关的轮转顺序
type KeyStateManager struct {
	states   map[string]*KeyState // 指纹 -> 状态
	cooldown time.Duration
	mutex    sync.RWMutex
	now      func() time.Time
}

func NewKeyStateManager(cooldown time.Duration) *KeyStateManager {
	return &KeyStateManager{
		states:   make(map[string]*KeyState),
		cooldown: cooldown,
		now:      time.Now,
	}
}

func (m *KeyStateManager) state(key string) *KeyState {
	fp := Fingerprint(key)
	s, ok := m.states[fp]
	if !ok {
		s = &KeyState{Fingerprint: fp}
		m.states[fp] = s
	}
	s.LastUsed = m.now()
	return s
}

// RecordSuccess 成功调用后恢复为可用
func (m *KeyStateManager) RecordSuccess(key string) {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	s := m.state(key)
	s.Successes++
	s.status = KeyStatusAvailable
	s.UnlockTime = time.Time{}
}

// RecordRateLimited 标记Key为冷却状态
func (m *KeyStateManager) RecordRateLimited(key string) {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	s := m.state(key)
	s.RateLimited++
	s.status = KeyStatusCooldown
	s.UnlockTime = m.now().Add(m.cooldown)
}

// RecordFailure 记录不可重试的失败
func (m *KeyStateManager) RecordFailure(key string, err error) {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	s := m.state(key)
	s.Failures++
	s.status = KeyStatusFailing
	if err != nil {
		s.LastError = err.Error()
	}
}

// Status 查询单个Key的当前状态，冷却到期后自动视为可用
func (m *KeyStateManager) Status(key string) KeyStatusType {
	m.mutex.RLock()
	defer m.mutex.RUnlock()

	s, ok := m.states[Fingerprint(key)]
	if !ok {
		return KeyStatusAvailable // 默认可用
	}
	return m.effective(s)
}

func (m *KeyStateManager) effective(s *KeyState) KeyStatusType {
	if s.status == KeyStatusCooldown && m.now().After(s.UnlockTime) {
		return KeyStatusAvailable
	}
	return s.status
}

// Snapshot 按 fingerprints 顺序返回状态快照，未出现过的Key视为可用
func (m *KeyStateManager) Snapshot(fingerprints []string) []KeyState {
	m.mutex.RLock()
	defer m.mutex.RUnlock()

	out := make([]KeyState, 0, len(fingerprints))
	seen := make(map[string]bool, len(fingerprints))
	for _, fp := range fingerprints {
		seen[fp] = true
		s, ok := m.states[fp]
		if !ok {
			out = append(out, KeyState{Fingerprint: fp, Status: KeyStatusAvailable.String()})
			continue
		}
		cp := *s
		cp.Status = m.effective(s).String()
		out = append(out, cp)
	}

	// 不在当前池中的历史记录排在最后
	var extra []KeyState
	for fp, s := range m.states {
		if seen[fp] {
			continue
		}
		cp := *s
		cp.Status = m.effective(s).String()
		extra = append(extra, cp)
	}
	sort.Slice(extra, func(i, j int) bool { return extra[i].Fingerprint < extra[j].Fingerprint })
	return append(out, extra...)
}
