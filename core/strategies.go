package core

const (
	StrategyRoundRobin = "round_robin"
	StrategySequential = "sequential"
)

// RoundRobinStrategy 轮询策略
// 全局计数器决定下标，多个请求共享同一个轮转序列
type RoundRobinStrategy struct{}

func (s *RoundRobinStrategy) Name() string { return StrategyRoundRobin }

func (s *RoundRobinStrategy) Select(size int, counter uint64, _ int) int {
	// counter 从 1 开始，所以使用 (counter - 1)
	return int((counter - 1) % uint64(size))
}

// SequentialStrategy 顺序策略
// 每次请求都从第一个凭证开始，按配置顺序依次尝试 (优先级列表)
type SequentialStrategy struct{}

func (s *SequentialStrategy) Name() string { return StrategySequential }

func (s *SequentialStrategy) Select(size int, _ uint64, attempt int) int {
	return attempt % size
}

var strategies = map[string]Strategy{
	StrategyRoundRobin: &RoundRobinStrategy{},
	StrategySequential: &SequentialStrategy{},
}

// StrategyByName 按名称查找策略，未知名称返回 false
func StrategyByName(name string) (Strategy, bool) {
	if name == "" {
		return strategies[StrategyRoundRobin], true
	}
	s, ok := strategies[name]
	return s, ok
}
