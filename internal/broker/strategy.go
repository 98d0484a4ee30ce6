package broker

import (
	"sort"

	xerrors "OpenSwarm-Core/internal/errors"
	"OpenSwarm-Core/internal/registry"
)

// Strategy 枚举路由策略。策略集是封闭的，调用点穷尽匹配，
// 所有策略都以智能体 ID 升序作为并列时的决定性破平规则。
type Strategy string

const (
	StrategyMinLatency     Strategy = "min_latency"
	StrategyMaxReliability Strategy = "max_reliability"
	StrategyLeastLoaded    Strategy = "least_loaded"
	StrategyRoundRobin     Strategy = "round_robin"
	StrategyBestFit        Strategy = "best_fit"
)

// ParseStrategy 解析策略名。
func ParseStrategy(name string) (Strategy, error) {
	switch Strategy(name) {
	case StrategyMinLatency, StrategyMaxReliability, StrategyLeastLoaded,
		StrategyRoundRobin, StrategyBestFit:
		return Strategy(name), nil
	default:
		return "", xerrors.New(xerrors.CodeInvalidArgument, "未知的路由策略: "+name)
	}
}

// orderCandidates 按策略对候选集合排序。candidates 必须已按 ID 升序，
// 排序使用稳定算法，因此同分候选保持 ID 序。
func orderCandidates(strategy Strategy, candidates []registry.Agent, score func(registry.Agent) float64) {
	switch strategy {
	case StrategyMinLatency:
		sort.SliceStable(candidates, func(i, j int) bool {
			return candidates[i].LatencyMS < candidates[j].LatencyMS
		})
	case StrategyMaxReliability:
		sort.SliceStable(candidates, func(i, j int) bool {
			return candidates[i].Reliability > candidates[j].Reliability
		})
	case StrategyLeastLoaded:
		sort.SliceStable(candidates, func(i, j int) bool {
			return loadRatio(candidates[i]) < loadRatio(candidates[j])
		})
	case StrategyBestFit:
		sort.SliceStable(candidates, func(i, j int) bool {
			return score(candidates[i]) > score(candidates[j])
		})
	case StrategyRoundRobin:
		// 轮转策略保持 ID 序，由游标决定起点。
	}
}

func loadRatio(agent registry.Agent) float64 {
	if agent.MaxConcurrency <= 0 {
		return 1
	}
	return float64(agent.CurrentLoad) / float64(agent.MaxConcurrency)
}
