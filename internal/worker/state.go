package worker

// State 是单个 worker 版本的生命周期阶段。
type State int

const (
	StateParsed State = iota
	StateInstalling
	StateInstalled
	StateActivating
	StateActive
	StateRedundant
	StateFailed
)

var stateNames = map[State]string{
	StateParsed:     "parsed",
	StateInstalling: "installing",
	StateInstalled:  "installed",
	StateActivating: "activating",
	StateActive:     "active",
	StateRedundant:  "redundant",
	StateFailed:     "failed",
}

func (s State) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return "unknown"
}

// Source 标记一次拦截响应的来源，用于日志、指标与 X-Precache-Source 头。
type Source string

const (
	SourceCache    Source = "cache"
	SourceFallback Source = "fallback"
	SourceNetwork  Source = "network"
)
