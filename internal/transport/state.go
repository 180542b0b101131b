// =============================================================================
// 文件: internal/transport/state.go
// 描述: 连接状态机状态
// =============================================================================
package transport

// State 连接状态
type State uint8

const (
	StateIdle State = iota
	StateSynSent
	StateSynRecv
	StateConnected
	StateFinSent
	StateDestroying
	StateClosed
)

var stateNames = []string{
	"idle", "syn_sent", "syn_recv", "connected", "fin_sent", "destroying", "closed",
}

func (s State) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return "unknown"
}

// terminal 是否终态
func (s State) terminal() bool {
	return s == StateDestroying || s == StateClosed
}
