package worker

import "fmt"

// LifecycleState 描述控制器在宿主生命周期中的位置。
type LifecycleState string

const (
	StateUninstalled LifecycleState = "uninstalled"
	StateInstalling  LifecycleState = "installing"
	StateInstalled   LifecycleState = "installed"
	StateActivating  LifecycleState = "activating"
	StateActive      LifecycleState = "active"
	// StateRedundant 表示已被新版本取代，不再接管请求。
	StateRedundant LifecycleState = "redundant"
)

// allowedTransitions 列出合法的状态迁移；install 可以在失败后重入。
var allowedTransitions = map[LifecycleState][]LifecycleState{
	StateUninstalled: {StateInstalling, StateRedundant},
	StateInstalling:  {StateInstalled, StateRedundant},
	StateInstalled:   {StateInstalling, StateActivating, StateRedundant},
	StateActivating:  {StateActive, StateRedundant},
	StateActive:      {StateActivating, StateRedundant},
	StateRedundant:   {},
}

// ErrInvalidTransition 表示生命周期事件在当前状态下不被接受。
type ErrInvalidTransition struct {
	From LifecycleState
	To   LifecycleState
}

func (e ErrInvalidTransition) Error() string {
	return fmt.Sprintf("invalid lifecycle transition %s -> %s", e.From, e.To)
}

func canTransition(from, to LifecycleState) bool {
	for _, next := range allowedTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// transition 在持有 c.mu 时调用。
func (c *Controller) transition(to LifecycleState) error {
	if !canTransition(c.state, to) {
		return ErrInvalidTransition{From: c.state, To: to}
	}
	c.state = to
	return nil
}

// State 返回当前生命周期状态。
func (c *Controller) State() LifecycleState {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// Supersede 将控制器标记为 redundant，通常在新版本激活后由宿主调用。
// 后台写入仍会完成（或因旧桶被删除而失败）。
func (c *Controller) Supersede() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state = StateRedundant
}
