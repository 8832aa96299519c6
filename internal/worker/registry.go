package worker

import (
	"sort"

	"github.com/yourusername/job-forge/internal/tasks"
)

// Registry はタスク種別からハンドラーへの対応表です。
// プール起動時に注入され、以後変更されない前提で排他なしに参照します。
type Registry struct {
	handlers map[string]tasks.Handler
}

// NewRegistry は handlers のコピーからレジストリを作成します。
// 呼び出し側が渡したマップを後から変更しても影響しません。
func NewRegistry(handlers map[string]tasks.Handler) *Registry {
	copied := make(map[string]tasks.Handler, len(handlers))
	for taskType, h := range handlers {
		copied[taskType] = h
	}
	return &Registry{handlers: copied}
}

// Get は種別に対応するハンドラーを返します。
func (r *Registry) Get(taskType string) (tasks.Handler, bool) {
	h, ok := r.handlers[taskType]
	return h, ok
}

// Types は登録済みの種別を辞書順で返します。
func (r *Registry) Types() []string {
	types := make([]string, 0, len(r.handlers))
	for taskType := range r.handlers {
		types = append(types, taskType)
	}
	sort.Strings(types)
	return types
}
