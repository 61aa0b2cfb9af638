// Package event 进程内事件总线接口
//
// 传输层在连接建立、关闭后发布连接钩子，identify 与存活探测模块订阅后挂载或卸载连接。
package event

// EventType 事件类型
type EventType string

const (
	// EventTypeConnEstablished 连接建立，参数为 network.Conn
	EventTypeConnEstablished EventType = "conn:established"
	// EventTypeConnClosed 连接关闭，参数为 network.Conn
	EventTypeConnClosed EventType = "conn:closed"
)

// EventBus 事件总线
type EventBus interface {
	// Subscribe 同步订阅，处理器在发布者 goroutine 中执行
	Subscribe(eventType EventType, handler interface{}) error
	// Publish 发布事件
	Publish(eventType EventType, args ...interface{})
	// Unsubscribe 取消订阅
	Unsubscribe(eventType EventType, handler interface{}) error
	// HasCallback 检查是否有订阅者
	HasCallback(eventType EventType) bool
}
