// Package event 基于 asaskevich/EventBus 的事件总线实现
package event

import (
	evbus "github.com/asaskevich/EventBus"
	eventiface "github.com/weisyn/upnptest/pkg/interfaces/infrastructure/event"
	"github.com/weisyn/upnptest/pkg/interfaces/infrastructure/log"
)

// EventBus 是 asaskevich/EventBus 的薄封装
type EventBus struct {
	bus    evbus.Bus
	logger log.Logger
}

var _ eventiface.EventBus = (*EventBus)(nil)

// New 创建事件总线
func New(logger log.Logger) *EventBus {
	return &EventBus{
		bus:    evbus.New(),
		logger: logger,
	}
}

// Subscribe 实现订阅
func (eb *EventBus) Subscribe(eventType eventiface.EventType, handler interface{}) error {
	return eb.bus.Subscribe(string(eventType), handler)
}

// Publish 实现发布
func (eb *EventBus) Publish(eventType eventiface.EventType, args ...interface{}) {
	if eb.logger != nil && !eb.bus.HasCallback(string(eventType)) {
		eb.logger.Debugf("事件无订阅者: %s", eventType)
	}
	eb.bus.Publish(string(eventType), args...)
}

// Unsubscribe 取消订阅
func (eb *EventBus) Unsubscribe(eventType eventiface.EventType, handler interface{}) error {
	return eb.bus.Unsubscribe(string(eventType), handler)
}

// HasCallback 检查是否有订阅者
func (eb *EventBus) HasCallback(eventType eventiface.EventType) bool {
	return eb.bus.HasCallback(string(eventType))
}
