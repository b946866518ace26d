package event

// EventProcessor 事件处理器
type EventProcessor interface {
	ProcessEvent(event *Event)
}

// ProcessorFunc 函数适配为处理器
type ProcessorFunc func(event *Event)

func (f ProcessorFunc) ProcessEvent(event *Event) {
	f(event)
}
