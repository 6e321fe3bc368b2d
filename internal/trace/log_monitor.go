package trace

import "github.com/sammck-go/logger"

// LogMonitor traces every message as a single debug-level log line. It is
// the Monitor a real deployment would wire in place of NopMonitor to get
// the per-message observability trace_if.h's interface exists for.
type LogMonitor struct {
	logger.Logger
}

func NewLogMonitor(log logger.Logger) *LogMonitor {
	return &LogMonitor{Logger: log}
}

func (m *LogMonitor) TraceMethodCall(c MethodCall) {
	m.DLogf("trace: %s MethodCall service=%d instance=%d method=%d client=%d session=%d (%d bytes)",
		c.Direction, c.Service, c.Instance, c.Method, c.Client, c.Session, len(c.Packet))
}

func (m *LogMonitor) TraceMethodNoReturnCall(c MethodNoReturnCall) {
	m.DLogf("trace: %s MethodNoReturnCall service=%d instance=%d method=%d client=%d session=%d (%d bytes)",
		c.Direction, c.Service, c.Instance, c.Method, c.Client, c.Session, len(c.Packet))
}

func (m *LogMonitor) TraceMethodResponse(c MethodResponse) {
	m.DLogf("trace: %s MethodResponse service=%d instance=%d method=%d client=%d session=%d (%d bytes)",
		c.Direction, c.Service, c.Instance, c.Method, c.Client, c.Session, len(c.Packet))
}

func (m *LogMonitor) TraceMethodErrorResponse(c MethodErrorResponse) {
	m.DLogf("trace: %s MethodErrorResponse service=%d instance=%d method=%d client=%d session=%d return_code=%d (%d bytes)",
		c.Direction, c.Service, c.Instance, c.Method, c.Client, c.Session, c.ReturnCode, len(c.Packet))
}

func (m *LogMonitor) TraceNotification(c Notification) {
	m.DLogf("trace: %s Notification service=%d instance=%d event=%d (%d bytes)",
		c.Direction, c.Service, c.Instance, c.Event, len(c.Packet))
}

func (m *LogMonitor) TraceApplicationError(c ApplicationError) {
	m.DLogf("trace: %s ApplicationError service=%d instance=%d method=%d client=%d session=%d (%d bytes)",
		c.Direction, c.Service, c.Instance, c.Method, c.Client, c.Session, len(c.Packet))
}

func (m *LogMonitor) TraceSubscribeEvent(c SubscribeEvent) {
	m.DLogf("trace: %s SubscribeEvent service=%d instance=%d event=%d client=%d session=%d (%d bytes)",
		c.Direction, c.Service, c.Instance, c.Event, c.Client, c.Session, len(c.Packet))
}

func (m *LogMonitor) TraceUnsubscribeEvent(c UnsubscribeEvent) {
	m.DLogf("trace: %s UnsubscribeEvent service=%d instance=%d event=%d client=%d session=%d (%d bytes)",
		c.Direction, c.Service, c.Instance, c.Event, c.Client, c.Session, len(c.Packet))
}

func (m *LogMonitor) TraceSubscribeEventAck(c SubscribeEventAck) {
	m.DLogf("trace: %s SubscribeEventAck service=%d instance=%d event=%d client=%d session=%d (%d bytes)",
		c.Direction, c.Service, c.Instance, c.Event, c.Client, c.Session, len(c.Packet))
}

func (m *LogMonitor) TraceSubscribeEventNAck(c SubscribeEventNAck) {
	m.DLogf("trace: %s SubscribeEventNAck service=%d instance=%d event=%d client=%d session=%d (%d bytes)",
		c.Direction, c.Service, c.Instance, c.Event, c.Client, c.Session, len(c.Packet))
}

var _ Monitor = (*LogMonitor)(nil)
