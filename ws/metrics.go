package ws

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	connectionsGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "minichat_connections",
		Help: "Number of active websocket connections.",
	})
	eventsCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "minichat_events_total",
		Help: "Inbound events by name.",
	}, []string{"event"})
	eventErrorsCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "minichat_event_errors_total",
		Help: "Error replies by inbound event and error code.",
	}, []string{"event", "code"})
	messagesCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "minichat_messages_total",
		Help: "Messages stored.",
	})
)

func init() {
	prometheus.MustRegister(connectionsGauge, eventsCounter, eventErrorsCounter, messagesCounter)
}

// labelUnsupported replaces client supplied event names we do not serve, so
// the label set stays bounded.
const labelUnsupported = "unsupported"

func eventLabel(event string) string {
	switch event {
	case EventRequestSidebar, EventRequestConversation, EventSendMessage, EventLogout:
		return event
	}
	return labelUnsupported
}

func countEvent(event string) {
	eventsCounter.WithLabelValues(eventLabel(event)).Inc()
}

func countError(event string, err *Error) {
	eventErrorsCounter.WithLabelValues(eventLabel(event), strconv.Itoa(err.Code)).Inc()
}
