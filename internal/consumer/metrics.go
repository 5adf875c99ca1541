package consumer

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	messagesCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "rewards",
		Subsystem: "consumer",
		Name:      "messages_total",
		Help:      "Activity records read from Kafka, by topic, event type and result.",
	}, []string{"topic", "event_type", "result"})

	lagGauge = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "rewards",
		Subsystem: "consumer",
		Name:      "record_age_seconds",
		Help:      "Age of the most recently handled record when it was committed.",
	}, []string{"topic"})

	submitOutcomeCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "rewards",
		Subsystem: "consumer",
		Name:      "submit_outcomes_total",
		Help:      "Disbursement outcomes of activities submitted from the event stream.",
	}, []string{"outcome"})
)

func init() {
	prometheus.MustRegister(messagesCounter, lagGauge, submitOutcomeCounter)
}

func recordProcessed(msg Message) {
	messagesCounter.WithLabelValues(msg.Topic, msg.EventType, "processed").Inc()
	if !msg.Timestamp.IsZero() {
		lagGauge.WithLabelValues(msg.Topic).Set(time.Since(msg.Timestamp).Seconds())
	}
}

func recordHandlerError(msg Message) {
	messagesCounter.WithLabelValues(msg.Topic, msg.EventType, "handler_error").Inc()
}

func recordPoison(msg Message) {
	messagesCounter.WithLabelValues(msg.Topic, msg.EventType, "poison").Inc()
}

func recordDecodeError(topic string) {
	messagesCounter.WithLabelValues(topic, "", "undecodable").Inc()
}
