package metric

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	DirectionIn  = "in"
	DirectionOut = "out"
)

var (
	// HTTP метрики control API
	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Общее количество HTTP запросов",
		},
		[]string{"method", "endpoint", "status"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "Время обработки HTTP запросов в секундах",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "endpoint", "status"},
	)

	httpErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_errors_total",
			Help: "Общее количество HTTP ошибок",
		},
		[]string{"method", "endpoint", "status"},
	)

	wsActiveConnections = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "ws_active_connections",
			Help: "Количество подписчиков потока событий",
		},
	)

	signalingMessagesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "signaling_messages_total",
			Help: "Сообщения сигнализации по каналам",
		},
		[]string{"channel", "direction"},
	)

	signalingDroppedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "signaling_dropped_total",
			Help: "Отброшенные сообщения сигнализации",
		},
		[]string{"channel", "reason"},
	)

	brokerConnected = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "broker_connected",
			Help: "1 если соединение с брокером установлено",
		},
	)

	iceCandidatesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ice_candidates_total",
			Help: "Удаленные ICE кандидаты по результату",
		},
		[]string{"result"},
	)

	callsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "calls_total",
			Help: "Завершенные звонки по исходу",
		},
		[]string{"outcome"},
	)

	callSetupSeconds = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "call_setup_seconds",
			Help:    "Время от начала звонка до InCall",
			Buckets: []float64{0.25, 0.5, 1, 2, 5, 10, 20, 45},
		},
	)
)

// RecordHTTPMetrics записывает метрики HTTP запроса
func RecordHTTPMetrics(method, endpoint string, status int, duration time.Duration) {
	strStatus := strconv.Itoa(status)

	httpRequestsTotal.WithLabelValues(method, endpoint, strStatus).Inc()
	httpRequestDuration.WithLabelValues(method, endpoint, strStatus).Observe(duration.Seconds())

	if status >= 400 {
		httpErrorsTotal.WithLabelValues(method, endpoint, strStatus).Inc()
	}
}

func IncrementWSActiveConnections() {
	wsActiveConnections.Inc()
}

func DecrementWSActiveConnections() {
	wsActiveConnections.Dec()
}

func RecordSignalingMessage(channel, direction string) {
	signalingMessagesTotal.WithLabelValues(channel, direction).Inc()
}

func RecordSignalingDropped(channel, reason string) {
	signalingDroppedTotal.WithLabelValues(channel, reason).Inc()
}

func SetBrokerConnected(connected bool) {
	if connected {
		brokerConnected.Set(1)
		return
	}

	brokerConnected.Set(0)
}

func RecordICECandidate(result string) {
	iceCandidatesTotal.WithLabelValues(result).Inc()
}

func RecordCall(outcome string) {
	callsTotal.WithLabelValues(outcome).Inc()
}

func ObserveCallSetup(d time.Duration) {
	callSetupSeconds.Observe(d.Seconds())
}
