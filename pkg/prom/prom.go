package prom

import (
	"fmt"
	"sync"

	xhttp "github.com/initials101/mpesa-gateway/pkg/http"
	"github.com/initials101/mpesa-gateway/pkg/logger"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/valyala/fasthttp/fasthttpadaptor"
)

const (
	SystemTransactions = "transaction"
)
const (
	MetricResolutionsTotal       = "resolutions_total"
	MetricStaleResolutionsTotal  = "stale_resolutions_total"
	MetricTimeToResolution       = "time_to_resolution_seconds"
	MetricCallbacksReceivedTotal = "callbacks_received_total"
	MetricPollTicksTotal         = "poll_ticks_total"
)

const (
	TypeCounter      = "counter"
	TypeCounterVec   = "counterVec"
	TypeHistogram    = "histogram"
	TypeHistogramVec = "histogramVec"
	TypeGaugeVec     = "gaugeVec"
)

var lockCreateMetricLock = &sync.Mutex{}
var namespace = "none"

var MetricSystemEnabled = false

var MetricCollectionCounters = make(map[string]prometheus.Counter)
var MetricCollectionCounterVec = make(map[string]*prometheus.CounterVec)
var MetricCollectionGaugeVec = make(map[string]*prometheus.GaugeVec)
var MetricCollectionHistogram = make(map[string]prometheus.Histogram)
var MetricCollectionHistogramVec = make(map[string]*prometheus.HistogramVec)

var defaultLabels prometheus.Labels

func Create(host string, env string, nameSpace string) error {
	defaultLabels = make(prometheus.Labels)
	defaultLabels["env"] = env
	defaultLabels["instance"] = host
	namespace = nameSpace
	MetricSystemEnabled = true

	var err error
	hasError := func(e error) {
		if err == nil && e != nil {
			err = e
		}
	}

	// Transactions
	hasError(createCounterVec(SystemTransactions, MetricResolutionsTotal, []string{"source", "status"}))
	hasError(createCounterVec(SystemTransactions, MetricStaleResolutionsTotal, []string{"source"}))
	hasError(createHistogramVec(SystemTransactions, MetricTimeToResolution, []string{"kind"}))
	hasError(createCounterVec(SystemTransactions, MetricCallbacksReceivedTotal, []string{"kind"}))
	hasError(createCounterVec(SystemTransactions, MetricPollTicksTotal, []string{"outcome"}))

	return err
}

// AddResolution counts one terminal transition, labeled by which of the
// racing sources won and the terminal status it wrote.
func AddResolution(source, status string) {
	if !MetricSystemEnabled {
		return
	}
	if m, ok := MetricCollectionCounterVec[SystemTransactions+MetricResolutionsTotal]; ok {
		m.WithLabelValues(source, status).Inc()
	}
}

// AddStaleResolution counts a resolution attempt discarded because the
// transaction had already been resolved by another source.
func AddStaleResolution(source string) {
	if !MetricSystemEnabled {
		return
	}
	if m, ok := MetricCollectionCounterVec[SystemTransactions+MetricStaleResolutionsTotal]; ok {
		m.WithLabelValues(source).Inc()
	}
}

func ObserveTimeToResolution(seconds float64, kind string) {
	if !MetricSystemEnabled {
		return
	}
	if m, ok := MetricCollectionHistogramVec[SystemTransactions+MetricTimeToResolution]; ok {
		m.WithLabelValues(kind).Observe(seconds)
	}
}

func AddCallbackReceived(kind string) {
	if !MetricSystemEnabled {
		return
	}
	if m, ok := MetricCollectionCounterVec[SystemTransactions+MetricCallbacksReceivedTotal]; ok {
		m.WithLabelValues(kind).Inc()
	}
}

func AddPollTick(outcome string) {
	if !MetricSystemEnabled {
		return
	}
	if m, ok := MetricCollectionCounterVec[SystemTransactions+MetricPollTicksTotal]; ok {
		m.WithLabelValues(outcome).Inc()
	}
}

func CreateMetric(metricType, metricSubsystem, metricName string, labelsValues ...string) error {
	switch metricType {
	case TypeCounter:
		return createCounter(metricSubsystem, metricName)
	case TypeCounterVec:
		return createCounterVec(metricSubsystem, metricName, labelsValues)
	case TypeHistogram:
		return createHistogram(metricSubsystem, metricName)
	case TypeHistogramVec:
		return createHistogramVec(metricSubsystem, metricName, labelsValues)
	case TypeGaugeVec:
		return createGaugeVec(metricSubsystem, metricName, labelsValues)
	}
	return fmt.Errorf("metric type %s is not defined", metricType)
}

func ListenAndServer(port string, url string) {
	hh := fasthttpadaptor.NewFastHTTPHandler(promhttp.Handler())
	s := xhttp.CreateServer()
	s.GET(url, hh)
	logger.Info("[metrics-server] listening...", "url", url)
	if err := s.ListenAndServe(port); err != nil {
		logger.Panic("[metrics-server] http listen error", "error", err)
	}
}

func createCounter(subsystem, name string) error {
	lockCreateMetricLock.Lock()
	defer lockCreateMetricLock.Unlock()
	MetricCollectionCounters[subsystem+name] = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace:   namespace,
		Subsystem:   subsystem,
		Name:        name,
		Help:        "",
		ConstLabels: defaultLabels,
	})
	return prometheus.Register(MetricCollectionCounters[subsystem+name])
}

func createCounterVec(subsystem, name string, labels []string) error {
	lockCreateMetricLock.Lock()
	defer lockCreateMetricLock.Unlock()
	MetricCollectionCounterVec[subsystem+name] = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace:   namespace,
		Subsystem:   subsystem,
		Name:        name,
		Help:        "",
		ConstLabels: defaultLabels,
	}, labels)
	return prometheus.Register(MetricCollectionCounterVec[subsystem+name])
}

func createHistogram(subsystem, name string) error {
	lockCreateMetricLock.Lock()
	defer lockCreateMetricLock.Unlock()
	MetricCollectionHistogram[subsystem+name] = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace:   namespace,
		Subsystem:   subsystem,
		Name:        name,
		Help:        "",
		ConstLabels: defaultLabels,
	})
	return prometheus.Register(MetricCollectionHistogram[subsystem+name])
}

func createHistogramVec(subsystem, name string, labels []string) error {
	lockCreateMetricLock.Lock()
	defer lockCreateMetricLock.Unlock()
	MetricCollectionHistogramVec[subsystem+name] = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace:   namespace,
		Subsystem:   subsystem,
		Name:        name,
		Help:        "",
		ConstLabels: defaultLabels,
	}, labels)
	return prometheus.Register(MetricCollectionHistogramVec[subsystem+name])
}

func createGaugeVec(subsystem, name string, labels []string) error {
	lockCreateMetricLock.Lock()
	defer lockCreateMetricLock.Unlock()
	MetricCollectionGaugeVec[subsystem+name] = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace:   namespace,
		Subsystem:   subsystem,
		Name:        name,
		Help:        "",
		ConstLabels: defaultLabels,
	}, labels)
	return prometheus.Register(MetricCollectionGaugeVec[subsystem+name])
}
