package metrics

import (
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/stephens/remo-bridge/internal/climate"
	"github.com/stephens/remo-bridge/internal/entity"
	"github.com/stephens/remo-bridge/internal/remo"
)

// StateSource lists the currently published entity states
type StateSource interface {
	States() []entity.State
}

// Collector exposes bridge health and entity readings. Poll and command
// counters are fed by observers; entity gauges are read at scrape time
type Collector struct {
	states    StateSource
	rateLimit func() remo.RateLimit

	pollSuccess  prometheus.Gauge
	pollDuration prometheus.Histogram
	polls        *prometheus.CounterVec
	commands     *prometheus.CounterVec

	available  *prometheus.GaugeVec
	pending    *prometheus.GaugeVec
	mode       *prometheus.GaugeVec
	targetTemp *prometheus.GaugeVec
	roomTemp   *prometheus.GaugeVec
	humidity   *prometheus.GaugeVec
	sensor     *prometheus.GaugeVec

	rateLimitLimit  prometheus.Gauge
	rateLimitRemain prometheus.Gauge
}

// NewCollector creates a collector; rateLimit may be nil
func NewCollector(states StateSource, rateLimit func() remo.RateLimit) *Collector {
	entityLabels := []string{"entity_id", "name"}
	return &Collector{
		states:    states,
		rateLimit: rateLimit,
		pollSuccess: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "remo_bridge_poll_success",
			Help: "Last poll success (1=ok, 0=error)",
		}),
		pollDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "remo_bridge_poll_duration_seconds",
			Help:    "Duration of Nature Remo cloud polls",
			Buckets: prometheus.DefBuckets,
		}),
		polls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "remo_bridge_polls_total",
			Help: "Polls by result",
		}, []string{"result"}),
		commands: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "remo_bridge_commands_total",
			Help: "User commands by kind and result",
		}, []string{"kind", "result"}),
		available: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "remo_bridge_entity_available",
			Help: "Whether the entity is available (1=yes, 0=no)",
		}, append(entityLabels, "kind")),
		pending: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "remo_bridge_pending_command",
			Help: "Whether a sent command awaits confirmation (1=yes, 0=no)",
		}, entityLabels),
		mode: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "remo_bridge_climate_mode",
			Help: "Published operation mode (1=active)",
		}, append(entityLabels, "mode")),
		targetTemp: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "remo_bridge_target_temperature_celsius",
			Help: "Published target temperature (celsius)",
		}, entityLabels),
		roomTemp: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "remo_bridge_room_temperature_celsius",
			Help: "Room temperature reported by the Remo (celsius)",
		}, entityLabels),
		humidity: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "remo_bridge_room_humidity_percent",
			Help: "Room humidity reported by the Remo (%)",
		}, entityLabels),
		sensor: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "remo_bridge_sensor_value",
			Help: "Sensor reading in the unit given by the unit label",
		}, append(entityLabels, "unit")),
		rateLimitLimit: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "remo_bridge_rate_limit",
			Help: "Nature Remo API rate limit ceiling",
		}),
		rateLimitRemain: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "remo_bridge_rate_limit_remaining",
			Help: "Nature Remo API requests remaining in the window",
		}),
	}
}

// ObservePoll records the outcome of one poll
func (c *Collector) ObservePoll(duration time.Duration, err error) {
	c.pollDuration.Observe(duration.Seconds())
	if err != nil {
		c.pollSuccess.Set(0)
		c.polls.WithLabelValues(errorClass(err)).Inc()
		return
	}
	c.pollSuccess.Set(1)
	c.polls.WithLabelValues("ok").Inc()
}

// ObserveCommand records the outcome of one routed command
func (c *Collector) ObserveCommand(entityID, kind, value string, err error) {
	result := "ok"
	if err != nil {
		result = errorClass(err)
	}
	c.commands.WithLabelValues(kind, result).Inc()
}

func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	c.pollSuccess.Describe(ch)
	c.pollDuration.Describe(ch)
	c.polls.Describe(ch)
	c.commands.Describe(ch)
	c.available.Describe(ch)
	c.pending.Describe(ch)
	c.mode.Describe(ch)
	c.targetTemp.Describe(ch)
	c.roomTemp.Describe(ch)
	c.humidity.Describe(ch)
	c.sensor.Describe(ch)
	c.rateLimitLimit.Describe(ch)
	c.rateLimitRemain.Describe(ch)
}

func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	c.available.Reset()
	c.pending.Reset()
	c.mode.Reset()
	c.targetTemp.Reset()
	c.roomTemp.Reset()
	c.humidity.Reset()
	c.sensor.Reset()

	if c.states != nil {
		for _, st := range c.states.States() {
			c.collectState(st)
		}
	}

	if c.rateLimit != nil {
		rl := c.rateLimit()
		c.rateLimitLimit.Set(float64(rl.Limit))
		c.rateLimitRemain.Set(float64(rl.Remaining))
	}

	c.pollSuccess.Collect(ch)
	c.pollDuration.Collect(ch)
	c.polls.Collect(ch)
	c.commands.Collect(ch)
	c.available.Collect(ch)
	c.pending.Collect(ch)
	c.mode.Collect(ch)
	c.targetTemp.Collect(ch)
	c.roomTemp.Collect(ch)
	c.humidity.Collect(ch)
	c.sensor.Collect(ch)
	c.rateLimitLimit.Collect(ch)
	c.rateLimitRemain.Collect(ch)
}

func (c *Collector) collectState(st entity.State) {
	c.available.WithLabelValues(st.EntityID, st.Name, string(st.Kind)).Set(boolToFloat(st.Available))

	switch st.Kind {
	case entity.KindClimate:
		c.pending.WithLabelValues(st.EntityID, st.Name).Set(boolToFloat(st.Pending))
		if st.Climate == nil {
			return
		}
		c.mode.WithLabelValues(st.EntityID, st.Name, string(st.Climate.Mode)).Set(1)
		if st.Climate.TargetTemperature != nil {
			c.targetTemp.WithLabelValues(st.EntityID, st.Name).Set(*st.Climate.TargetTemperature)
		}
		if st.Climate.RoomTemperature != nil {
			c.roomTemp.WithLabelValues(st.EntityID, st.Name).Set(*st.Climate.RoomTemperature)
		}
		if st.Climate.Humidity != nil {
			c.humidity.WithLabelValues(st.EntityID, st.Name).Set(*st.Climate.Humidity)
		}
	case entity.KindSensor:
		if st.Value != nil {
			c.sensor.WithLabelValues(st.EntityID, st.Name, st.Unit).Set(*st.Value)
		}
	}
}

// Handler serves the registry in the Prometheus text format
func Handler(registry *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
}

// errorClass maps an error to a low-cardinality label value
func errorClass(err error) string {
	var (
		authErr     *remo.AuthError
		netErr      *remo.NetworkError
		rejected    *remo.RejectedByDeviceError
		modeErr     *climate.UnsupportedModeError
		valueErr    *climate.UnsupportedValueError
		rangeErr    *climate.OutOfRangeError
		invalidErr  *entity.InvalidValueError
		unknownKind *entity.UnknownCommandError
	)
	switch {
	case errors.As(err, &authErr):
		return "auth"
	case errors.As(err, &netErr):
		return "network"
	case errors.As(err, &rejected):
		return "rejected"
	case errors.As(err, &modeErr), errors.As(err, &valueErr), errors.As(err, &rangeErr),
		errors.As(err, &invalidErr), errors.As(err, &unknownKind),
		errors.Is(err, entity.ErrReadOnly), errors.Is(err, entity.ErrNotFound):
		return "invalid"
	case errors.Is(err, entity.ErrUnavailable):
		return "unavailable"
	default:
		return "error"
	}
}

func boolToFloat(v bool) float64 {
	if v {
		return 1
	}
	return 0
}
