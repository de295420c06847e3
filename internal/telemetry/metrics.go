package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	TasksSubmitted   = prometheus.NewCounter(prometheus.CounterOpts{Name: "tasks_submitted_total", Help: "Total tasks admitted by the scheduler"})
	TasksRejected    = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "tasks_rejected_total", Help: "Tasks rejected at admission"}, []string{"reason"})
	TasksCompleted   = prometheus.NewCounter(prometheus.CounterOpts{Name: "tasks_completed_total", Help: "Tasks that reached COMPLETED"})
	TasksFailed      = prometheus.NewCounter(prometheus.CounterOpts{Name: "tasks_failed_total", Help: "Tasks that reached FAILED"})
	TasksCancelled   = prometheus.NewCounter(prometheus.CounterOpts{Name: "tasks_cancelled_total", Help: "Tasks that reached CANCELLED"})
	RateLimitRejects = prometheus.NewCounter(prometheus.CounterOpts{Name: "tasks_rate_limit_rejects_total", Help: "Requests rejected by the rate limiter"})

	ActiveTasksGauge  = prometheus.NewGauge(prometheus.GaugeOpts{Name: "tasks_active", Help: "Tasks currently non-terminal"})
	WaitingInputGauge = prometheus.NewGauge(prometheus.GaugeOpts{Name: "tasks_waiting_for_input", Help: "Tasks currently WAITING_FOR_INPUT"})
	WorkerSlotsGauge  = prometheus.NewGauge(prometheus.GaugeOpts{Name: "scheduler_worker_slots_in_use", Help: "Occupied worker-pool slots"})

	InputRequestsTotal  = prometheus.NewCounter(prometheus.CounterOpts{Name: "mediator_input_requests_total", Help: "input_request envelopes observed"})
	InputResponsesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "mediator_input_responses_total", Help: "input_response envelopes resolved"}, []string{"source"})
	InputTimeoutsTotal  = prometheus.NewCounter(prometheus.CounterOpts{Name: "mediator_input_timeouts_total", Help: "input requests resolved by default-on-timeout"})

	SupervisorLaunches = prometheus.NewCounter(prometheus.CounterOpts{Name: "supervisor_launches_total", Help: "Child processes launched"})
	SupervisorKills    = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "supervisor_kills_total", Help: "Child processes terminated by signal"}, []string{"signal"})

	WSConnectionsGauge = prometheus.NewGauge(prometheus.GaugeOpts{Name: "wsgateway_connections", Help: "Currently connected WebSocket clients"})
	WSTasksGauge       = prometheus.NewGauge(prometheus.GaugeOpts{Name: "wsgateway_active_tasks", Help: "Tasks with at least one active WebSocket manager"})

	BusRetries = prometheus.NewCounter(prometheus.CounterOpts{Name: "bus_retries_total", Help: "Redis operations retried after a transient error"})
)

// Handler exposes the /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	once.Do(func() {
		prometheus.MustRegister(
			TasksSubmitted,
			TasksRejected,
			TasksCompleted,
			TasksFailed,
			TasksCancelled,
			RateLimitRejects,
			ActiveTasksGauge,
			WaitingInputGauge,
			WorkerSlotsGauge,
			InputRequestsTotal,
			InputResponsesTotal,
			InputTimeoutsTotal,
			SupervisorLaunches,
			SupervisorKills,
			WSConnectionsGauge,
			WSTasksGauge,
			BusRetries,
		)
	})
	return promhttp.Handler()
}
