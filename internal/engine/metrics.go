package engine

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel"
)

// tracer emits one span per thread and one per LOG_STACK chunk.
var tracer = otel.Tracer("bindingtester.engine")

var (
	// instructionsTotal counts dispatched instructions.
	// Labels: opcode (after suffix stripping), operand (transaction, snapshot, database)
	instructionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "bindingtester",
		Subsystem: "engine",
		Name:      "instructions_total",
		Help:      "Total instructions dispatched",
	}, []string{"opcode", "operand"})

	// absorbedErrorsTotal counts failures turned into stack values.
	// Labels: kind (store, directory)
	absorbedErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "bindingtester",
		Subsystem: "engine",
		Name:      "absorbed_errors_total",
		Help:      "Total errors absorbed onto the stack",
	}, []string{"kind"})

	// threadsStarted counts machines started by the scheduler.
	threadsStarted = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "bindingtester",
		Subsystem: "engine",
		Name:      "threads_started_total",
		Help:      "Total instruction threads started",
	})

	// threadsActive tracks machines currently running.
	threadsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "bindingtester",
		Subsystem: "engine",
		Name:      "threads_active",
		Help:      "Instruction threads currently running",
	})
)
