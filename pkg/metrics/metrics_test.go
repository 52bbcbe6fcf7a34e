package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestNew_RegistersTwiceWithoutPanic(t *testing.T) {
	reg := prometheus.NewRegistry()

	m1 := New("consult", reg)
	m2 := New("consult", reg)

	m1.SLASweepsSkipped.Inc()
	assert.Equal(t, float64(1), testutil.ToFloat64(m2.SLASweepsSkipped))
}

func TestNew_CountersByLabel(t *testing.T) {
	m := New("consult", prometheus.NewRegistry())

	m.SafetyChecksTotal.WithLabelValues("unsafe").Inc()
	m.SafetyChecksTotal.WithLabelValues("unsafe").Inc()
	m.SafetyChecksTotal.WithLabelValues("safe").Inc()

	assert.Equal(t, float64(2), testutil.ToFloat64(m.SafetyChecksTotal.WithLabelValues("unsafe")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.SafetyChecksTotal.WithLabelValues("safe")))
}
