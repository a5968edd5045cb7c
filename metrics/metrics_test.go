package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewRegistersCollectors(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.Transitions.WithLabelValues("away", "idle").Inc()
	m.Heartbeats.Add(3)
	m.LiveActors.Set(2)

	families, err := reg.Gather()
	require.NoError(t, err)
	assert.NotEmpty(t, families)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.Transitions.WithLabelValues("away", "idle")))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.Heartbeats))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.LiveActors))
}

func TestNoopIsIndependent(t *testing.T) {
	a, b := Noop(), Noop()
	a.Heartbeats.Inc()
	assert.Equal(t, 0.0, testutil.ToFloat64(b.Heartbeats))
}
