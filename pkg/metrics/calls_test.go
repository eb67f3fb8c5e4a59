package metrics

import (
	"testing"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestCallsCountsPerClient(t *testing.T) {
	reg := prometheus.NewRegistry()

	alice := NewCalls(reg, "alice")
	bob := NewCalls(reg, "bob")

	alice.Action("initiate", nil)
	alice.Action("initiate", errors.New("offline"))
	bob.Action("answer", nil)
	alice.SessionOpened()
	alice.SessionOpened()
	alice.SessionClosed()
	alice.Candidate("published")
	alice.Candidate("publish_failed")
	alice.Candidate("published")

	assert.Equal(t, 1.0, testutil.ToFloat64(alice.actions.WithLabelValues("initiate", "ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(alice.actions.WithLabelValues("initiate", "error")))
	assert.Equal(t, 1.0, testutil.ToFloat64(bob.actions.WithLabelValues("answer", "ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(alice.sessions))
	assert.Equal(t, 2.0, testutil.ToFloat64(alice.candidates.WithLabelValues("published")))
	assert.Equal(t, 1.0, testutil.ToFloat64(alice.candidates.WithLabelValues("publish_failed")))
}

func TestNilCallsIsNoop(t *testing.T) {
	var m *Calls

	assert.NotPanics(t, func() {
		m.Action("hangup", nil)
		m.Notice("sync")
		m.Candidate("applied")
		m.SessionOpened()
		m.SessionClosed()
		m.Connected()
	})
}
