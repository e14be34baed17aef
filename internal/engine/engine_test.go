package engine

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingRunner struct {
	log     *[]string
	name    string
	started bool
}

func (r *recordingRunner) Start() {
	r.started = true
	*r.log = append(*r.log, "start:"+r.name)
}

func (r *recordingRunner) Stop() {
	*r.log = append(*r.log, "stop:"+r.name)
}

type recordingDrainer struct {
	log  *[]string
	name string
	err  error
}

func (d *recordingDrainer) Drain(ctx context.Context) error {
	*d.log = append(*d.log, "drain:"+d.name)
	return d.err
}

func TestSupervisorOrdering(t *testing.T) {
	var log []string
	s := New()
	s.Register("alpha", &recordingRunner{log: &log, name: "alpha"})
	s.Register("beta", &recordingRunner{log: &log, name: "beta"})
	s.RegisterDrainer("gamma", &recordingDrainer{log: &log, name: "gamma"})
	s.RegisterDrainer("delta", &recordingDrainer{log: &log, name: "delta"})

	s.Start()
	require.NoError(t, s.Shutdown(context.Background()))

	assert.Equal(t, []string{
		"start:alpha", "start:beta",
		"stop:beta", "stop:alpha",
		"drain:gamma", "drain:delta",
	}, log)
}

func TestSupervisorReportsFirstDrainError(t *testing.T) {
	var log []string
	failure := errors.New("still busy")
	s := New()
	s.RegisterDrainer("gamma", &recordingDrainer{log: &log, name: "gamma", err: failure})
	s.RegisterDrainer("delta", &recordingDrainer{log: &log, name: "delta"})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	err := s.Shutdown(ctx)

	assert.ErrorIs(t, err, failure)
	// The failing drainer does not stop the rest.
	assert.Contains(t, log, "drain:delta")
}
