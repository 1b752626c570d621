package exectemplate

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nimbus-sched/nimbus/pkg/types"
)

func chain(t *testing.T) *Template {
	t.Helper()
	tmpl := NewTemplate()
	_, err := tmpl.AddNode(NodeSpec{Kind: types.JobCompute})
	require.NoError(t, err)
	_, err = tmpl.AddNode(NodeSpec{Kind: types.JobCompute, Before: []int{0}})
	require.NoError(t, err)
	_, err = tmpl.AddNode(NodeSpec{Kind: types.JobCompute, Before: []int{1}})
	require.NoError(t, err)
	require.NoError(t, tmpl.Finalize())
	return tmpl
}

func TestAddNodeAfterFinalizeFails(t *testing.T) {
	tmpl := chain(t)
	_, err := tmpl.AddNode(NodeSpec{Kind: types.JobCompute})
	assert.ErrorIs(t, err, ErrFinalized)
	assert.ErrorIs(t, tmpl.Finalize(), ErrFinalized)
}

func TestInstantiateBeforeFinalizeFails(t *testing.T) {
	tmpl := NewTemplate()
	_, err := tmpl.AddNode(NodeSpec{Kind: types.JobCompute})
	require.NoError(t, err)
	_, err = tmpl.Instantiate(1, []types.JobID{10})
	assert.ErrorIs(t, err, ErrNotFinalized)
}

func TestInstantiateOnlyRootIsReady(t *testing.T) {
	tmpl := chain(t)
	ready, err := tmpl.Instantiate(1, []types.JobID{10, 11, 12})
	require.NoError(t, err)
	assert.Equal(t, []types.JobID{10}, ready)
}

func TestNotifyJobDoneCascadesThroughChain(t *testing.T) {
	tmpl := chain(t)
	_, err := tmpl.Instantiate(1, []types.JobID{10, 11, 12})
	require.NoError(t, err)

	ready, allDone, err := tmpl.NotifyJobDone(1, 10)
	require.NoError(t, err)
	assert.Equal(t, []types.JobID{11}, ready)
	assert.False(t, allDone)

	ready, allDone, err = tmpl.NotifyJobDone(1, 11)
	require.NoError(t, err)
	assert.Equal(t, []types.JobID{12}, ready)
	assert.False(t, allDone)

	ready, allDone, err = tmpl.NotifyJobDone(1, 12)
	require.NoError(t, err)
	assert.Empty(t, ready)
	assert.True(t, allDone)
}

func TestNotifyJobDoneIsIdempotent(t *testing.T) {
	tmpl := chain(t)
	_, err := tmpl.Instantiate(1, []types.JobID{10, 11, 12})
	require.NoError(t, err)

	ready, _, err := tmpl.NotifyJobDone(1, 10)
	require.NoError(t, err)
	require.Equal(t, []types.JobID{11}, ready)

	ready, allDone, err := tmpl.NotifyJobDone(1, 10)
	require.NoError(t, err)
	assert.Empty(t, ready, "re-delivery of an already-done node must not re-fire its dependents")
	assert.False(t, allDone)
}

func TestNotifyJobDoneUnknownGenerationOrNode(t *testing.T) {
	tmpl := chain(t)
	_, _, err := tmpl.NotifyJobDone(99, 10)
	assert.ErrorIs(t, err, ErrUnknownGeneration)

	_, err = tmpl.Instantiate(1, []types.JobID{10, 11, 12})
	require.NoError(t, err)
	_, _, err = tmpl.NotifyJobDone(1, 404)
	assert.ErrorIs(t, err, ErrUnknownNode)
}

func TestProcessReceiveEventBufferedBeforeInstantiate(t *testing.T) {
	tmpl := NewTemplate()
	_, err := tmpl.AddNode(NodeSpec{Kind: types.JobRemoteCopyReceive, Recipients: 1})
	require.NoError(t, err)
	require.NoError(t, tmpl.Finalize())

	ready, err := tmpl.ProcessReceiveEvent(1, 20)
	require.NoError(t, err)
	assert.Empty(t, ready)

	ready, err = tmpl.Instantiate(1, []types.JobID{20})
	require.NoError(t, err)
	assert.Equal(t, []types.JobID{20}, ready, "buffered receive event should drain into the node's counter at instantiate time")
}

func TestProcessReceiveEventAfterInstantiate(t *testing.T) {
	tmpl := NewTemplate()
	_, err := tmpl.AddNode(NodeSpec{Kind: types.JobRemoteCopyReceive, Recipients: 2})
	require.NoError(t, err)
	require.NoError(t, tmpl.Finalize())

	ready, err := tmpl.Instantiate(1, []types.JobID{30})
	require.NoError(t, err)
	assert.Empty(t, ready)

	ready, err = tmpl.ProcessReceiveEvent(1, 30)
	require.NoError(t, err)
	assert.Empty(t, ready)

	ready, err = tmpl.ProcessReceiveEvent(1, 30)
	require.NoError(t, err)
	assert.Equal(t, []types.JobID{30}, ready)
}

func TestMarkInnerJobDoneGatesRewind(t *testing.T) {
	tmpl := chain(t)
	_, err := tmpl.Instantiate(1, []types.JobID{10, 11, 12})
	require.NoError(t, err)

	require.NoError(t, tmpl.MarkInnerJobDone(1, 10, true))

	ready, allDone, err := tmpl.NotifyJobDone(1, 10)
	require.NoError(t, err)
	assert.Empty(t, ready, "a rewind-gated node's completion must not cascade to its dependents")
	assert.False(t, allDone)
}

func TestNodeCountReflectsFinalizedShape(t *testing.T) {
	tmpl := chain(t)
	assert.Equal(t, 3, tmpl.NodeCount())
}
