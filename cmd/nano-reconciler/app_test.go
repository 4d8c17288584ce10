package main

import (
	"context"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nanoncore/nano-reconciler/internal/config"
	"github.com/nanoncore/nano-reconciler/jobs"
	"github.com/nanoncore/nano-reconciler/model"
	"github.com/nanoncore/nano-reconciler/queue"
	"github.com/nanoncore/nano-reconciler/store"
)

func TestBuildInMemoryRunsHealth(t *testing.T) {
	ctx := context.Background()
	a, err := build(ctx, config.Default(), zerolog.Nop())
	require.NoError(t, err)
	defer a.close()

	mem, ok := a.store.(*store.Memory)
	require.True(t, ok)
	n := mem.AddNode(model.ServiceNode{Name: "lab-router", Kind: model.NodeKindRouter, Vendor: "mock", ConnectionMethod: model.ConnectionAPI})

	res, err := a.queue.Run(ctx, queue.Task{Kind: jobs.KindHealth, NodeID: n.ID})
	require.NoError(t, err)
	assert.Equal(t, queue.Succeeded, res.Status, "%v", res.Err)

	node, err := mem.Node(ctx, n.ID)
	require.NoError(t, err)
	assert.Equal(t, model.NodeStatusActive, node.Status)
}

func TestBuildRegistersEveryKind(t *testing.T) {
	a, err := build(context.Background(), config.Default(), zerolog.Nop())
	require.NoError(t, err)
	defer a.close()

	for _, kind := range []string{
		jobs.KindHealth, jobs.KindDrift, jobs.KindReconstruct, jobs.KindHealing,
		jobs.KindFraud, jobs.KindBruteforce, jobs.KindTraffic, jobs.KindDiscovery,
		jobs.KindSuspend, jobs.KindReactivate, jobs.KindProvision,
	} {
		assert.NoError(t, parseKind(a.queue.Kinds(), kind), kind)
	}
	assert.ErrorIs(t, parseKind(a.queue.Kinds(), "defrag"), queue.ErrUnknownKind)
}
