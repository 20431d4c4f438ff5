package lights_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/qingchang/escape-engine/internal/adapter"
	"github.com/qingchang/escape-engine/internal/adapter/lights"
	"github.com/qingchang/escape-engine/internal/bus"
	"go.uber.org/zap"
)

func newAdapter(fake *bus.Fake) *lights.Adapter {
	return lights.New(adapter.Context{
		Logger:    zap.NewNop(),
		Bus:       fake,
		BaseTopic: "room/lights",
	})
}

func TestSceneDeduplicatesConsecutiveIdenticalCalls(t *testing.T) {
	fake := bus.NewFake()
	a := newAdapter(fake)

	_, err := a.Execute(context.Background(), "scene", map[string]any{"name": "red"})
	require.NoError(t, err)
	_, err = a.Execute(context.Background(), "scene", map[string]any{"name": "red"})
	require.NoError(t, err)

	assert.Len(t, fake.Published(), 1)
}

func TestSceneDistinctCallsBothPublish(t *testing.T) {
	fake := bus.NewFake()
	a := newAdapter(fake)

	_, err := a.Execute(context.Background(), "scene", map[string]any{"name": "red"})
	require.NoError(t, err)
	_, err = a.Execute(context.Background(), "scene", map[string]any{"name": "green"})
	require.NoError(t, err)

	published := fake.Published()
	require.Len(t, published, 2)

	first, ok := published[0].Value.(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "setColorScene", first["command"])
	assert.Equal(t, "red", first["scene"])

	second, ok := published[1].Value.(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "green", second["scene"])
}

func TestSceneRepeatAfterChangePublishesAgain(t *testing.T) {
	fake := bus.NewFake()
	a := newAdapter(fake)

	for _, name := range []string{"red", "green", "red"} {
		_, err := a.Execute(context.Background(), "scene", map[string]any{"name": name})
		require.NoError(t, err)
	}
	assert.Len(t, fake.Published(), 3)
}

func TestUnknownVerbErrors(t *testing.T) {
	a := newAdapter(bus.NewFake())

	_, err := a.Execute(context.Background(), "playVideo", nil)
	var unknown *adapter.ErrUnknownVerb
	require.ErrorAs(t, err, &unknown)
}
