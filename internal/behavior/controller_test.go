package behavior

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap/zaptest"

	"github.com/marketfeed/linkharvest/internal/config"
	"github.com/marketfeed/linkharvest/internal/crawler"
)

func TestDisabledControllerIsNoop(t *testing.T) {
	controller := New(config.BehaviorConfig{Enabled: false}, time.Second, 0, zaptest.NewLogger(t))

	assert.False(t, controller.Enabled())
	trace := controller.Apply(context.Background(), &crawler.BehaviorContext{RootURL: "https://x.ru"})
	assert.Empty(t, trace)
}

func TestEnabledControllerWithoutContextIsNoop(t *testing.T) {
	controller := New(config.BehaviorConfig{Enabled: true}, time.Second, 0, zaptest.NewLogger(t))

	assert.True(t, controller.Enabled())
	assert.Empty(t, controller.Apply(context.Background(), nil))
}

func TestRandBetween(t *testing.T) {
	for range 100 {
		value := randBetween(2, 5)
		assert.GreaterOrEqual(t, value, 2.0)
		assert.Less(t, value, 5.0)
	}
	assert.Equal(t, 3.0, randBetween(3, 3))

	for range 100 {
		n := randBetweenInt(1, 3)
		assert.GreaterOrEqual(t, n, 1)
		assert.LessOrEqual(t, n, 3)
	}
	assert.Equal(t, 2, randBetweenInt(2, 1))
}

func TestDecreaseClampsAtZero(t *testing.T) {
	assert.Equal(t, 1, decrease(3, 2))
	assert.Equal(t, 0, decrease(1, 5))
}
