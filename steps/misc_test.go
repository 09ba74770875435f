package steps

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cdpstep/cdpstep/cdperr"
)

func TestTruthyValue(t *testing.T) {
	assert.False(t, truthyValue(nil))
	assert.False(t, truthyValue(false))
	assert.True(t, truthyValue(true))
	assert.False(t, truthyValue(float64(0)))
	assert.True(t, truthyValue(float64(1)))
	assert.False(t, truthyValue(""))
	assert.True(t, truthyValue("anything"))
	assert.True(t, truthyValue(map[string]any{}))
}

func TestPollUntilResolvesWhenCheckTrue(t *testing.T) {
	calls := 0
	err := pollUntil(context.Background(), time.Second, time.Millisecond, "test", func() (bool, error) {
		calls++
		return calls >= 3, nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestPollUntilPropagatesCheckError(t *testing.T) {
	boom := errors.New("boom")
	err := pollUntil(context.Background(), time.Second, time.Millisecond, "test", func() (bool, error) {
		return false, boom
	})
	assert.ErrorIs(t, err, boom)
}

func TestPollUntilTimesOut(t *testing.T) {
	err := pollUntil(context.Background(), 20*time.Millisecond, 5*time.Millisecond, "never happens", func() (bool, error) {
		return false, nil
	})
	require.Error(t, err)
	assert.Equal(t, cdperr.KindTimeout, cdperr.KindOf(err))
}
