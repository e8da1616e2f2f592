package resource

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestControllerMemory(t *testing.T) {
	c := NewController(Config{MemoryLimitBytes: 100})

	require.NoError(t, c.AcquireMemory(100))
	assert.Equal(t, int64(100), c.MemoryUsage())

	// Over the limit, fail fast.
	err := c.AcquireMemory(1)
	assert.ErrorIs(t, err, ErrMemoryLimitExceeded)
	assert.False(t, c.TryAcquireMemory(1))

	c.ReleaseMemory(10)
	assert.Equal(t, int64(90), c.MemoryUsage())

	assert.True(t, c.TryAcquireMemory(5))
	assert.Equal(t, int64(95), c.MemoryUsage())
}

func TestControllerMemoryUnlimited(t *testing.T) {
	c := NewController(Config{})

	require.NoError(t, c.AcquireMemory(1 << 40))
	assert.Equal(t, int64(1<<40), c.MemoryUsage())
	assert.Equal(t, int64(0), c.MemoryLimit())

	c.ReleaseMemory(1 << 40)
	assert.Equal(t, int64(0), c.MemoryUsage())
}

func TestControllerBackground(t *testing.T) {
	c := NewController(Config{MaxBackgroundWorkers: 1})

	require.NoError(t, c.AcquireBackground(context.Background()))
	assert.False(t, c.TryAcquireBackground())

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	assert.Error(t, c.AcquireBackground(ctx))

	c.ReleaseBackground()
	assert.True(t, c.TryAcquireBackground())
}

func TestControllerIO(t *testing.T) {
	c := NewController(Config{IOLimitBytesPerSec: 1000})

	assert.NoError(t, c.AcquireIO(context.Background(), 100))
	assert.True(t, c.TryAcquireIO(100))

	// Unlimited controller never throttles.
	c2 := NewController(Config{})
	assert.NoError(t, c2.AcquireIO(context.Background(), 1000000))
	assert.True(t, c2.TryAcquireIO(1000000))
}

func TestControllerNegativeAmounts(t *testing.T) {
	c := NewController(Config{MemoryLimitBytes: 10})

	assert.NoError(t, c.AcquireMemory(-1))
	assert.True(t, c.TryAcquireMemory(-1))
	c.ReleaseMemory(-1)
	assert.Equal(t, int64(0), c.MemoryUsage())
}

func TestControllerNilSafe(t *testing.T) {
	var c *Controller

	assert.NoError(t, c.AcquireMemory(100))
	assert.True(t, c.TryAcquireMemory(100))
	c.ReleaseMemory(100)
	assert.Equal(t, int64(0), c.MemoryUsage())
	assert.Equal(t, int64(0), c.MemoryLimit())

	assert.NoError(t, c.AcquireBackground(context.Background()))
	assert.True(t, c.TryAcquireBackground())
	c.ReleaseBackground()

	assert.NoError(t, c.AcquireIO(context.Background(), 100))
	assert.True(t, c.TryAcquireIO(100))
}

func TestRateLimitedWriter(t *testing.T) {
	c := NewController(Config{IOLimitBytesPerSec: 10000})

	var buf bytes.Buffer
	w := NewRateLimitedWriter(context.Background(), &buf, c)

	n, err := w.Write([]byte("hello"))
	assert.NoError(t, err)
	assert.Equal(t, 5, n)
	assert.Equal(t, "hello", buf.String())
}

func TestRateLimitedReader(t *testing.T) {
	c := NewController(Config{IOLimitBytesPerSec: 10000})

	r := NewRateLimitedReader(context.Background(), bytes.NewReader([]byte("hello world")), c)

	buf := make([]byte, 5)
	n, err := r.Read(buf)
	assert.NoError(t, err)
	assert.Equal(t, 5, n)
	assert.Equal(t, "hello", string(buf))
}

func TestRateLimitedReaderContextCanceled(t *testing.T) {
	c := NewController(Config{IOLimitBytesPerSec: 1})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	r := NewRateLimitedReader(ctx, bytes.NewReader([]byte("hello world")), c)

	_, err := r.Read(make([]byte, 1000))
	assert.Error(t, err)
}
