package channel

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"onegate/internal/cache"
	"onegate/internal/core"
)

func TestProber_ProbeAll(t *testing.T) {
	good, goodAdapter := newTestChannel("good", 0, descriptor("a", false, true, "m"))
	bad, badAdapter := newTestChannel("bad", 0, descriptor("a", false, false, "m"))
	off, offAdapter := newTestChannel("off", 0, descriptor("a", false, true, "m"))
	off.SetEnabled(false)
	badAdapter.setTest(false, "[websession] auth: expired")

	e := NewEvaluator(EvaluatorConfig{FailureThreshold: 2})
	p := NewProber(func() []*Channel { return []*Channel{good, bad, off} }, e, time.Second)

	p.ProbeAll(context.Background())
	p.ProbeAll(context.Background())

	assert.Equal(t, 2, goodAdapter.tests)
	assert.Equal(t, 2, badAdapter.tests)
	assert.Equal(t, 0, offAdapter.tests)
	assert.False(t, e.Excluded("good"))
	assert.True(t, e.Excluded("bad"))
	assert.Equal(t, "[websession] auth: expired", e.Health("bad").LastError)

	badAdapter.setTest(true, "")
	ok, detail := p.Probe(context.Background(), bad)
	assert.True(t, ok)
	assert.Empty(t, detail)
	assert.False(t, e.Excluded("bad"))
}

func TestProber_BusyChannelKeepsHealth(t *testing.T) {
	ch, a := newTestChannel("web", 0, descriptor("websession", false, false, "m"))
	e := NewEvaluator(EvaluatorConfig{FailureThreshold: 2})
	p := NewProber(func() []*Channel { return []*Channel{ch} }, e, 20*time.Millisecond)

	stream, err := ch.Query(context.Background(), &core.Request{Model: "m"})
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		ok, detail := p.Probe(context.Background(), ch)
		assert.False(t, ok)
		assert.Contains(t, detail, "channel busy")
	}
	assert.Equal(t, 0, a.tests)
	assert.False(t, e.Excluded("web"))
	assert.Equal(t, Health{}, e.Health("web"))

	require.NoError(t, stream.Close())
	ok, _ := p.Probe(context.Background(), ch)
	assert.True(t, ok)
	assert.Equal(t, 1, a.tests)
}

func TestProber_Background(t *testing.T) {
	ch, a := newTestChannel("c", 0, descriptor("a", false, true, "m"))
	e := NewEvaluator(EvaluatorConfig{})
	p := NewProber(func() []*Channel { return []*Channel{ch} }, e, time.Second)

	stop := p.StartBackgroundProbing(5 * time.Millisecond)
	require.Eventually(t, func() bool {
		a.mu.Lock()
		defer a.mu.Unlock()
		return a.tests >= 2
	}, time.Second, 5*time.Millisecond)
	stop()

	assert.True(t, e.Health("c").LastProbeOK)
}

func TestHealthPersistence(t *testing.T) {
	ch, _ := newTestChannel("web", 0, descriptor("websession", false, false, "m"))
	c := cache.NewLocalCache(filepath.Join(t.TempDir(), "health.json"))

	src := NewEvaluator(EvaluatorConfig{FailureThreshold: 1})
	src.RecordProbe(ch, false, "expired")

	stop := StartHealthPersistence(c, src, time.Hour)
	stop()

	dst := NewEvaluator(EvaluatorConfig{FailureThreshold: 1})
	LoadHealth(context.Background(), c, dst, []*Channel{ch})
	assert.True(t, dst.Excluded("web"))
}
