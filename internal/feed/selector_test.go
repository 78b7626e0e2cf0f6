package feed

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tradecore/internal/logger"
)

type stubProber struct {
	err   error
	calls []string
}

func (p *stubProber) ProbeEntitlement(_ context.Context, feed, symbol string) error {
	p.calls = append(p.calls, feed+":"+symbol)
	return p.err
}

func TestSelectPremium(t *testing.T) {
	prober := &stubProber{}
	tier, err := NewSelector(prober, "spy", logger.Discard()).Select(context.Background(), true)

	require.NoError(t, err)
	assert.Equal(t, Premium, tier)
	assert.Equal(t, []string{"sip:SPY"}, prober.calls)
}

func TestSelectStrictFailsClosed(t *testing.T) {
	probeErr := errors.New("403 subscription does not permit querying recent SIP data")
	_, err := NewSelector(&stubProber{err: probeErr}, "", logger.Discard()).Select(context.Background(), true)

	var entErr *EntitlementError
	require.ErrorAs(t, err, &entErr)
	assert.Equal(t, "sip", entErr.Feed)
	assert.Equal(t, "SPY", entErr.Symbol)
	assert.ErrorIs(t, err, probeErr)
}

func TestSelectFallbackWarns(t *testing.T) {
	var buf bytes.Buffer
	log := logger.NewWithWriter(&buf, logrus.InfoLevel)

	tier, err := NewSelector(&stubProber{err: errors.New("forbidden")}, "SPY", log).Select(context.Background(), false)

	require.NoError(t, err)
	assert.Equal(t, Fallback, tier)
	assert.Contains(t, buf.String(), "FEED_FALLBACK")
	assert.Contains(t, buf.String(), `"level":"warning"`)
}

func TestTierStalenessThreshold(t *testing.T) {
	assert.Equal(t, 5*time.Second, Premium.StalenessThreshold(5*time.Second))
	assert.Equal(t, 10*time.Second, Fallback.StalenessThreshold(5*time.Second))
	assert.Equal(t, "sip", Premium.Name())
	assert.Equal(t, "iex", Fallback.Name())
	assert.False(t, Tier(0).Valid())
}
