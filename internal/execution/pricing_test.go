package execution

import (
	"testing"

	"github.com/stretchr/testify/require"

	"delta-volume/internal/exchange"
)

func TestBaseUnits_FromMargin(t *testing.T) {
	require.Equal(t, int64(2632), BaseUnits(50, 50, 95000, 5))
	require.Equal(t, int64(1), BaseUnits(1, 1, 1e9, 2), "at least one unit")
	require.Equal(t, int64(1), BaseUnits(50, 10, 0, 5))
}

func TestLimitPrices_InsideSpread(t *testing.T) {
	quote := exchange.Quote{Bid: 100, Ask: 101}

	long, short := LimitPrices(quote, 0.4)
	require.InDelta(t, 100.4, long, 1e-9)
	require.InDelta(t, 100.6, short, 1e-9)

	long, short = LimitPrices(quote, 1.2)
	require.InDelta(t, 100.99, long, 1e-9)
	require.InDelta(t, 100.01, short, 1e-9)
}

func TestRetryPosition_MovesTowardMid(t *testing.T) {
	require.InDelta(t, 0.4, RetryPosition(0.4, 0.1, 0), 1e-12)
	require.InDelta(t, 0.425, RetryPosition(0.4, 0.1, 1), 1e-12)
	require.InDelta(t, 0.45, RetryPosition(0.4, 0.1, 2), 1e-12)
}

func TestScalePrice_Truncates(t *testing.T) {
	require.Equal(t, int64(9512345), ScalePrice(95123.456, 2))
	require.Equal(t, int64(95123), ScalePrice(95123.999, 0))
}

func TestFallbackSizeDecimals(t *testing.T) {
	require.Equal(t, 5, FallbackSizeDecimals(95000))
	require.Equal(t, 4, FallbackSizeDecimals(3000))
	require.Equal(t, 3, FallbackSizeDecimals(150))
}

func TestNotional(t *testing.T) {
	require.InDelta(t, 2500.4, Notional(2632, 5, 95000), 1e-6)
}

func TestOrderOffsetsAreDistinct(t *testing.T) {
	seen := make(map[int64]string)
	add := func(offset int64, label string) {
		prev, dup := seen[offset]
		require.False(t, dup, "offset %d used by %s and %s", offset, prev, label)
		seen[offset] = label
	}

	for _, round := range []Round{{}, {Attempt: 1}, {Attempt: 2}, {Attempt: 3}, {Remediation: true}} {
		long, short := openOffsets(round)
		add(long, "open long")
		add(short, "open short")
	}
	for _, round := range []Round{{}, {Remediation: true}} {
		add(closeOffset(round, LegLong), "close long")
		add(closeOffset(round, LegShort), "close short")
	}
}
