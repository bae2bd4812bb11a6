package chainfee

import (
	"testing"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/stretchr/testify/require"
)

// TestFeeRateTypes checks that converting fee rates between the
// different types that represent fee rates and calculating fees
// work as expected.
func TestFeeRateTypes(t *testing.T) {
	t.Parallel()

	// We'll be calculating the transaction fees for the given measurements
	// using different fee rates and expecting them to match.
	const vsize = 300
	const weight = vsize * 4

	// Test the conversion from sat/kw to sat/kb.
	for feePerKw := SatPerKWeight(250); feePerKw < 10000; feePerKw += 50 {
		feePerKB := feePerKw.FeePerKVByte()
		require.Equal(t, feePerKB, SatPerKVByte(feePerKw*4),
			"fee rate conversion mismatch")

		// The resulting transaction fee should be the same when using
		// both rates.
		fee1 := feePerKw.FeeForWeight(weight)
		fee2 := feePerKB.FeeForVSize(vsize)
		require.Equal(t, fee1, fee2, "transaction fee mismatch")
	}

	// Test the conversion from sat/kb to sat/kw.
	for feePerKB := SatPerKVByte(1000); feePerKB < 40000; feePerKB += 1000 {
		feePerKw := feePerKB.FeePerKWeight()
		require.Equal(t, feePerKw, SatPerKWeight(feePerKB/4),
			"fee rate conversion mismatch")

		// The resulting transaction fee should be the same when using
		// both rates.
		fee1 := feePerKB.FeeForVSize(vsize)
		fee2 := feePerKw.FeeForWeight(weight)
		require.Equal(t, fee1, fee2, "transaction fee mismatch")
	}
}

// TestStaticFeeEstimator checks that the StaticFeeEstimator returns the
// expected fee rate.
func TestStaticFeeEstimator(t *testing.T) {
	t.Parallel()

	const feePerKw = FeePerKwFloor

	feeEstimator := NewStaticEstimator(feePerKw, 0)
	require.NoError(t, feeEstimator.Start())
	defer feeEstimator.Stop()

	feeRate, err := feeEstimator.EstimateFeePerKW(6)
	require.NoError(t, err)
	require.Equal(t, feePerKw, feeRate)
	require.Equal(t, SatPerKWeight(0), feeEstimator.RelayFeePerKW())
	require.Equal(t, btcutil.Amount(253),
		feeRate.FeeForWeight(1000))
}
