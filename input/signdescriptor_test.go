package input

import (
	"bytes"
	"testing"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/chancore/chancore/keychain"
	"github.com/stretchr/testify/require"
)

// TestSignDescriptorSerialization asserts a SignDescriptor round-trips
// through its binary encoding, for both the single and double tweak
// variants.
func TestSignDescriptorSerialization(t *testing.T) {
	t.Parallel()

	doubleTweak, pubKey := btcec.PrivKeyFromBytes(testWalletPrivKey)

	witnessScript := bytes.Repeat([]byte{0x51}, 32)
	output := &wire.TxOut{
		Value:    1e8,
		PkScript: bytes.Repeat([]byte{0x00}, 22),
	}

	tests := []struct {
		name string
		sd   SignDescriptor
	}{
		{
			name: "single tweak",
			sd: SignDescriptor{
				KeyDesc: keychain.KeyDescriptor{
					KeyLocator: keychain.KeyLocator{
						Family: keychain.KeyFamilyPaymentBase,
						Index:  3,
					},
					PubKey: pubKey,
				},
				SingleTweak:   bytes.Repeat([]byte{0x02}, 32),
				WitnessScript: witnessScript,
				Output:        output,
				HashType:      txscript.SigHashAll,
			},
		},
		{
			name: "double tweak",
			sd: SignDescriptor{
				KeyDesc: keychain.KeyDescriptor{
					KeyLocator: keychain.KeyLocator{
						Family: keychain.KeyFamilyRevocationBase,
						Index:  9,
					},
					PubKey: pubKey,
				},
				DoubleTweak:   doubleTweak,
				WitnessScript: witnessScript,
				Output:        output,
				HashType:      txscript.SigHashAll,
			},
		},
	}

	for _, test := range tests {
		test := test
		t.Run(test.name, func(t *testing.T) {
			var b bytes.Buffer
			require.NoError(t, WriteSignDescriptor(&b, &test.sd))

			var decoded SignDescriptor
			require.NoError(t, ReadSignDescriptor(&b, &decoded))

			require.Equal(t, test.sd.KeyDesc.KeyLocator,
				decoded.KeyDesc.KeyLocator)
			require.True(t, test.sd.KeyDesc.PubKey.IsEqual(
				decoded.KeyDesc.PubKey,
			))
			require.Equal(t, test.sd.SingleTweak, decoded.SingleTweak)
			require.Equal(t, test.sd.WitnessScript,
				decoded.WitnessScript)
			require.Equal(t, test.sd.Output, decoded.Output)
			require.Equal(t, test.sd.HashType, decoded.HashType)

			if test.sd.DoubleTweak == nil {
				require.Nil(t, decoded.DoubleTweak)
			} else {
				require.Equal(t,
					test.sd.DoubleTweak.Serialize(),
					decoded.DoubleTweak.Serialize())
			}
		})
	}
}

// TestSignDescriptorRejectsBothTweaks asserts that decoding fails if both
// tweak values are present.
func TestSignDescriptorRejectsBothTweaks(t *testing.T) {
	t.Parallel()

	doubleTweak, pubKey := btcec.PrivKeyFromBytes(testWalletPrivKey)

	sd := SignDescriptor{
		KeyDesc: keychain.KeyDescriptor{
			PubKey: pubKey,
		},
		SingleTweak:   bytes.Repeat([]byte{0x02}, 32),
		DoubleTweak:   doubleTweak,
		WitnessScript: bytes.Repeat([]byte{0x51}, 32),
		Output: &wire.TxOut{
			Value:    1e8,
			PkScript: bytes.Repeat([]byte{0x00}, 22),
		},
		HashType: txscript.SigHashAll,
	}

	var b bytes.Buffer
	require.NoError(t, WriteSignDescriptor(&b, &sd))

	var decoded SignDescriptor
	require.ErrorIs(t, ReadSignDescriptor(&b, &decoded), ErrTweakOverdose)
}
