package lnwallet

import (
	"bytes"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/mempool"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/chancore/chancore/input"
)

const (
	// DefaultDustLimit is used to calculate the dust HTLC amount which
	// will be sent to other node during funding process.
	DefaultDustLimit = btcutil.Amount(354)
)

// DustLimitForSize retrieves the dust limit for a given pkscript size. Given
// the size, it automatically determines whether the script is a witness
// script or not. It calls btcd's GetDustThreshold method under the hood.
func DustLimitForSize(scriptSize int) btcutil.Amount {
	// With the size of the script, determine the appropriate pk script to
	// create. Only the script's length influences the dust threshold, so
	// placeholder bytes are used for the script body.
	var pkScript []byte
	switch scriptSize {
	case input.P2WPKHSize:
		pkScript, _ = txscript.NewScriptBuilder().
			AddOp(txscript.OP_0).
			AddData(bytes.Repeat([]byte{0}, 20)).
			Script()

	case input.P2WSHSize:
		pkScript, _ = txscript.NewScriptBuilder().
			AddOp(txscript.OP_0).
			AddData(bytes.Repeat([]byte{0}, 32)).
			Script()

	default:
		pkScript = make([]byte, scriptSize)
	}

	// Call btcd's GetDustThreshold method on the constructed output to
	// determine the dust limit.
	output := wire.TxOut{PkScript: pkScript}
	return btcutil.Amount(mempool.GetDustThreshold(&output))
}
