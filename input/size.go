package input

const (
	// WitnessCommitmentTxWeight is the weight of the witness data of the
	// commitment transaction (2 bytes scaled to weight units).
	WitnessCommitmentTxWeight = 2

	// BaseCommitmentTxWeight is the base weight of the commitment
	// transaction before any outputs are added.
	//
	// It is calculated as: 4 * (version + locktime + input count +
	// output count + funding input) = 4 * (4 + 4 + 1 + 1 + 41) = 500.
	BaseCommitmentTxWeight = 500

	// WitnessHeaderSize is the weight of the transaction witness header:
	// the flag and marker bytes.
	WitnessHeaderSize = 2

	// MultiSigWitnessWeight is the weight of the witness spending the
	// 2-of-2 funding output: 1 (stack size) + 1 (empty elem) +
	// 2 * (1 + 73) (sig elems) + 1 + 71 (script elem).
	MultiSigWitnessWeight = 222

	// CommitWeight is the weight of a commitment transaction bearing no
	// HTLC outputs: base weight plus the to-local and to-remote outputs
	// plus the witness spending the funding output.
	CommitWeight = 724

	// HTLCWeight is the weight of an HTLC output on the commitment
	// transaction: 4 * (8 (value) + 1 (script len) + 34 (p2wsh script)).
	HTLCWeight = 172

	// HtlcTimeoutWeight is the weight of the HTLC timeout transaction
	// which will transition an outgoing HTLC to the delay-and-claim
	// state.
	HtlcTimeoutWeight = 663

	// HtlcSuccessWeight is the weight of the HTLC success transaction
	// which will transition an incoming HTLC to the delay-and-claim
	// state.
	HtlcSuccessWeight = 703

	// MaxHTLCNumber is the maximum number HTLCs which can be included in
	// a commitment transaction. This limit was chosen such that, in the
	// case of a contract breach, the punishment transaction is able to
	// sweep all the HTLC's yet still remain below the widely used
	// standard weight limits.
	MaxHTLCNumber = 966

	// P2WPKHSize is the size of a pay-to-witness-pubkey-hash output
	// script: OP_0 OP_DATA_20 <20-byte hash160>.
	P2WPKHSize = 22

	// P2WSHSize is the size of a pay-to-witness-script-hash output
	// script: OP_0 OP_DATA_32 <32-byte sha256>.
	P2WSHSize = 34
)
