package sphinx

import (
	"crypto/hmac"
	"crypto/sha256"

	"github.com/btcsuite/btcd/btcec/v2"
	"golang.org/x/crypto/chacha20"
)

const (
	// HMACSize is the length of the HMACs used to verify the integrity of
	// the onion.
	HMACSize = 32

	// keyLen is the length of the keys used to generate cipher streams
	// and encrypt payloads. Since we use SHA256 to generate the keys, the
	// maximum length currently is 32 bytes.
	keyLen = 32
)

// Hash256 is a statically sized, 32-byte array, typically containing
// the output of a SHA256 hash.
type Hash256 [sha256.Size]byte

// zeroHash represents a initialized HMAC.
var zeroHash Hash256

// calcMac calculates HMAC-SHA-256 over the message using the passed secret
// key as input to the HMAC.
func calcMac(key [keyLen]byte, msg []byte) [HMACSize]byte {
	hmac := hmac.New(sha256.New, key[:])
	hmac.Write(msg)
	h := hmac.Sum(nil)

	var mac [HMACSize]byte
	copy(mac[:], h[:HMACSize])

	return mac
}

// xor computes the byte wise XOR of a and b, storing the result in dst.
// Only the frist `min(len(a), len(b))` bytes will be xor'd.
func xor(dst, a, b []byte) int {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	for i := 0; i < n; i++ {
		dst[i] = a[i] ^ b[i]
	}
	return n
}

// generateKey generates a new key for usage in Sphinx packet
// construction/processing based off of the denoted keyType. Within Sphinx
// various keys are used within the same onion packet for padding generation,
// MAC generation, and encryption/decryption.
func generateKey(keyType string, sharedKey *Hash256) [keyLen]byte {
	mac := hmac.New(sha256.New, []byte(keyType))
	mac.Write(sharedKey[:])
	h := mac.Sum(nil)

	var key [keyLen]byte
	copy(key[:], h[:keyLen])

	return key
}

// generateCipherStream generates a stream of cryptographic psuedo-random
// bytes intended to be used to encrypt a message using a one-time-pad like
// construction.
func generateCipherStream(key [keyLen]byte, numBytes uint) []byte {
	// The nonce is kept at zero as each key is only ever used once within
	// the protocol.
	var nonce [chacha20.NonceSize]byte
	cipher, err := chacha20.NewUnauthenticatedCipher(key[:], nonce[:])
	if err != nil {
		panic(err)
	}

	output := make([]byte, numBytes)
	cipher.XORKeyStream(output, output)

	return output
}

// computeBlindingFactor for the next hop given the ephemeral pubKey and
// sharedSecret for this hop. The blinding factor is computed as the
// sha-256(pubkey || sharedSecret).
func computeBlindingFactor(hopPubKey *btcec.PublicKey,
	hopSharedSecret []byte) Hash256 {

	sha := sha256.New()
	sha.Write(hopPubKey.SerializeCompressed())
	sha.Write(hopSharedSecret)

	var hash Hash256
	copy(hash[:], sha.Sum(nil))
	return hash
}

// blindGroupElement blinds the group element P by performing scalar
// multiplication of the group element by blindingFactor: blindingFactor * P.
func blindGroupElement(hopPubKey *btcec.PublicKey,
	blindingFactor []byte) *btcec.PublicKey {

	var scalar btcec.ModNScalar
	scalar.SetByteSlice(blindingFactor)

	var (
		pubJ btcec.JacobianPoint
		resJ btcec.JacobianPoint
	)
	hopPubKey.AsJacobian(&pubJ)
	btcec.ScalarMultNonConst(&scalar, &pubJ, &resJ)
	resJ.ToAffine()

	return btcec.NewPublicKey(&resJ.X, &resJ.Y)
}

// generateSharedSecret computes the shared secret between the passed private
// key and remote public key: sha256(compressed(k*P)).
func generateSharedSecret(pub *btcec.PublicKey,
	priv *btcec.PrivateKey) Hash256 {

	var (
		pubJ btcec.JacobianPoint
		sJ   btcec.JacobianPoint
	)
	pub.AsJacobian(&pubJ)
	btcec.ScalarMultNonConst(&priv.Key, &pubJ, &sJ)
	sJ.ToAffine()

	sPub := btcec.NewPublicKey(&sJ.X, &sJ.Y)

	var h Hash256
	copy(h[:], chainhashB(sPub.SerializeCompressed()))
	return h
}

// chainhashB returns the sha256 of the passed bytes.
func chainhashB(b []byte) []byte {
	h := sha256.Sum256(b)
	return h[:]
}

// generateSharedSecrets by the given nodes pubkeys, generates the shared
// secrets.
func generateSharedSecrets(paymentPath []*btcec.PublicKey,
	sessionKey *btcec.PrivateKey) []Hash256 {

	// Each hop performs ECDH with our ephemeral key pair to arrive at a
	// shared secret. Additionally, each hop randomizes the group element
	// for the next hop by multiplying it by the blinding factor. This way
	// we only need to transmit a single group element, and hops can't link
	// a session back to us if they have several nodes in the path.
	numHops := len(paymentPath)
	hopSharedSecrets := make([]Hash256, numHops)

	// Compute the triplet for the first hop outside of the main loop.
	// Within the loop each new triplet will be computed recursively based
	// off of the blinding factor of the last hop.
	lastEphemeralPubKey := sessionKey.PubKey()
	hopSharedSecrets[0] = generateSharedSecret(paymentPath[0], sessionKey)
	lastBlindingFactor := computeBlindingFactor(
		lastEphemeralPubKey, hopSharedSecrets[0][:],
	)

	// The cached blinding factor will contain the running product of the
	// session private key x and blinding factors b_i, computed as
	//   c_0 = x
	//   c_i = c_{i-1} * b_{i-1}             (mod |F(G)|).
	//       = x * b_0 * b_1 * ... * b_{i-1} (mod |F(G)|).
	var cachedBlindingFactor btcec.ModNScalar
	cachedBlindingFactor.Set(&sessionKey.Key)

	// Now recursively compute the cached blinding factor, ephemeral ECDH
	// pub keys, and shared secret for each hop.
	for i := 1; i <= numHops-1; i++ {
		// a_i = g ^ c_i
		//     = g^( x * b_0 * ... * b_{i-1} )
		//     = X^( b_0 * ... * b_{i-1} )
		// X_our_session_pub_key x all prev blinding factors
		var b btcec.ModNScalar
		b.SetBytes((*[32]byte)(&lastBlindingFactor))
		cachedBlindingFactor.Mul(&b)

		currentEphemeralPubKey := blindGroupElement(
			lastEphemeralPubKey, lastBlindingFactor[:],
		)

		// e_i = Y_i ^ c_i
		//     = ( Y_i ^ x )^( b_0 * ... * b_{i-1} )
		// (Y_their_pub_key x x_our_priv) x all prev blinding factors
		cachedBytes := cachedBlindingFactor.Bytes()
		yToX := blindGroupElement(paymentPath[i], cachedBytes[:])

		var h Hash256
		copy(h[:], chainhashB(yToX.SerializeCompressed()))
		hopSharedSecrets[i] = h

		// b_i = H( a_i || e_i )
		lastBlindingFactor = computeBlindingFactor(
			currentEphemeralPubKey, hopSharedSecrets[i][:],
		)

		lastEphemeralPubKey = currentEphemeralPubKey
	}

	return hopSharedSecrets
}
