package crypt

// DHKeySize is the size in bytes of a DH128 public/private key or shared secret.
const DHKeySize = 16

// DHKey is a 128-bit Diffie-Hellman key (public, private, or shared secret).
type DHKey [DHKeySize]byte

// dhPrime is P = 2^128 - 159, the largest prime below 2^128.
var dhPrime = uint128{low: 0xffffffffffffff61, high: 0xffffffffffffffff}

// dhInvertP is 2^128 - P = 159, used by the doubling step below.
var dhInvertP = uint128{low: 159, high: 0}

// dhGenerator is the group generator G = 5.
var dhGenerator = uint128{low: 5, high: 0}

// mulModP computes a*b mod P using the doubling-and-conditional-subtract
// algorithm from the original DH implementation (not schoolbook or
// Montgomery multiplication) so intermediate values never need more than
// 128 bits — this is the property that makes the port bit-exact.
func mulModP(a, b uint128) uint128 {
	var r uint128
	for !b.isZero() {
		if b.isOdd() {
			t := dhPrime.sub(a)
			if r.compare(t) >= 0 {
				r = r.sub(t)
			} else {
				r = r.add(a)
			}
		}

		doubleA := a.shiftLeft()
		pMinusA := dhPrime.sub(a)
		if a.compare(pMinusA) >= 0 {
			a = doubleA.add(dhInvertP)
		} else {
			a = doubleA
		}
		b = b.shiftRight()
	}
	return r
}

// powModP computes a^b mod P by the same recursive doubling the source
// uses: recurse on b>>1, square the result, multiply by a if b is odd.
func powModP(a, b uint128) uint128 {
	if b.high == 0 && b.low == 1 {
		return a
	}
	halfB := b.shiftRight()
	t := powModP(a, halfB)
	t = mulModP(t, t)
	if b.isOdd() {
		t = mulModP(t, a)
	}
	return t
}

func powModPReduced(a, b uint128) uint128 {
	if a.compare(dhPrime) > 0 {
		a = a.sub(dhPrime)
	}
	return powModP(a, b)
}

// DHGenerateKeyPair creates a new random private key and its corresponding
// public key, public = G^private mod P.
func DHGenerateKeyPair() (public, private DHKey) {
	priv := randomUint128()
	pub := powModPReduced(dhGenerator, priv)

	private = DHKey(priv.bytes())
	public = DHKey(pub.bytes())
	return public, private
}

// DHSharedSecret derives the shared secret peerPublic^myPrivate mod P.
func DHSharedSecret(myPrivate, peerPublic DHKey) DHKey {
	priv := uint128FromBytes(myPrivate)
	peer := uint128FromBytes(peerPublic)
	secret := powModPReduced(peer, priv)
	return DHKey(secret.bytes())
}

// Invert returns the bitwise complement of a key. The relay sample derives
// its decryption schedule from the bitwise-NOT of the local private key —
// a quirk of the original wire format, preserved here rather than "fixed".
func (k DHKey) Invert() DHKey {
	var out DHKey
	for i, b := range k {
		out[i] = ^b
	}
	return out
}
