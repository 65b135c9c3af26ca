package crypt

import "testing"

func TestDH128SharedSecretAgrees(t *testing.T) {
	alicePublic, alicePrivate := DHGenerateKeyPair()
	bobPublic, bobPrivate := DHGenerateKeyPair()

	aliceKey := DHSharedSecret(alicePrivate, bobPublic)
	bobKey := DHSharedSecret(bobPrivate, alicePublic)

	if aliceKey != bobKey {
		t.Fatalf("shared secrets disagree:\nalice=%x\nbob=%x", aliceKey, bobKey)
	}
}

func TestDH128KeyPairsAreNotTriviallyDegenerate(t *testing.T) {
	pub1, priv1 := DHGenerateKeyPair()
	pub2, priv2 := DHGenerateKeyPair()

	if pub1 == pub2 {
		t.Fatal("two independently generated public keys collided")
	}
	if priv1 == priv2 {
		t.Fatal("two independently generated private keys collided")
	}

	var zero DHKey
	if pub1 == zero || priv1 == zero {
		t.Fatal("generated key was all-zero")
	}
}

func TestDH128InvertIsInvolution(t *testing.T) {
	pub, _ := DHGenerateKeyPair()
	if pub.Invert().Invert() != pub {
		t.Fatal("Invert applied twice did not return the original key")
	}
	if pub.Invert() == pub {
		t.Fatal("Invert returned the same key unchanged")
	}
}

func TestMulModPStaysBelowPrime(t *testing.T) {
	a := uint128{low: 0xffffffffffffffff, high: 0xffffffffffffffff}
	b := uint128{low: 0xffffffffffffffff, high: 0xffffffffffffffff}

	r := mulModP(a, b)
	if r.compare(dhPrime) >= 0 {
		t.Fatalf("mulModP result %v did not reduce below P", r)
	}
}
