package relay

import "github.com/cyclone-net/cyclone/crypt"

// tunnelKeys holds the two AES-128 keys one side of a tunnel derives
// from the DH handshake: encrypt with the shared secret as-is, decrypt
// with the shared secret derived from the inverted private key, per
// spec.md's documented quirk.
type tunnelKeys struct {
	encryptKey [16]byte
	decryptKey [16]byte
}

func deriveTunnelKeys(myPrivate, peerPublic crypt.DHKey) tunnelKeys {
	return tunnelKeys{
		encryptKey: crypt.DHSharedSecret(myPrivate, peerPublic),
		decryptKey: crypt.DHSharedSecret(myPrivate.Invert(), peerPublic),
	}
}

// zeroIV is used for every AES-CBC operation in this sample: the
// source never negotiates a per-message IV, and crypt.AESCBCEncrypt
// documents a zero IV as the wire-compatible choice for peers that
// don't.
var zeroIV [16]byte

func encryptPayload(key [16]byte, plaintext []byte) ([]byte, error) {
	return crypt.AESCBCEncrypt(key[:], zeroIV[:], plaintext)
}

func decryptPayload(key [16]byte, ciphertext []byte) ([]byte, error) {
	return crypt.AESCBCDecrypt(key[:], zeroIV[:], ciphertext)
}
