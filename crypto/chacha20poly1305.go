package crypto

import (
	crypto_rand "crypto/rand"

	"github.com/kevinburke/nacl"
	"github.com/kevinburke/nacl/box"
	"github.com/kevinburke/nacl/scalarmult"
	"golang.org/x/crypto/chacha20poly1305"
)

var zeroNonce12 = []byte{0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0}

func SliceToKey(b []byte) nacl.Key {
	return nacl.Key(b)
}

func EncryptWithDH(pub, priv, msg, ad []byte) ([]byte, error) {
	key := box.Precompute(SliceToKey(pub), SliceToKey(priv))
	return EncryptWithKey(key[:], msg, ad)
}

func DecryptWithDH(pub, priv, enc, ad []byte) ([]byte, error) {
	key := box.Precompute(SliceToKey(pub), SliceToKey(priv))
	return DecryptWithKey(key[:], enc, ad)
}

func EncryptWithKey(key, msg, ad []byte) ([]byte, error) {
	if len(key) != 32 {
		panic("key is wrong length")
	}
	cipher, err := chacha20poly1305.New(key[:])
	if err != nil {
		return nil, err
	}
	return cipher.Seal(nil, zeroNonce12, msg, ad), nil
}

func DecryptWithKey(key, enc, ad []byte) ([]byte, error) {
	if len(key) != 32 {
		panic("key is wrong length")
	}
	cipher, err := chacha20poly1305.New(key[:])
	if err != nil {
		return nil, err
	}
	return cipher.Open(nil, zeroNonce12, enc, ad)
}

// A SealedMessage is a message encrypted to a recipient public key with a
// single-use ephemeral keypair. The ephemeral public key travels with the
// ciphertext; the private half is discarded after sealing.
type SealedMessage struct {
	Ephemeral  []byte `json:"ephemeral"`
	Ciphertext []byte `json:"ciphertext"`
}

func Seal(recipientPub, msg, ad []byte) (*SealedMessage, error) {
	ephPub, ephPriv, err := box.GenerateKey(crypto_rand.Reader)
	if err != nil {
		return nil, err
	}
	enc, err := EncryptWithDH(recipientPub, ephPriv[:], msg, ad)
	if err != nil {
		return nil, err
	}
	return &SealedMessage{Ephemeral: ephPub[:], Ciphertext: enc}, nil
}

func OpenSealed(recipientPriv []byte, sm *SealedMessage, ad []byte) ([]byte, error) {
	return DecryptWithDH(sm.Ephemeral, recipientPriv, sm.Ciphertext, ad)
}

// PublicKeyForPrivate derives the curve25519 public key for a private key.
func PublicKeyForPrivate(priv []byte) []byte {
	return scalarmult.Base((*[32]byte)(SliceToKey(priv)))[:]
}
