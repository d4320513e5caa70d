// This package implements the room-key management and decryption pipeline for
// encrypted rooms. It tracks candidate room keys and their relative quality,
// maintains a bounded cache of live group-ratchet sessions, decrypts batches
// of ciphertext events against those sessions and records replay-detection
// state for every decrypted message index.
package megolm

import (
	"crypto/hmac"
	crypto_rand "crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"

	"github.com/meow-io/go-parley/crypto"
	"github.com/meow-io/go-parley/ids"
)

const Algorithm = "m.megolm.v1.aes-sha2"

// InboundSession is a live handle to a group-ratchet session. Handles are
// heavyweight and must be freed; the KeyLoader owns their lifecycle and
// callers only ever see one inside a UseKey callback.
type InboundSession interface {
	ID() ids.SessionID
	FirstKnownIndex() uint32
	Decrypt(ciphertext []byte) (plaintext []byte, messageIndex uint32, err error)
	Export(index uint32) ([]byte, error)
	Pickle(key []byte) ([]byte, error)
	Free()
}

// Cipher materializes inbound sessions from their three serialized forms.
type Cipher interface {
	Create(sessionKey []byte) (InboundSession, error)
	Import(exported []byte) (InboundSession, error)
	Unpickle(key, pickle []byte) (InboundSession, error)
}

// ratchetState is the serialized form of a session, both for session-key
// export and for pickling. The ratchet value is the hash-ratchet state at
// FirstKnownIndex; later indices are derived by advancing a copy.
type ratchetState struct {
	SessionID       ids.SessionID `json:"session_id"`
	FirstKnownIndex uint32        `json:"first_known_index"`
	Ratchet         []byte        `json:"ratchet"`
}

type messageEnvelope struct {
	SessionID  ids.SessionID `json:"session_id"`
	Index      uint32        `json:"index"`
	Ciphertext []byte        `json:"ciphertext"`
}

func advanceRatchet(r []byte) []byte {
	h := hmac.New(sha256.New, r)
	h.Write([]byte{1})
	return h.Sum(nil)
}

func ratchetMessageKey(r []byte) []byte {
	h := hmac.New(sha256.New, r)
	h.Write([]byte{2})
	return h.Sum(nil)
}

func messageAD(sessionID ids.SessionID, index uint32) []byte {
	return []byte(fmt.Sprintf("%s|%d", sessionID, index))
}

type ratchetSession struct {
	state ratchetState
	freed bool
}

func (s *ratchetSession) ID() ids.SessionID {
	return s.state.SessionID
}

func (s *ratchetSession) FirstKnownIndex() uint32 {
	return s.state.FirstKnownIndex
}

func (s *ratchetSession) Decrypt(ciphertext []byte) ([]byte, uint32, error) {
	if s.freed {
		panic("megolm: use of freed session")
	}
	var envelope messageEnvelope
	if err := json.Unmarshal(ciphertext, &envelope); err != nil {
		return nil, 0, fmt.Errorf("megolm: error decoding ciphertext envelope: %w", err)
	}
	if envelope.SessionID != s.state.SessionID {
		return nil, 0, fmt.Errorf("megolm: ciphertext for session %s, not %s", envelope.SessionID, s.state.SessionID)
	}
	if envelope.Index < s.state.FirstKnownIndex {
		return nil, 0, fmt.Errorf("megolm: message index %d before first known index %d", envelope.Index, s.state.FirstKnownIndex)
	}
	r := s.state.Ratchet
	for i := s.state.FirstKnownIndex; i < envelope.Index; i++ {
		r = advanceRatchet(r)
	}
	plaintext, err := crypto.DecryptWithKey(ratchetMessageKey(r), envelope.Ciphertext, messageAD(s.state.SessionID, envelope.Index))
	if err != nil {
		return nil, 0, fmt.Errorf("megolm: error decrypting at index %d: %w", envelope.Index, err)
	}
	return plaintext, envelope.Index, nil
}

func (s *ratchetSession) Export(index uint32) ([]byte, error) {
	if s.freed {
		panic("megolm: use of freed session")
	}
	if index < s.state.FirstKnownIndex {
		return nil, fmt.Errorf("megolm: cannot export at index %d, first known index is %d", index, s.state.FirstKnownIndex)
	}
	r := s.state.Ratchet
	for i := s.state.FirstKnownIndex; i < index; i++ {
		r = advanceRatchet(r)
	}
	return json.Marshal(&ratchetState{SessionID: s.state.SessionID, FirstKnownIndex: index, Ratchet: r})
}

func (s *ratchetSession) Pickle(key []byte) ([]byte, error) {
	if s.freed {
		panic("megolm: use of freed session")
	}
	plain, err := json.Marshal(&s.state)
	if err != nil {
		return nil, err
	}
	enc, err := crypto.EncryptWithKey(key, plain, []byte("pickle"))
	if err != nil {
		return nil, fmt.Errorf("megolm: error pickling session: %w", err)
	}
	return enc, nil
}

func (s *ratchetSession) Free() {
	for i := range s.state.Ratchet {
		s.state.Ratchet[i] = 0
	}
	s.freed = true
}

// RatchetCipher is the built-in Cipher implementation. Deployments backed by
// a native cryptography library inject their own Cipher instead.
type RatchetCipher struct{}

func NewRatchetCipher() *RatchetCipher {
	return &RatchetCipher{}
}

func (c *RatchetCipher) Create(sessionKey []byte) (InboundSession, error) {
	return c.Import(sessionKey)
}

func (c *RatchetCipher) Import(exported []byte) (InboundSession, error) {
	var state ratchetState
	if err := json.Unmarshal(exported, &state); err != nil {
		return nil, fmt.Errorf("megolm: error decoding session key: %w", err)
	}
	if state.SessionID == "" || len(state.Ratchet) != 32 {
		return nil, fmt.Errorf("megolm: malformed session key for session %q", state.SessionID)
	}
	return &ratchetSession{state: state}, nil
}

func (c *RatchetCipher) Unpickle(key, pickle []byte) (InboundSession, error) {
	plain, err := crypto.DecryptWithKey(key, pickle, []byte("pickle"))
	if err != nil {
		return nil, fmt.Errorf("megolm: error unpickling session: %w", err)
	}
	return c.Import(plain)
}

// OutboundSession is the sending half of a group-ratchet session. Its session
// key at the current index is shared with room members; an inbound copy made
// from it can decrypt everything from that index on.
type OutboundSession struct {
	state ratchetState
	index uint32
}

func NewOutboundSession() (*OutboundSession, error) {
	seed := make([]byte, 32)
	if _, err := io.ReadFull(crypto_rand.Reader, seed); err != nil {
		return nil, fmt.Errorf("megolm: short read from random source: %w", err)
	}
	idBytes := make([]byte, 16)
	if _, err := io.ReadFull(crypto_rand.Reader, idBytes); err != nil {
		return nil, fmt.Errorf("megolm: short read from random source: %w", err)
	}
	return &OutboundSession{
		state: ratchetState{
			SessionID:       ids.SessionID(base64.RawStdEncoding.EncodeToString(idBytes)),
			FirstKnownIndex: 0,
			Ratchet:         seed,
		},
	}, nil
}

func (o *OutboundSession) ID() ids.SessionID {
	return o.state.SessionID
}

func (o *OutboundSession) MessageIndex() uint32 {
	return o.index
}

func (o *OutboundSession) Encrypt(plaintext []byte) ([]byte, uint32, error) {
	r := o.state.Ratchet
	for i := o.state.FirstKnownIndex; i < o.index; i++ {
		r = advanceRatchet(r)
	}
	enc, err := crypto.EncryptWithKey(ratchetMessageKey(r), plaintext, messageAD(o.state.SessionID, o.index))
	if err != nil {
		return nil, 0, fmt.Errorf("megolm: error encrypting at index %d: %w", o.index, err)
	}
	envelope, err := json.Marshal(&messageEnvelope{SessionID: o.state.SessionID, Index: o.index, Ciphertext: enc})
	if err != nil {
		return nil, 0, err
	}
	index := o.index
	o.index++
	return envelope, index, nil
}

// SessionKey exports the ratchet at the current index for sharing.
func (o *OutboundSession) SessionKey() ([]byte, error) {
	r := o.state.Ratchet
	for i := o.state.FirstKnownIndex; i < o.index; i++ {
		r = advanceRatchet(r)
	}
	return json.Marshal(&ratchetState{SessionID: o.state.SessionID, FirstKnownIndex: o.index, Ratchet: r})
}
