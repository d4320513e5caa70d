package megolm

import (
	"testing"

	"github.com/stretchr/testify/require"
)

var pickleKey = []byte{0, 1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12, 13, 14, 15, 16, 17, 18, 19, 20, 21, 22, 23, 24, 25, 26, 27, 28, 29, 30, 31}

func TestSessionRoundTrip(t *testing.T) {
	require := require.New(t)

	outbound, err := NewOutboundSession()
	require.Nil(err)
	sessionKey, err := outbound.SessionKey()
	require.Nil(err)

	cipher := NewRatchetCipher()
	inbound, err := cipher.Create(sessionKey)
	require.Nil(err)
	defer inbound.Free()
	require.Equal(outbound.ID(), inbound.ID())
	require.Equal(uint32(0), inbound.FirstKnownIndex())

	for i := 0; i < 3; i++ {
		envelope, index, err := outbound.Encrypt([]byte(`{"body":"hi"}`))
		require.Nil(err)
		require.Equal(uint32(i), index)
		plaintext, gotIndex, err := inbound.Decrypt(envelope)
		require.Nil(err)
		require.Equal(uint32(i), gotIndex)
		require.Equal([]byte(`{"body":"hi"}`), plaintext)
	}
}

func TestSessionKeyAtLaterIndex(t *testing.T) {
	require := require.New(t)

	outbound, err := NewOutboundSession()
	require.Nil(err)
	first, _, err := outbound.Encrypt([]byte("one"))
	require.Nil(err)
	second, _, err := outbound.Encrypt([]byte("two"))
	require.Nil(err)

	// a key shared after the first message only covers the second
	sessionKey, err := outbound.SessionKey()
	require.Nil(err)
	cipher := NewRatchetCipher()
	inbound, err := cipher.Create(sessionKey)
	require.Nil(err)
	defer inbound.Free()
	require.Equal(uint32(2), inbound.FirstKnownIndex())

	_, _, err = inbound.Decrypt(first)
	require.NotNil(err)
	_, _, err = inbound.Decrypt(second)
	require.NotNil(err)

	third, _, err := outbound.Encrypt([]byte("three"))
	require.Nil(err)
	plaintext, index, err := inbound.Decrypt(third)
	require.Nil(err)
	require.Equal(uint32(2), index)
	require.Equal([]byte("three"), plaintext)
}

func TestSessionExport(t *testing.T) {
	require := require.New(t)

	outbound, err := NewOutboundSession()
	require.Nil(err)
	sessionKey, err := outbound.SessionKey()
	require.Nil(err)

	var envelopes [][]byte
	for i := 0; i < 4; i++ {
		envelope, _, err := outbound.Encrypt([]byte("msg"))
		require.Nil(err)
		envelopes = append(envelopes, envelope)
	}

	cipher := NewRatchetCipher()
	full, err := cipher.Create(sessionKey)
	require.Nil(err)
	defer full.Free()

	exported, err := full.Export(2)
	require.Nil(err)
	partial, err := cipher.Import(exported)
	require.Nil(err)
	defer partial.Free()
	require.Equal(uint32(2), partial.FirstKnownIndex())

	_, _, err = partial.Decrypt(envelopes[1])
	require.NotNil(err)
	plaintext, index, err := partial.Decrypt(envelopes[3])
	require.Nil(err)
	require.Equal(uint32(3), index)
	require.Equal([]byte("msg"), plaintext)

	_, err = full.Export(0)
	require.Nil(err)
	_, err = partial.Export(1)
	require.NotNil(err)
}

func TestSessionPickle(t *testing.T) {
	require := require.New(t)

	outbound, err := NewOutboundSession()
	require.Nil(err)
	sessionKey, err := outbound.SessionKey()
	require.Nil(err)
	envelope, _, err := outbound.Encrypt([]byte("pickled"))
	require.Nil(err)

	cipher := NewRatchetCipher()
	inbound, err := cipher.Create(sessionKey)
	require.Nil(err)
	pickle, err := inbound.Pickle(pickleKey)
	require.Nil(err)
	inbound.Free()

	restored, err := cipher.Unpickle(pickleKey, pickle)
	require.Nil(err)
	defer restored.Free()
	plaintext, _, err := restored.Decrypt(envelope)
	require.Nil(err)
	require.Equal([]byte("pickled"), plaintext)

	wrongKey := make([]byte, 32)
	_, err = cipher.Unpickle(wrongKey, pickle)
	require.NotNil(err)
}

func TestSessionRejectsWrongSession(t *testing.T) {
	require := require.New(t)

	out1, err := NewOutboundSession()
	require.Nil(err)
	out2, err := NewOutboundSession()
	require.Nil(err)
	sessionKey, err := out1.SessionKey()
	require.Nil(err)
	envelope, _, err := out2.Encrypt([]byte("stray"))
	require.Nil(err)

	cipher := NewRatchetCipher()
	inbound, err := cipher.Create(sessionKey)
	require.Nil(err)
	defer inbound.Free()
	_, _, err = inbound.Decrypt(envelope)
	require.NotNil(err)
}

func TestFreedSessionPanics(t *testing.T) {
	require := require.New(t)

	outbound, err := NewOutboundSession()
	require.Nil(err)
	sessionKey, err := outbound.SessionKey()
	require.Nil(err)
	cipher := NewRatchetCipher()
	inbound, err := cipher.Create(sessionKey)
	require.Nil(err)
	inbound.Free()
	require.Panics(func() {
		_, _, _ = inbound.Decrypt([]byte("{}"))
	})
}
