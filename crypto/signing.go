package crypto

import (
	"crypto/ed25519"
	"encoding/base64"
	"encoding/json"
	"fmt"
)

// CanonicalJSON re-encodes a JSON object with lexically sorted keys and no
// insignificant whitespace, after removing the signatures and unsigned
// fields. This is the byte string device self-signatures are computed over.
func CanonicalJSON(raw json.RawMessage) ([]byte, error) {
	var obj map[string]interface{}
	if err := json.Unmarshal(raw, &obj); err != nil {
		return nil, fmt.Errorf("crypto: error decoding signed object: %w", err)
	}
	delete(obj, "signatures")
	delete(obj, "unsigned")
	// encoding/json sorts map keys and emits compact output.
	return json.Marshal(obj)
}

// VerifySignedJSON checks an ed25519 signature embedded in a signed JSON
// object at signatures.<entity>.<keyID>. The key is unpadded base64.
func VerifySignedJSON(raw json.RawMessage, entity, keyID, publicKey string) error {
	var envelope struct {
		Signatures map[string]map[string]string `json:"signatures"`
	}
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return fmt.Errorf("crypto: error decoding signatures: %w", err)
	}
	sigB64, ok := envelope.Signatures[entity][keyID]
	if !ok {
		return fmt.Errorf("crypto: no signature from %s with key %s", entity, keyID)
	}
	sig, err := base64.RawStdEncoding.DecodeString(sigB64)
	if err != nil {
		return fmt.Errorf("crypto: error decoding signature: %w", err)
	}
	pub, err := base64.RawStdEncoding.DecodeString(publicKey)
	if err != nil {
		return fmt.Errorf("crypto: error decoding public key: %w", err)
	}
	if len(pub) != ed25519.PublicKeySize {
		return fmt.Errorf("crypto: expected public key of length %d, got %d", ed25519.PublicKeySize, len(pub))
	}
	canonical, err := CanonicalJSON(raw)
	if err != nil {
		return err
	}
	if !ed25519.Verify(ed25519.PublicKey(pub), canonical, sig) {
		return fmt.Errorf("crypto: signature from %s with key %s does not verify", entity, keyID)
	}
	return nil
}

// SignJSON produces the signature for a JSON object as VerifySignedJSON
// expects it, without embedding it.
func SignJSON(raw json.RawMessage, priv ed25519.PrivateKey) (string, error) {
	canonical, err := CanonicalJSON(raw)
	if err != nil {
		return "", err
	}
	return base64.RawStdEncoding.EncodeToString(ed25519.Sign(priv, canonical)), nil
}
