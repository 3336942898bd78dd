package agreement

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/mr-tron/base58"
)

// SignaturePayload is the exact byte content a party signs. The agreement
// hash inside it binds the signature to a specific content version.
type SignaturePayload struct {
	AgreementID   string `json:"agreementId"`
	AgreementHash string `json:"agreementHash"`
	SignerAddress string `json:"signerAddress"`
	Timestamp     int64  `json:"timestamp"`
	Nonce         string `json:"nonce"`
}

// SignatureEnvelope wraps a payload with its base58 ed25519 signature.
type SignatureEnvelope struct {
	Payload   SignaturePayload `json:"payload"`
	Signature string           `json:"signature"`
}

func payloadBytes(p SignaturePayload) ([]byte, error) {
	raw, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("agreement: marshal signature payload: %w", err)
	}
	return raw, nil
}

// NewSignaturePayload builds a payload for the given agreement and signer
// with a fresh 16-byte nonce.
func NewSignaturePayload(a *Agreement, signerAddress string) (SignaturePayload, error) {
	nonce := make([]byte, 16)
	if _, err := rand.Read(nonce); err != nil {
		return SignaturePayload{}, fmt.Errorf("agreement: nonce: %w", err)
	}
	return SignaturePayload{
		AgreementID:   a.ID,
		AgreementHash: a.Hash,
		SignerAddress: signerAddress,
		Timestamp:     time.Now().UnixMilli(),
		Nonce:         hex.EncodeToString(nonce),
	}, nil
}

// SignPayload signs the payload with the ed25519 private key and returns the
// completed envelope.
func SignPayload(payload SignaturePayload, priv ed25519.PrivateKey) (SignatureEnvelope, error) {
	raw, err := payloadBytes(payload)
	if err != nil {
		return SignatureEnvelope{}, err
	}
	sig := ed25519.Sign(priv, raw)
	return SignatureEnvelope{
		Payload:   payload,
		Signature: base58.Encode(sig),
	}, nil
}

// EncodeEnvelope serialises the envelope for storage inside a Party record.
func EncodeEnvelope(env SignatureEnvelope) (string, error) {
	raw, err := json.Marshal(env)
	if err != nil {
		return "", fmt.Errorf("agreement: encode envelope: %w", err)
	}
	return string(raw), nil
}

// DecodeEnvelope parses a stored signature envelope.
func DecodeEnvelope(encoded string) (SignatureEnvelope, error) {
	var env SignatureEnvelope
	if err := json.Unmarshal([]byte(encoded), &env); err != nil {
		return SignatureEnvelope{}, fmt.Errorf("agreement: decode envelope: %w", err)
	}
	return env, nil
}

// VerifyEnvelope checks that the envelope signs the given agreement's current
// hash. The signer address doubles as the base58 ed25519 public key.
func VerifyEnvelope(env SignatureEnvelope, a *Agreement) error {
	if env.Payload.AgreementID != a.ID {
		return fmt.Errorf("agreement: envelope signs agreement %s, not %s", env.Payload.AgreementID, a.ID)
	}
	if env.Payload.AgreementHash != a.Hash {
		return fmt.Errorf("agreement: envelope signs hash %s, current hash is %s", env.Payload.AgreementHash, a.Hash)
	}
	pub, err := base58.Decode(env.Payload.SignerAddress)
	if err != nil || len(pub) != ed25519.PublicKeySize {
		return fmt.Errorf("agreement: signer address is not a valid ed25519 public key")
	}
	sig, err := base58.Decode(env.Signature)
	if err != nil {
		return fmt.Errorf("agreement: malformed signature encoding")
	}
	raw, err := payloadBytes(env.Payload)
	if err != nil {
		return err
	}
	if !ed25519.Verify(ed25519.PublicKey(pub), raw, sig) {
		return fmt.Errorf("agreement: signature verification failed")
	}
	return nil
}
