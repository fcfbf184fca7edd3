package webhooks

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"
)

const secretPrefix = "whsec_"

// Sign returns the hex HMAC-SHA256 of payload keyed by secret. The payload
// must be the exact bytes sent on the wire.
func Sign(secret string, payload []byte) string {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write(payload)
	return hex.EncodeToString(h.Sum(nil))
}

// Verify checks signature against payload in constant time.
func Verify(secret string, payload []byte, signature string) bool {
	expected := Sign(secret, payload)
	return hmac.Equal([]byte(expected), []byte(signature))
}

// GenerateSecret returns a new endpoint signing secret.
func GenerateSecret() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("failed to generate webhook secret: %w", err)
	}
	return secretPrefix + hex.EncodeToString(b), nil
}

// Envelope is the body POSTed to endpoints. Field order is fixed so that the
// serialized form, and therefore the signature, is reproducible.
type Envelope struct {
	ID        string          `json:"id"`
	EventType string          `json:"eventType"`
	CreatedAt string          `json:"createdAt"`
	Data      json.RawMessage `json:"data"`
}

func NewEnvelope(eventID, eventType string, createdAt time.Time, data json.RawMessage) Envelope {
	if len(data) == 0 {
		data = json.RawMessage(`{}`)
	}
	return Envelope{
		ID:        eventID,
		EventType: eventType,
		CreatedAt: createdAt.UTC().Format(time.RFC3339Nano),
		Data:      data,
	}
}

// Marshal serializes the envelope compactly.
func (e Envelope) Marshal() ([]byte, error) {
	b, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("failed to encode webhook envelope: %w", err)
	}
	return b, nil
}
