package schema

import (
	"crypto/sha256"
	"encoding/hex"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
)

// DefaultEndpointPath is where the ingestion API accepts events.
const DefaultEndpointPath = "/v1/events"

// DefaultMethod is the HTTP method used for event delivery.
const DefaultMethod = "POST"

// SpoolRecord is the unit of durable work: one event payload awaiting
// delivery to the ingestion API. A record's state (queued, in-flight, dead)
// is never stored in the record itself; it is encoded by the name and
// location of the file that holds it.
type SpoolRecord struct {
	ID             string            `json:"id"`
	CreatedAt      time.Time         `json:"created_at"`
	NextAttemptAt  time.Time         `json:"next_attempt_at"`
	Attempt        int               `json:"attempt"`
	IdempotencyKey string            `json:"idempotency_key"`
	BaseURL        string            `json:"base_url"`
	EndpointPath   string            `json:"endpoint_path"`
	Method         string            `json:"method"`
	Headers        map[string]string `json:"headers,omitempty"`
	RequestJSON    json.RawMessage   `json:"request_json"`
	RequestSHA256  string            `json:"request_sha256"`
	RunID          string            `json:"run_id"`
	PlayerID       string            `json:"player_id"`
	LastError      string            `json:"last_error,omitempty"`
}

// NewRecord creates a SpoolRecord with required fields and sensible defaults.
// The record is immediately eligible for delivery (NextAttemptAt = now) and
// carries a freshly generated idempotency key, which must never change across
// retries of the same record.
func NewRecord(
	payload json.RawMessage,
	headers map[string]string,
	baseURL, runID, playerID string,
) *SpoolRecord {
	now := time.Now().UTC()
	return &SpoolRecord{
		ID:             uuid.New().String(),
		CreatedAt:      now,
		NextAttemptAt:  now,
		Attempt:        0,
		IdempotencyKey: uuid.New().String(),
		BaseURL:        baseURL,
		EndpointPath:   DefaultEndpointPath,
		Method:         DefaultMethod,
		Headers:        headers,
		RequestJSON:    payload,
		RequestSHA256:  PayloadSHA256(payload),
		RunID:          runID,
		PlayerID:       playerID,
	}
}

// PayloadSHA256 returns the hex digest of the canonical (compact) encoding of
// a JSON payload. Carried on the record for integrity checks and debugging;
// deduplication is the idempotency key's job, not the hash's.
func PayloadSHA256(payload json.RawMessage) string {
	canonical, err := canonicalize(payload)
	if err != nil {
		// Hash the raw bytes if the payload is not valid JSON; the sender
		// validates the payload separately before any network call.
		canonical = payload
	}
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:])
}

func canonicalize(payload json.RawMessage) ([]byte, error) {
	var v interface{}
	if err := json.Unmarshal(payload, &v); err != nil {
		return nil, err
	}
	return json.Marshal(v)
}
