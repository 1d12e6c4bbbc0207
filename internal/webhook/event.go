package webhook

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	_ "embed"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// Event types emitted by the identity provider.
const (
	InternalUserDeleted = "internalUser.deleted"
	ClientCreated       = "client.created"
	ClientUpdated       = "client.updated"
	ClientDeleted       = "client.deleted"
	CompanyDeleted      = "company.deleted"
)

// SignatureHeader carries "sha256=<hex hmac of the raw body>".
const SignatureHeader = "X-Webhook-Signature"

var (
	ErrInvalidEvent     = errors.New("invalid webhook event")
	ErrInvalidSignature = errors.New("invalid webhook signature")
)

// Entity is the subset of the changed record the handler reads.
type Entity struct {
	ID          string `json:"id"`
	CompanyID   string `json:"companyId,omitempty"`
	WorkspaceID string `json:"workspaceId,omitempty"`
}

type Event struct {
	Type               string  `json:"eventType"`
	Data               Entity  `json:"data"`
	PreviousAttributes *Entity `json:"previousAttributes,omitempty"`
	Timestamp          string  `json:"timestamp,omitempty"`

	digest string
}

// CompanyChanged reports whether a client.updated event moved the client.
// previousAttributes lists only changed fields, so a missing companyId means
// the company is unchanged.
func (e Event) CompanyChanged() bool {
	if e.PreviousAttributes == nil || e.PreviousAttributes.CompanyID == "" {
		return false
	}
	return e.PreviousAttributes.CompanyID != e.Data.CompanyID
}

// ReceiptKey is the timestamp half of the replay key. Events without a
// timestamp fall back to a digest of their body.
func (e Event) ReceiptKey() string {
	if e.Timestamp != "" {
		return e.Timestamp
	}
	if e.digest != "" {
		return "sha256:" + e.digest
	}
	raw, _ := json.Marshal(e)
	sum := sha256.Sum256(raw)
	return "sha256:" + hex.EncodeToString(sum[:])
}

//go:embed schemas/event.json
var eventSchemaJSON []byte

var (
	schemaOnce sync.Once
	schema     *jsonschema.Schema
	schemaErr  error
)

func eventSchema() (*jsonschema.Schema, error) {
	schemaOnce.Do(func() {
		doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(eventSchemaJSON))
		if err != nil {
			schemaErr = err
			return
		}
		c := jsonschema.NewCompiler()
		const url = "https://taskline.dev/schemas/webhook/event.json"
		if err := c.AddResource(url, doc); err != nil {
			schemaErr = err
			return
		}
		schema, schemaErr = c.Compile(url)
	})
	return schema, schemaErr
}

// Parse validates body against the event schema and decodes it.
func Parse(body []byte) (Event, error) {
	sch, err := eventSchema()
	if err != nil {
		return Event{}, fmt.Errorf("load webhook schema: %w", err)
	}
	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(body))
	if err != nil {
		return Event{}, fmt.Errorf("%w: %v", ErrInvalidEvent, err)
	}
	if err := sch.Validate(inst); err != nil {
		return Event{}, fmt.Errorf("%w: %v", ErrInvalidEvent, err)
	}
	var evt Event
	if err := json.Unmarshal(body, &evt); err != nil {
		return Event{}, fmt.Errorf("%w: %v", ErrInvalidEvent, err)
	}
	sum := sha256.Sum256(body)
	evt.digest = hex.EncodeToString(sum[:])
	return evt, nil
}

// Sign returns the header value for body.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	_, _ = mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature checks header against the HMAC of body.
func VerifySignature(secret, header string, body []byte) error {
	if secret == "" {
		return fmt.Errorf("%w: no webhook secret configured", ErrInvalidSignature)
	}
	sig, ok := strings.CutPrefix(strings.TrimSpace(header), "sha256=")
	if !ok || sig == "" {
		return fmt.Errorf("%w: missing %s", ErrInvalidSignature, SignatureHeader)
	}
	want := Sign(secret, body)[len("sha256="):]
	if !hmac.Equal([]byte(strings.ToLower(sig)), []byte(want)) {
		return ErrInvalidSignature
	}
	return nil
}
