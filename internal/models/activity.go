package models

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"
)

// Activity types written by inbound ingestion.
const (
	ActivityEmailReceived      = "email_received"
	ActivityEmailUnknownSender = "email_received_unknown_sender"
)

// Activity entity types.
const (
	EntityClient       = "client"
	EntityOrganization = "organization"
	EntityEmailMessage = "email_message"
)

// Activity is an append-only audit record shown on organization and client timelines.
type Activity struct {
	ID             string       `json:"id" db:"id"`
	OrganizationID string       `json:"organization_id" db:"organization_id"`
	UserID         string       `json:"user_id" db:"user_id"`
	Type           string       `json:"activity_type" db:"activity_type"`
	EntityType     string       `json:"entity_type" db:"entity_type"`
	EntityID       string       `json:"entity_id" db:"entity_id"`
	EntityName     string       `json:"entity_name" db:"entity_name"`
	Description    string       `json:"description" db:"description"`
	Metadata       ActivityMeta `json:"metadata" db:"metadata_json"`
	CreatedAt      time.Time    `json:"created_at" db:"created_at"`
}

// ActivityMeta is free-form activity metadata stored as a JSON object.
type ActivityMeta map[string]interface{}

// Value implements driver.Valuer.
func (m ActivityMeta) Value() (driver.Value, error) {
	if m == nil {
		return "{}", nil
	}
	data, err := json.Marshal(map[string]interface{}(m))
	if err != nil {
		return nil, err
	}
	return string(data), nil
}

// Scan implements sql.Scanner.
func (m *ActivityMeta) Scan(src interface{}) error {
	var raw []byte
	switch v := src.(type) {
	case nil:
		*m = nil
		return nil
	case string:
		raw = []byte(v)
	case []byte:
		raw = v
	default:
		return fmt.Errorf("unsupported type %T for ActivityMeta", src)
	}
	if len(raw) == 0 {
		*m = nil
		return nil
	}
	out := ActivityMeta{}
	if err := json.Unmarshal(raw, &out); err != nil {
		return fmt.Errorf("decode activity metadata: %w", err)
	}
	*m = out
	return nil
}
