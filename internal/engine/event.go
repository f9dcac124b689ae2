package engine

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Event is an immutable description of a business occurrence raised by the
// dealership application. The engine reads it; it never mutates it.
type Event struct {
	DealerID   string
	Module     string
	Type       string
	EntityType string
	EntityID   string

	Payload Payload

	// TriggeredBy is the acting user, excluded from the recipient set.
	TriggeredBy string

	// Priority is the event's base priority (0-100).
	Priority int
}

// Validate checks the fields the engine cannot work without.
func (e Event) Validate() error {
	if strings.TrimSpace(e.DealerID) == "" {
		return fmt.Errorf("event: dealer id is required")
	}
	if strings.TrimSpace(e.Module) == "" {
		return fmt.Errorf("event: module is required")
	}
	if strings.TrimSpace(e.Type) == "" {
		return fmt.Errorf("event: type is required")
	}
	if e.Priority < 0 || e.Priority > 100 {
		return fmt.Errorf("event: priority %d out of range", e.Priority)
	}
	return nil
}

// Payload kinds form a closed set; PayloadKindGeneric is the fallback for
// provider passthrough fields that have no dedicated variant.
const (
	PayloadKindStatusChange = "status_change"
	PayloadKindAssignment   = "assignment"
	PayloadKindComment      = "comment"
	PayloadKindGeneric      = "generic"
)

// Payload is the tagged union of event payload variants.
type Payload interface {
	Kind() string
	Summary() string
}

// StatusChangePayload describes an entity moving between statuses.
type StatusChangePayload struct {
	EntityName string `json:"entity_name"`
	OldStatus  string `json:"old_status"`
	NewStatus  string `json:"new_status"`
}

func (StatusChangePayload) Kind() string { return PayloadKindStatusChange }

func (p StatusChangePayload) Summary() string {
	return fmt.Sprintf("%s moved from %s to %s", p.EntityName, p.OldStatus, p.NewStatus)
}

// AssignmentPayload describes an entity being assigned to a user.
type AssignmentPayload struct {
	EntityName   string `json:"entity_name"`
	AssignedTo   string `json:"assigned_to"`
	AssignedName string `json:"assigned_name"`
}

func (AssignmentPayload) Kind() string { return PayloadKindAssignment }

func (p AssignmentPayload) Summary() string {
	return fmt.Sprintf("%s assigned to %s", p.EntityName, p.AssignedName)
}

// CommentPayload describes a comment added to an entity.
type CommentPayload struct {
	EntityName string `json:"entity_name"`
	Author     string `json:"author"`
	Comment    string `json:"comment"`
}

func (CommentPayload) Kind() string { return PayloadKindComment }

func (p CommentPayload) Summary() string {
	return fmt.Sprintf("%s commented on %s", p.Author, p.EntityName)
}

// GenericPayload carries free-form fields for events without a typed variant.
type GenericPayload map[string]any

func (GenericPayload) Kind() string { return PayloadKindGeneric }

func (p GenericPayload) Summary() string {
	if title, ok := p["title"].(string); ok && title != "" {
		return title
	}
	if msg, ok := p["message"].(string); ok && msg != "" {
		return msg
	}
	return "notification"
}

type payloadEnvelope struct {
	Kind string          `json:"kind"`
	Data json.RawMessage `json:"data"`
}

// EncodePayload serialises a payload with its kind tag for snapshotting into
// queue tasks and delivery log entries.
func EncodePayload(p Payload) ([]byte, error) {
	if p == nil {
		p = GenericPayload{}
	}
	data, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("event: encode payload: %w", err)
	}
	return json.Marshal(payloadEnvelope{Kind: p.Kind(), Data: data})
}

// DecodePayload restores a payload snapshot produced by EncodePayload.
func DecodePayload(raw []byte) (Payload, error) {
	if len(raw) == 0 {
		return GenericPayload{}, nil
	}

	var envelope payloadEnvelope
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return nil, fmt.Errorf("event: decode payload envelope: %w", err)
	}

	switch envelope.Kind {
	case PayloadKindStatusChange:
		var p StatusChangePayload
		if err := json.Unmarshal(envelope.Data, &p); err != nil {
			return nil, fmt.Errorf("event: decode status change payload: %w", err)
		}
		return p, nil
	case PayloadKindAssignment:
		var p AssignmentPayload
		if err := json.Unmarshal(envelope.Data, &p); err != nil {
			return nil, fmt.Errorf("event: decode assignment payload: %w", err)
		}
		return p, nil
	case PayloadKindComment:
		var p CommentPayload
		if err := json.Unmarshal(envelope.Data, &p); err != nil {
			return nil, fmt.Errorf("event: decode comment payload: %w", err)
		}
		return p, nil
	case PayloadKindGeneric, "":
		p := GenericPayload{}
		if len(envelope.Data) > 0 {
			if err := json.Unmarshal(envelope.Data, &p); err != nil {
				return nil, fmt.Errorf("event: decode generic payload: %w", err)
			}
		}
		return p, nil
	default:
		return nil, fmt.Errorf("event: unknown payload kind %q", envelope.Kind)
	}
}

// PayloadFromMap builds the best-fitting payload variant from a loose map,
// used when events arrive over the HTTP API.
func PayloadFromMap(eventType string, data map[string]any) Payload {
	if data == nil {
		data = map[string]any{}
	}

	str := func(key string) string {
		v, _ := data[key].(string)
		return v
	}

	switch {
	case str("old_status") != "" || str("new_status") != "":
		return StatusChangePayload{
			EntityName: str("entity_name"),
			OldStatus:  str("old_status"),
			NewStatus:  str("new_status"),
		}
	case str("assigned_to") != "":
		return AssignmentPayload{
			EntityName:   str("entity_name"),
			AssignedTo:   str("assigned_to"),
			AssignedName: str("assigned_name"),
		}
	case str("comment") != "":
		return CommentPayload{
			EntityName: str("entity_name"),
			Author:     str("author"),
			Comment:    str("comment"),
		}
	default:
		return GenericPayload(data)
	}
}
