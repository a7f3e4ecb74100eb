package hub

import (
	"encoding/json"
	"sort"
	"sync"

	"github.com/cauce-dev/cauce-hub/internal/protocol"
)

// signalSchema and actionSchema are the built-in envelope definitions served
// from the schema catalog.
const signalSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "title": "Signal",
  "type": "object",
  "required": ["id", "version", "timestamp", "source", "topic", "payload"],
  "properties": {
    "id": {"type": "string", "pattern": "^sig_[0-9]+_[A-Za-z0-9]{12}$"},
    "version": {"type": "string"},
    "timestamp": {"type": "string", "format": "date-time"},
    "source": {
      "type": "object",
      "required": ["type", "adapter_id"],
      "properties": {
        "type": {"type": "string"},
        "adapter_id": {"type": "string"},
        "native_id": {"type": "string"}
      }
    },
    "topic": {"type": "string", "maxLength": 255},
    "payload": {
      "type": "object",
      "required": ["raw", "content_type"],
      "properties": {
        "raw": {},
        "content_type": {"type": "string"},
        "size_bytes": {"type": "integer"}
      }
    },
    "metadata": {
      "type": "object",
      "properties": {
        "thread_id": {"type": "string"},
        "in_reply_to": {"type": "string"},
        "references": {"type": "array", "items": {"type": "string"}},
        "priority": {"enum": ["low", "normal", "high", "urgent"]},
        "tags": {"type": "array", "items": {"type": "string"}}
      }
    },
    "encrypted": {
      "type": "object",
      "required": ["algorithm", "ciphertext"],
      "properties": {
        "algorithm": {"type": "string"},
        "key_id": {"type": "string"},
        "ciphertext": {"type": "string"},
        "nonce": {"type": "string"}
      }
    }
  }
}`

const actionSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "title": "Action",
  "type": "object",
  "required": ["id", "version", "timestamp", "source", "topic", "action"],
  "properties": {
    "id": {"type": "string", "pattern": "^act_[0-9]+_[A-Za-z0-9]{12}$"},
    "version": {"type": "string"},
    "timestamp": {"type": "string", "format": "date-time"},
    "source": {"type": "object"},
    "topic": {"type": "string", "maxLength": 255},
    "action": {
      "type": "object",
      "required": ["type", "payload"],
      "properties": {
        "type": {"enum": ["send", "reply", "forward", "react", "update", "delete"]},
        "target": {"type": "string"},
        "payload": {}
      }
    },
    "context": {
      "type": "object",
      "properties": {
        "in_reply_to": {"type": "string"},
        "correlation_id": {"type": "string"}
      }
    }
  }
}`

// SchemaRegistry serves the schema catalog. Built-ins are always present;
// Register lets deployments add their own payload schemas.
type SchemaRegistry struct {
	mu   sync.RWMutex
	docs map[string]*protocol.SchemaDocument
}

func NewSchemaRegistry() *SchemaRegistry {
	r := &SchemaRegistry{docs: make(map[string]*protocol.SchemaDocument)}
	r.Register("signal", protocol.ProtocolVersion, json.RawMessage(signalSchema))
	r.Register("action", protocol.ProtocolVersion, json.RawMessage(actionSchema))
	return r
}

// Register adds or replaces a schema document.
func (r *SchemaRegistry) Register(name, version string, definition json.RawMessage) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.docs[name] = &protocol.SchemaDocument{
		SchemaInfo: protocol.SchemaInfo{Name: name, Version: version},
		Definition: definition,
	}
}

// List returns the catalog sorted by name.
func (r *SchemaRegistry) List() []protocol.SchemaInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]protocol.SchemaInfo, 0, len(r.docs))
	for _, doc := range r.docs {
		out = append(out, doc.SchemaInfo)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Get fetches one schema document.
func (r *SchemaRegistry) Get(name string) (*protocol.SchemaDocument, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	doc, ok := r.docs[name]
	return doc, ok
}
