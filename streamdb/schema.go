package streamdb

import (
	"encoding/json"
	"fmt"
)

var reservedCollectionNames = map[string]bool{
	"collections": true,
	"preload":     true,
	"close":       true,
	"aclose":      true,
	"utils":       true,
	"actions":     true,
}

// CollectionDefinition declares one materialized collection: its name (also
// the wire "type" discriminator) and the field of each incoming value that
// ValidateIncoming sets to the event's key.
type CollectionDefinition struct {
	Name     string
	KeyField string
}

// CollectionSchema validates incoming ChangeEvents for one collection and
// builds outgoing ones from application values.
type CollectionSchema struct {
	def CollectionDefinition
}

// ValidateIncoming checks that ev's shape matches what this collection
// expects (insert/update/upsert must carry an object value; a delete needs
// none and any value it carries is ignored; a key is always required), injects the declared primary key field into the
// value, and returns the resulting validated value ready to stage. Delete
// returns a nil value.
func (s *CollectionSchema) ValidateIncoming(ev ChangeEvent) (json.RawMessage, error) {
	if ev.Type != s.def.Name {
		return nil, fmt.Errorf("streamdb: event type %q does not match schema %q", ev.Type, s.def.Name)
	}
	if ev.Key == "" {
		return nil, fmt.Errorf("streamdb: event on collection %q is missing a key", s.def.Name)
	}

	switch ev.Headers.Operation {
	case OpDelete:
		return nil, nil
	case OpInsert, OpUpdate, OpUpsert:
	default:
		return nil, fmt.Errorf("streamdb: unknown operation %q on collection %q", ev.Headers.Operation, s.def.Name)
	}

	if len(ev.Value) == 0 {
		return nil, fmt.Errorf("streamdb: %s on collection %q requires a value", ev.Headers.Operation, s.def.Name)
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(ev.Value, &fields); err != nil {
		return nil, fmt.Errorf("streamdb: %s on collection %q requires an object value: %w", ev.Headers.Operation, s.def.Name, err)
	}
	if fields == nil {
		fields = make(map[string]json.RawMessage)
	}

	if s.def.KeyField != "" {
		keyJSON, err := json.Marshal(ev.Key)
		if err != nil {
			return nil, fmt.Errorf("streamdb: failed to encode key for collection %q: %w", s.def.Name, err)
		}
		fields[s.def.KeyField] = keyJSON
	}

	validated, err := json.Marshal(fields)
	if err != nil {
		return nil, fmt.Errorf("streamdb: failed to encode validated value for collection %q: %w", s.def.Name, err)
	}
	return validated, nil
}

func (s *CollectionSchema) buildEvent(op Operation, key string, value any, txid string) (ChangeEvent, error) {
	ev := ChangeEvent{
		Type: s.def.Name,
		Key:  key,
		Headers: ChangeHeaders{
			Operation: op,
			TxID:      txid,
		},
	}
	if op != OpDelete {
		raw, err := json.Marshal(value)
		if err != nil {
			return ChangeEvent{}, fmt.Errorf("streamdb: failed to encode value for collection %q: %w", s.def.Name, err)
		}
		ev.Value = raw
	}
	return ev, nil
}

// BuildInsert constructs an insert ChangeEvent for appending.
func (s *CollectionSchema) BuildInsert(key string, value any, txid string) (ChangeEvent, error) {
	return s.buildEvent(OpInsert, key, value, txid)
}

// BuildUpdate constructs an update ChangeEvent for appending.
func (s *CollectionSchema) BuildUpdate(key string, value any, txid string) (ChangeEvent, error) {
	return s.buildEvent(OpUpdate, key, value, txid)
}

// BuildDelete constructs a delete ChangeEvent for appending.
func (s *CollectionSchema) BuildDelete(key string, txid string) (ChangeEvent, error) {
	return s.buildEvent(OpDelete, key, nil, txid)
}

// BuildUpsert constructs an upsert ChangeEvent; the dispatcher promotes it to
// insert or update on arrival depending on whether the key was already seen.
func (s *CollectionSchema) BuildUpsert(key string, value any, txid string) (ChangeEvent, error) {
	return s.buildEvent(OpUpsert, key, value, txid)
}

// Schema is the validated set of collections a StreamDB materializes.
type Schema struct {
	definitions map[string]CollectionDefinition
	schemas     map[string]*CollectionSchema
}

// CreateStateSchema validates defs (no reserved or duplicate names) and
// returns a Schema ready to back a StreamDB.
func CreateStateSchema(defs ...CollectionDefinition) (*Schema, error) {
	s := &Schema{
		definitions: make(map[string]CollectionDefinition, len(defs)),
		schemas:     make(map[string]*CollectionSchema, len(defs)),
	}
	for _, def := range defs {
		if def.Name == "" {
			return nil, fmt.Errorf("streamdb: collection definition is missing a name")
		}
		if reservedCollectionNames[def.Name] {
			return nil, fmt.Errorf("streamdb: %q is a reserved collection name", def.Name)
		}
		if _, exists := s.definitions[def.Name]; exists {
			return nil, fmt.Errorf("streamdb: duplicate collection definition for %q", def.Name)
		}
		s.definitions[def.Name] = def
		s.schemas[def.Name] = &CollectionSchema{def: def}
	}
	return s, nil
}

// Collection returns the named collection's schema, or false if undeclared.
func (s *Schema) Collection(name string) (*CollectionSchema, bool) {
	cs, ok := s.schemas[name]
	return cs, ok
}

// Names returns every declared collection name.
func (s *Schema) Names() []string {
	names := make([]string, 0, len(s.definitions))
	for name := range s.definitions {
		names = append(names, name)
	}
	return names
}
