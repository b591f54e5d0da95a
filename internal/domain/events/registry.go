// Package events maps outbox type tags to concrete payload types.
//
// The registry is populated at startup. Lookups are plain map reads, so an
// unknown tag is an ordinary miss rather than a reflection failure.
package events

import (
	"fmt"
	"reflect"
	"strings"
	"sync"
	"time"

	json "github.com/goccy/go-json"
	"github.com/google/uuid"

	"github.com/coachpo/pgoutbox/errs"
	"github.com/coachpo/pgoutbox/internal/domain/outbox"
	"github.com/coachpo/pgoutbox/internal/domain/outboxstore"
)

const component = "events"

// DecodeFunc materializes a JSON payload into a typed value.
type DecodeFunc func(payload []byte) (any, error)

// Descriptor describes a registered payload type.
type Descriptor struct {
	Tag    string
	GoType reflect.Type
	decode DecodeFunc
}

// Registry holds tag to payload type mappings.
type Registry struct {
	mu     sync.RWMutex
	byTag  map[string]Descriptor
	byType map[reflect.Type]string
}

// NewRegistry constructs an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		mu:     sync.RWMutex{},
		byTag:  make(map[string]Descriptor),
		byType: make(map[reflect.Type]string),
	}
}

// Register binds tag to the payload type T. The decoded value is a T, not a *T.
func Register[T any](r *Registry, tag string) error {
	return r.RegisterFunc(tag, reflect.TypeFor[T](), func(payload []byte) (any, error) {
		var value T
		if err := json.Unmarshal(payload, &value); err != nil {
			return nil, err
		}
		return value, nil
	})
}

// RegisterFunc binds tag to a custom decoder. goType may be nil when the tag is
// decode-only and never produced through Encode.
func (r *Registry) RegisterFunc(tag string, goType reflect.Type, decode DecodeFunc) error {
	trimmed := strings.TrimSpace(tag)
	if trimmed == "" {
		return errs.New(component, errs.CodeInvalid, errs.WithMessage("event type tag required"))
	}
	if decode == nil {
		return errs.New(component, errs.CodeInvalid, errs.WithMessage("decoder required"), errs.WithField("tag", trimmed))
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.byTag[trimmed]; exists {
		return errs.New(component, errs.CodeConflict,
			errs.WithMessage("event type tag already registered"),
			errs.WithField("tag", trimmed))
	}
	if goType != nil {
		if existing, exists := r.byType[goType]; exists {
			return errs.New(component, errs.CodeConflict,
				errs.WithMessage("go type already registered"),
				errs.WithField("tag", existing),
				errs.WithField("type", goType.String()))
		}
		r.byType[goType] = trimmed
	}
	r.byTag[trimmed] = Descriptor{Tag: trimmed, GoType: goType, decode: decode}
	return nil
}

// Tags returns the registered tags.
func (r *Registry) Tags() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.byTag))
	for tag := range r.byTag {
		out = append(out, tag)
	}
	return out
}

// Resolve looks up the descriptor for tag. A miss yields errs.CodeNotFound.
func (r *Registry) Resolve(tag string) (Descriptor, error) {
	r.mu.RLock()
	desc, ok := r.byTag[strings.TrimSpace(tag)]
	r.mu.RUnlock()
	if !ok {
		return Descriptor{}, errs.New(component, errs.CodeNotFound,
			errs.WithCanonicalCode(errs.CanonicalUnknownEventType),
			errs.WithMessage("event type not registered"),
			errs.WithField("tag", tag))
	}
	return desc, nil
}

// Decode materializes payload using desc. Malformed payloads yield errs.CodeDecode.
func (r *Registry) Decode(payload []byte, desc Descriptor) (any, error) {
	if desc.decode == nil {
		return nil, errs.New(component, errs.CodeInvalid, errs.WithMessage("descriptor has no decoder"))
	}
	if len(payload) == 0 {
		return nil, errs.New(component, errs.CodeDecode,
			errs.WithMessage("empty payload"),
			errs.WithField("tag", desc.Tag))
	}
	value, err := desc.decode(payload)
	if err != nil {
		return nil, errs.New(component, errs.CodeDecode,
			errs.WithMessage("payload does not match registered type"),
			errs.WithField("tag", desc.Tag),
			errs.WithCause(err))
	}
	return value, nil
}

// DecodeRecord resolves and decodes in one step, keeping the not-found and
// decode-failed cases distinguishable through the returned error code.
func (r *Registry) DecodeRecord(record outbox.Record) (any, error) {
	desc, err := r.Resolve(record.EventType)
	if err != nil {
		return nil, err
	}
	return r.Decode(record.Payload, desc)
}

// TryDecode returns the typed payload and true, or nil and false when the tag
// is unknown or the payload is malformed. Callers log and skip on false.
func (r *Registry) TryDecode(record outbox.Record) (any, bool) {
	value, err := r.DecodeRecord(record)
	if err != nil {
		return nil, false
	}
	return value, true
}

// Encode builds the outbox event for value. The tag comes from the registered
// type of value, the payload is its JSON form, and the actor and time are stamped.
// The first correlation slot defaults to a fresh UUID.
func (r *Registry) Encode(value any, lastEditedBy int64, now time.Time) (outboxstore.Event, error) {
	if value == nil {
		return outboxstore.Event{}, errs.New(component, errs.CodeInvalid, errs.WithMessage("value required"))
	}
	goType := reflect.TypeOf(value)
	if goType.Kind() == reflect.Pointer {
		goType = goType.Elem()
	}
	r.mu.RLock()
	tag, ok := r.byType[goType]
	r.mu.RUnlock()
	if !ok {
		return outboxstore.Event{}, errs.New(component, errs.CodeNotFound,
			errs.WithCanonicalCode(errs.CanonicalUnknownEventType),
			errs.WithMessage("go type not registered"),
			errs.WithField("type", goType.String()))
	}
	payload, err := json.Marshal(value)
	if err != nil {
		return outboxstore.Event{}, fmt.Errorf("encode %s payload: %w", tag, err)
	}
	var evt outboxstore.Event
	evt.CorrelationIDs[0] = uuid.NewString()
	evt.EventType = tag
	evt.EventSource = outboxstore.DefaultEventSource
	evt.EventTime = now.UTC()
	evt.Payload = payload
	evt.LastEditedBy = lastEditedBy
	return evt, nil
}
