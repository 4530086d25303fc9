package agent

import (
	"maps"
	"slices"
	"time"

	"github.com/google/uuid"
)

// Role tags one conversation history entry.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is one entry of the conversation history.
type Message struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// Well-known metadata keys.
const (
	MetaLabel     = "label"
	MetaSources   = "sources"
	MetaQueryType = "query_type"
	MetaUnits     = "units"
)

// Context is the immutable request value. The zero value is usable but has no
// request id; build one with NewContext. Derivation methods return a new Context
// and never touch the receiver, and accessors hand out copies.
type Context struct {
	requestID string
	input     string
	history   []Message
	metadata  map[string]any
	createdAt time.Time
}

// ContextOption overrides one field while deriving a Context.
type ContextOption func(*Context)

// NewContext creates a Context with a fresh request id.
func NewContext(input string, opts ...ContextOption) Context {
	c := Context{
		requestID: uuid.NewString(),
		input:     input,
		createdAt: time.Now(),
	}
	for _, opt := range opts {
		opt(&c)
	}
	return c
}

// WithRequestIDOption pins the request id, for callers that already have one.
func WithRequestIDOption(id string) ContextOption {
	return func(c *Context) {
		if id != "" {
			c.requestID = id
		}
	}
}

// WithHistoryOption sets the conversation history.
func WithHistoryOption(history []Message) ContextOption {
	return func(c *Context) { c.history = slices.Clone(history) }
}

// WithMetadataOption sets the whole metadata mapping.
func WithMetadataOption(metadata map[string]any) ContextOption {
	return func(c *Context) { c.metadata = maps.Clone(metadata) }
}

// WithInputOption sets the primary input.
func WithInputOption(input string) ContextOption {
	return func(c *Context) { c.input = input }
}

func (c Context) RequestID() string {
	return c.requestID
}

func (c Context) Input() string {
	return c.input
}

func (c Context) CreatedAt() time.Time {
	return c.createdAt
}

// History returns a copy of the conversation history.
func (c Context) History() []Message {
	return slices.Clone(c.history)
}

// Metadata returns a copy of the metadata mapping.
func (c Context) Metadata() map[string]any {
	return maps.Clone(c.metadata)
}

// Value looks up one metadata key.
func (c Context) Value(key string) (any, bool) {
	v, ok := c.metadata[key]
	return v, ok
}

// StringValue returns a string metadata value, or "" when absent or not a string.
func (c Context) StringValue(key string) string {
	s, _ := c.metadata[key].(string)
	return s
}

// With derives a new Context with the given overrides applied. Slices and maps
// are copied so the derived value shares nothing mutable with the receiver.
func (c Context) With(opts ...ContextOption) Context {
	next := Context{
		requestID: c.requestID,
		input:     c.input,
		history:   slices.Clone(c.history),
		metadata:  maps.Clone(c.metadata),
		createdAt: c.createdAt,
	}
	for _, opt := range opts {
		opt(&next)
	}
	return next
}

func (c Context) WithInput(input string) Context {
	return c.With(WithInputOption(input))
}

func (c Context) WithHistory(history []Message) Context {
	return c.With(WithHistoryOption(history))
}

// WithMetadata derives a Context with key set to value.
func (c Context) WithMetadata(key string, value any) Context {
	return c.With(func(n *Context) {
		if n.metadata == nil {
			n.metadata = make(map[string]any, 1)
		}
		n.metadata[key] = value
	})
}

// WithMergedMetadata derives a Context whose metadata is the receiver's
// overlaid with extra.
func (c Context) WithMergedMetadata(extra map[string]any) Context {
	if len(extra) == 0 {
		return c.With()
	}
	return c.With(func(n *Context) {
		if n.metadata == nil {
			n.metadata = make(map[string]any, len(extra))
		}
		maps.Copy(n.metadata, extra)
	})
}
