// ABOUTME: Session registry constructing tenant-scoped session keys and mediating patches.
// ABOUTME: Holds per-session outbound attributes and model routing overrides.

package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"sync"
	"time"

	"github.com/2389/fold-client/internal/wire"
)

// Registry errors.
var (
	// ErrInvalidAttributes indicates an attribute map failed validation.
	ErrInvalidAttributes = errors.New("invalid outbound attributes")
	// ErrAttributesTooLarge indicates an attribute map exceeds the size ceiling.
	ErrAttributesTooLarge = errors.New("outbound attributes exceed size limit")
)

// maxAttributesBytes caps the serialized size of an outbound attribute
// map. Violations are rejected before any frame is sent.
const maxAttributesBytes = 8 * 1024

// Key composes the session key for one logical conversation. The remote
// session store is a flat namespace with no tenant concept; the tenant
// segment is what keeps two tenants with the same conversation id from
// sharing a session. The conversation id must be assigned once per
// conversation and echoed on every call — a per-call correlation id
// here silently gives every call a fresh, empty remote session.
func Key(agentID, tenantID, conversationID string) string {
	return "agent:" + agentID + ":" + tenantID + ":" + conversationID
}

// Session is the mutable per-session state tracked by the registry.
type Session struct {
	Key                string
	OutboundAttributes map[string]string
	ModelOverride      string
	LastActivityAt     time.Time
}

// Caller is the request surface the registry needs from the connection
// layer: issue a request and wait for its terminal response.
type Caller interface {
	Call(ctx context.Context, method string, params any) (*wire.Response, error)
}

// Registry maps session keys to per-session configuration and mediates
// patch operations against the remote session store. Sessions are
// created lazily on first reference and never deleted here; garbage
// collection is a remote-side concern.
type Registry struct {
	mu       sync.Mutex
	sessions map[string]*Session
	caller   Caller
	defaults map[string]map[string]string // agentID -> static attribute defaults
	logger   *slog.Logger
}

// NewRegistry creates a registry. defaults holds statically configured
// per-agent outbound attribute defaults; pass nil for none.
func NewRegistry(caller Caller, defaults map[string]map[string]string, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		sessions: make(map[string]*Session),
		caller:   caller,
		defaults: defaults,
		logger:   logger.With("component", "session"),
	}
}

// Get returns the session for a key, creating it lazily.
func (r *Registry) Get(key string) *Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.getLocked(key)
}

func (r *Registry) getLocked(key string) *Session {
	s, ok := r.sessions[key]
	if !ok {
		s = &Session{Key: key}
		r.sessions[key] = s
	}
	return s
}

// Touch records activity on a session, creating it if needed.
func (r *Registry) Touch(key string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.getLocked(key).LastActivityAt = time.Now()
}

// SetModelOverride sets (or clears, with "") the model routing override
// for a session. The override travels in run request params only; it is
// not part of the remote session record.
func (r *Registry) SetModelOverride(key, model string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.getLocked(key).ModelOverride = model
}

// Patch replaces a session's outbound attributes wholesale. A nil map
// is the clear sentinel: it wipes all attributes for the session (and
// marshals to JSON null on the wire). Patches never merge field by
// field. Validation happens synchronously before any frame is sent,
// and re-issuing the current state is a no-op that sends nothing.
func (r *Registry) Patch(ctx context.Context, key string, attrs map[string]string) error {
	if attrs != nil {
		if err := ValidateAttributes(attrs); err != nil {
			return err
		}
	}

	r.mu.Lock()
	current := r.getLocked(key).OutboundAttributes
	if attributesEqual(current, attrs) {
		r.mu.Unlock()
		return nil
	}
	r.mu.Unlock()

	resp, err := r.caller.Call(ctx, wire.MethodSessionPatch, wire.SessionPatchParams{
		Key:                key,
		OutboundAttributes: attrs,
	})
	if err != nil {
		return fmt.Errorf("patching session %s: %w", key, err)
	}
	if !resp.OK {
		return fmt.Errorf("patching session %s: %w", key, resp.Error)
	}

	// Apply locally only after the remote accepted the patch, and as a
	// single replacement: a patch is all-or-nothing from the caller's
	// perspective.
	r.mu.Lock()
	s := r.getLocked(key)
	if attrs == nil {
		s.OutboundAttributes = nil
	} else {
		s.OutboundAttributes = maps.Clone(attrs)
	}
	s.LastActivityAt = time.Now()
	r.mu.Unlock()

	r.logger.Debug("session patched", "key", key, "attributes", len(attrs))
	return nil
}

// Fetch reads the remote session record and refreshes the local copy.
func (r *Registry) Fetch(ctx context.Context, key string) (*Session, error) {
	resp, err := r.caller.Call(ctx, wire.MethodSessionGet, wire.SessionGetParams{Key: key})
	if err != nil {
		return nil, fmt.Errorf("fetching session %s: %w", key, err)
	}
	if !resp.OK {
		return nil, fmt.Errorf("fetching session %s: %w", key, resp.Error)
	}

	var remote struct {
		OutboundAttributes map[string]string `json:"outboundAttributes"`
	}
	if len(resp.Payload) > 0 {
		if err := json.Unmarshal(resp.Payload, &remote); err != nil {
			return nil, fmt.Errorf("fetching session %s: %w", key, err)
		}
	}

	r.mu.Lock()
	s := r.getLocked(key)
	s.OutboundAttributes = remote.OutboundAttributes
	s.LastActivityAt = time.Now()
	snapshot := *s
	snapshot.OutboundAttributes = maps.Clone(s.OutboundAttributes)
	r.mu.Unlock()

	return &snapshot, nil
}

// EffectiveAttributes computes the attribute map actually applied on
// the wire for one call. Precedence, lowest to highest: static
// per-agent defaults, session-level attributes, per-call overrides.
// Higher precedence wins on key collision.
func (r *Registry) EffectiveAttributes(key, agentID string, overrides map[string]string) map[string]string {
	merged := make(map[string]string)

	maps.Copy(merged, r.defaults[agentID])

	r.mu.Lock()
	maps.Copy(merged, r.getLocked(key).OutboundAttributes)
	r.mu.Unlock()

	maps.Copy(merged, overrides)

	if len(merged) == 0 {
		return nil
	}
	return merged
}

// ModelOverride returns the session's model routing override, if any.
func (r *Registry) ModelOverride(key string) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.getLocked(key).ModelOverride
}

// ValidateAttributes rejects attribute maps containing control
// characters in keys or values (header and record injection defense)
// and maps whose serialized form exceeds the size ceiling.
func ValidateAttributes(attrs map[string]string) error {
	for k, v := range attrs {
		if k == "" {
			return fmt.Errorf("%w: empty key", ErrInvalidAttributes)
		}
		if containsControl(k) {
			return fmt.Errorf("%w: control character in key %q", ErrInvalidAttributes, k)
		}
		if containsControl(v) {
			return fmt.Errorf("%w: control character in value for key %q", ErrInvalidAttributes, k)
		}
	}

	serialized, err := json.Marshal(attrs)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidAttributes, err)
	}
	if len(serialized) > maxAttributesBytes {
		return fmt.Errorf("%w: %d bytes (limit %d)", ErrAttributesTooLarge, len(serialized), maxAttributesBytes)
	}
	return nil
}

// containsControl reports whether s contains any ASCII control
// character, including newline and carriage return.
func containsControl(s string) bool {
	for _, r := range s {
		if r < 0x20 || r == 0x7f {
			return true
		}
	}
	return false
}

// attributesEqual compares two attribute maps, treating nil and empty
// as distinct: nil is the clear sentinel, empty is an explicit empty
// replacement.
func attributesEqual(a, b map[string]string) bool {
	if (a == nil) != (b == nil) {
		return false
	}
	return maps.Equal(a, b)
}
