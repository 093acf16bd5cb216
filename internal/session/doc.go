// Package session constructs and mutates remote session identity.
//
// The remote session store is one flat namespace with no tenant
// boundary, so the tenant id is folded into the session key itself:
//
//	agent:<agentID>:<tenantID>:<conversationID>
//
// Omitting the tenant segment is a cross-tenant data leak, not a
// cosmetic issue. Patches replace a session's outbound attributes
// wholesale (nil is the clear sentinel) and are validated synchronously
// before any frame is sent.
package session
