// Package client is the embedding application's surface onto the fold
// gateway: it multiplexes many concurrent agent runs over the one
// connection the conn package maintains.
//
// # Running an agent
//
//	c, _ := client.New(cfg, logger)
//	go c.Connect(ctx)
//
//	stream, _ := c.Run(ctx, client.RunRequest{
//		AgentID:        "support",
//		TenantID:       tenant,
//		ConversationID: convo,
//		Prompt:         prompt,
//	})
//	for ev := range stream.Events() { ... }
//
// Each Run owns an independent event stream; the terminal response of
// the underlying request maps to done (synthesizing assistant_final
// from the terminal payload when the gateway did not push it as a
// discrete event). RunReconciled is the convenience shape for route
// handlers: it drives a reconciler so the delivered text is complete
// even when intermediate deltas were lost upstream.
//
// # Session continuity
//
// The conversation id in RunRequest must be stable across calls
// belonging to one conversation; the session key derived from
// (agent, tenant, conversation) is what gives a multi-turn thread its
// identity in the gateway's flat session store.
package client
