// Package pcf is a peer communication fabric: it lets instances of the same
// application find each other on a local network, or over a short-range
// link, and exchange typed messages despite partial transport failures.
//
// ## How it works
//
// The first thing to do is to `Create` a `Fabric` and call
// `Fabric.StartServices`. Under the hood, the configured `Transport` makes
// the node reachable and announces it: mDNS for the default *reliable*
// transport, a UDP gossip membership for the *proximity-wireless* one.
//
// A discovery cycle then scans for peers every `Interval` during a
// `ScanWindow`. Every peer found is registered (at most once per address)
// and its connection pool is lazily filled in the background.
//
// `Fabric.SendToPeers` wraps a payload in an envelope
// `{"type", "timestamp", "id", ...payload}` and fans it out to every
// connected peer, or to one explicit recipient. Each peer has its own
// timeout and its own outcome in the returned `Result`: one broken peer
// never aborts the others. After `FailureThreshold` consecutive failures a
// peer is marked failed and its pool is drained until it is discovered, or
// connected to, again.
//
// On the receiving side, messages are routed by their type to the handlers
// registered with `Fabric.Handle`. Unknown types reach the default handler,
// malformed messages and failing handlers are acknowledged as such: the
// sender always gets an answer.
//
// ## Design Principles
//
// The fabric is built to run on a low-quality network. APIs MUST NOT model
// an *infallible* network: every caught failure is counted, logged and
// surfaced as a `dcf-error` `Event`, only invalid input and configuration
// errors are returned synchronously.
//
// All the state lives in one `Fabric`, there are no package-level
// singletons. Events are delivered on the channels given to `WithEvents`
// and never block the fabric.
package pcf
