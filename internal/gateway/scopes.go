package gateway

import "github.com/clawdis/clawdis/internal/pairing"

// methodScopes is the static method authorization table. A method absent
// from it is unclassified and admits operator.admin only.
var methodScopes = map[string]pairing.Scope{
	// Read surface.
	"health":           pairing.ScopeRead,
	"status":           pairing.ScopeRead,
	"logs.tail":        pairing.ScopeRead,
	"channels.status":  pairing.ScopeRead,
	"providers.status": pairing.ScopeRead,
	"sessions.list":    pairing.ScopeRead,
	"sessions.preview": pairing.ScopeRead,
	"sessions.resolve": pairing.ScopeRead,
	"sessions.usage":   pairing.ScopeRead,
	"cron.list":        pairing.ScopeRead,
	"node.list":        pairing.ScopeRead,
	"node.describe":    pairing.ScopeRead,
	"chat.history":     pairing.ScopeRead,
	"config.get":       pairing.ScopeRead,

	// Messaging and turn invocation.
	"send":            pairing.ScopeWrite,
	"poll":            pairing.ScopeWrite,
	"agent":           pairing.ScopeWrite,
	"agent.wait":      pairing.ScopeWrite,
	"wake":            pairing.ScopeWrite,
	"chat.send":       pairing.ScopeWrite,
	"chat.abort":      pairing.ScopeWrite,
	"node.invoke":     pairing.ScopeWrite,
	"browser.request": pairing.ScopeWrite,
	"push.test":       pairing.ScopeWrite,

	// Command approval flows.
	"exec.approval.request":      pairing.ScopeApprovals,
	"exec.approval.waitDecision": pairing.ScopeApprovals,
	"exec.approval.resolve":      pairing.ScopeApprovals,

	// Pairing management.
	"node.pair.request":   pairing.ScopePairing,
	"node.pair.list":      pairing.ScopePairing,
	"node.pair.approve":   pairing.ScopePairing,
	"node.pair.reject":    pairing.ScopePairing,
	"device.pair.list":    pairing.ScopePairing,
	"device.pair.approve": pairing.ScopePairing,
	"device.pair.reject":  pairing.ScopePairing,
	"device.pair.remove":  pairing.ScopePairing,
	"device.token.rotate": pairing.ScopePairing,
	"device.token.revoke": pairing.ScopePairing,
	"node.rename":         pairing.ScopePairing,

	// Admin-only mutation surface.
	"sessions.patch":     pairing.ScopeAdmin,
	"sessions.reset":     pairing.ScopeAdmin,
	"sessions.delete":    pairing.ScopeAdmin,
	"sessions.compact":   pairing.ScopeAdmin,
	"channels.logout":    pairing.ScopeAdmin,
	"agents.create":      pairing.ScopeAdmin,
	"agents.update":      pairing.ScopeAdmin,
	"agents.delete":      pairing.ScopeAdmin,
	"skills.install":     pairing.ScopeAdmin,
	"skills.update":      pairing.ScopeAdmin,
	"cron.add":           pairing.ScopeAdmin,
	"cron.update":        pairing.ScopeAdmin,
	"cron.remove":        pairing.ScopeAdmin,
	"cron.run":           pairing.ScopeAdmin,
	"connect":            pairing.ScopeAdmin,
	"chat.inject":        pairing.ScopeAdmin,
	"config.set":         pairing.ScopeAdmin,
	"config.apply":       pairing.ScopeAdmin,
	"config.patch":       pairing.ScopeAdmin,
	"config.schema":      pairing.ScopeAdmin,
	"wizard.start":       pairing.ScopeAdmin,
	"wizard.next":        pairing.ScopeAdmin,
	"wizard.cancel":      pairing.ScopeAdmin,
	"update.run":         pairing.ScopeAdmin,
	"exec.approvals.get": pairing.ScopeAdmin,
	"exec.approvals.set": pairing.ScopeAdmin,
}

// RequiredScope returns the scope a method demands. Unlisted methods return
// ("", false) and are treated as admin-only by the authorization predicate.
func RequiredScope(method string) (pairing.Scope, bool) {
	s, ok := methodScopes[method]
	return s, ok
}
