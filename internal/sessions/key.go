// Package sessions persists per-conversation state: a durable map of session
// keys to session entries plus append-only JSONL transcripts stored next to
// the entry file.
package sessions

import "strings"

// Key is the deterministic identifier of one conversation lane:
//
//	agent:<agentId>:main
//	agent:<agentId>:<channel>:<accountId>:<remote>
//	agent:<agentId>:group:<channel>:<accountId>:<groupId>
//	agent:<agentId>:subagent:<uuid>
type Key string

const (
	keyPrefix    = "agent:"
	mainSuffix   = ":main"
	groupPart    = "group"
	subagentRole = "subagent"
	MainAlias    = "main"
)

// MainKey is the default lane for an agent.
func MainKey(agentID string) Key {
	return Key(keyPrefix + normalizePart(agentID) + mainSuffix)
}

// DirectKey is the lane for a direct-message conversation.
func DirectKey(agentID, channel, accountID, remote string) Key {
	return Key(keyPrefix + normalizePart(agentID) + ":" + normalizePart(channel) +
		":" + normalizePart(accountID) + ":" + normalizePart(remote))
}

// GroupKey is the lane for a group conversation.
func GroupKey(agentID, channel, accountID, groupID string) Key {
	return Key(keyPrefix + normalizePart(agentID) + ":" + groupPart + ":" +
		normalizePart(channel) + ":" + normalizePart(accountID) + ":" + normalizePart(groupID))
}

// SubagentKey is the lane for an ephemeral child session.
func SubagentKey(agentID, id string) Key {
	return Key(keyPrefix + normalizePart(agentID) + ":" + subagentRole + ":" + normalizePart(id))
}

// Normalize canonicalizes a raw key string: trimmed and lowercased so lookups
// are insensitive to user-typed case.
func Normalize(raw string) Key {
	return Key(strings.ToLower(strings.TrimSpace(raw)))
}

// IsSubagent reports whether the key names an ephemeral child session.
func (k Key) IsSubagent() bool {
	parts := strings.Split(string(k), ":")
	return len(parts) >= 3 && parts[2] == subagentRole
}

// IsMain reports whether the key is an agent's default lane.
func (k Key) IsMain() bool {
	return strings.HasSuffix(string(k), mainSuffix) && strings.Count(string(k), ":") == 2
}

// AgentID extracts the agent segment, or "" when the key is malformed.
func (k Key) AgentID() string {
	parts := strings.SplitN(string(k), ":", 3)
	if len(parts) < 3 || parts[0] != "agent" {
		return ""
	}
	return parts[1]
}

func (k Key) String() string { return string(k) }

func normalizePart(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}
