// Package topics indexes subscription patterns in a trie so that matching a
// concrete topic costs O(segments × fanout) instead of O(patterns).
package topics

import (
	"fmt"

	"github.com/cauce-dev/cauce-hub/internal/protocol"
)

// node is one trie level. Literal children descend by exact segment, the
// wildcard child by "*". Subscription ids attached at terminal reached the end
// of their pattern here; multiWildcard ids had a trailing "**" here.
type node struct {
	children      map[string]*node
	wildcard      *node
	terminal      []string
	multiWildcard []string
}

func newNode() *node {
	return &node{children: make(map[string]*node)}
}

func (n *node) empty() bool {
	return len(n.children) == 0 && n.wildcard == nil &&
		len(n.terminal) == 0 && len(n.multiWildcard) == 0
}

// Trie indexes patterns to subscription ids. It is not internally
// synchronized: the subscription manager guards the trie and the subscription
// records as one logical unit so matches never observe a half-applied update.
type Trie struct {
	root *node
}

func New() *Trie {
	return &Trie{root: newNode()}
}

// Insert indexes pattern under subscription id. The pattern must already be
// validated; Insert re-checks to keep the index self-consistent.
func (t *Trie) Insert(pattern, subscriptionID string) error {
	if err := protocol.ValidatePattern(pattern); err != nil {
		return fmt.Errorf("insert %q: %w", pattern, err)
	}
	cur := t.root
	segments := protocol.SplitTopic(pattern)
	for _, seg := range segments {
		switch seg {
		case protocol.WildcardMulti:
			cur.multiWildcard = appendUnique(cur.multiWildcard, subscriptionID)
			return nil
		case protocol.WildcardSingle:
			if cur.wildcard == nil {
				cur.wildcard = newNode()
			}
			cur = cur.wildcard
		default:
			next, ok := cur.children[seg]
			if !ok {
				next = newNode()
				cur.children[seg] = next
			}
			cur = next
		}
	}
	cur.terminal = appendUnique(cur.terminal, subscriptionID)
	return nil
}

// Remove strips subscription id from the node the pattern terminates at and
// reclaims interior nodes left empty on the walked path.
func (t *Trie) Remove(pattern, subscriptionID string) {
	segments := protocol.SplitTopic(pattern)
	removeWalk(t.root, segments, subscriptionID)
}

func removeWalk(n *node, segments []string, id string) {
	if n == nil {
		return
	}
	if len(segments) == 0 {
		n.terminal = strip(n.terminal, id)
		return
	}
	seg := segments[0]
	switch seg {
	case protocol.WildcardMulti:
		n.multiWildcard = strip(n.multiWildcard, id)
	case protocol.WildcardSingle:
		removeWalk(n.wildcard, segments[1:], id)
		if n.wildcard != nil && n.wildcard.empty() {
			n.wildcard = nil
		}
	default:
		child := n.children[seg]
		removeWalk(child, segments[1:], id)
		if child != nil && child.empty() {
			delete(n.children, seg)
		}
	}
}

// Match returns the deduplicated set of subscription ids whose pattern matches
// the concrete topic.
func (t *Trie) Match(topic string) []string {
	seen := make(map[string]struct{})
	matchWalk(t.root, protocol.SplitTopic(topic), seen)
	out := make([]string, 0, len(seen))
	for id := range seen {
		out = append(out, id)
	}
	return out
}

func matchWalk(n *node, segments []string, seen map[string]struct{}) {
	if n == nil {
		return
	}
	if len(segments) > 0 {
		// A trailing ** at this node matches the non-empty remainder.
		for _, id := range n.multiWildcard {
			seen[id] = struct{}{}
		}
		matchWalk(n.children[segments[0]], segments[1:], seen)
		matchWalk(n.wildcard, segments[1:], seen)
		return
	}
	for _, id := range n.terminal {
		seen[id] = struct{}{}
	}
}

func appendUnique(ids []string, id string) []string {
	for _, existing := range ids {
		if existing == id {
			return ids
		}
	}
	return append(ids, id)
}

func strip(ids []string, id string) []string {
	for i, existing := range ids {
		if existing == id {
			return append(ids[:i:i], ids[i+1:]...)
		}
	}
	return ids
}
