package engine

import (
	"crypto/sha256"

	lru "github.com/hashicorp/golang-lru/v2"
)

type prefixKey [sha256.Size]byte

type prefixEntry struct {
	messages int
	kv       any
}

// prefixCache maps a hash of a message prefix to the pipeline state after
// that prefix. Least recently used prefixes are evicted first.
type prefixCache struct {
	entries *lru.Cache[prefixKey, *prefixEntry]
}

// newPrefixCache returns nil, a disabled cache, when capacity is not positive.
func newPrefixCache(capacity int) *prefixCache {
	entries, err := lru.New[prefixKey, *prefixEntry](capacity)
	if err != nil {
		return nil
	}
	return &prefixCache{entries: entries}
}

// prefixKeys returns one key per prefix length, keys[i] covering messages[:i+1].
func prefixKeys(messages []Message) []prefixKey {
	h := sha256.New()
	keys := make([]prefixKey, len(messages))
	for i, m := range messages {
		h.Write([]byte(m.Role))
		h.Write([]byte{0})
		h.Write([]byte(m.Content))
		h.Write([]byte{0})
		copy(keys[i][:], h.Sum(nil))
	}
	return keys
}

// lookup returns the state of the longest cached prefix of messages.
func (c *prefixCache) lookup(messages []Message) (kv any, n int, ok bool) {
	if c == nil || len(messages) == 0 {
		return nil, 0, false
	}
	keys := prefixKeys(messages)
	for i := len(keys) - 1; i >= 0; i-- {
		if e, hit := c.entries.Get(keys[i]); hit {
			return e.kv, e.messages, true
		}
	}
	return nil, 0, false
}

// store records kv as the state after all of messages.
func (c *prefixCache) store(messages []Message, kv any) {
	if c == nil || kv == nil || len(messages) == 0 {
		return
	}
	keys := prefixKeys(messages)
	c.entries.Add(keys[len(keys)-1], &prefixEntry{messages: len(messages), kv: kv})
}

func (c *prefixCache) size() int {
	if c == nil {
		return 0
	}
	return c.entries.Len()
}
