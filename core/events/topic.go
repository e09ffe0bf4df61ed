package events

import "fmt"

// Topic identifies the filtering axis for a publication. Valid values lie in
// [0, topic count); the topic count is a bus-level setting and always a
// multiple of 32 so masks pack evenly into words.
type Topic uint32

// TopicListEnd terminates topic slices handed to bulk subscription. Any value
// at or beyond the bus topic count also acts as a terminator.
const TopicListEnd Topic = ^Topic(0)

const maskWordBits = 32

// Mask is a per-listener subscription bitmask, one bit per topic.
type Mask []uint32

// NewMask returns a zeroed mask sized for the given topic count.
func NewMask(topicCount uint32) Mask {
	if topicCount == 0 || topicCount%maskWordBits != 0 {
		panic(fmt.Sprintf("events: topic count %d must be a positive multiple of %d", topicCount, maskWordBits))
	}
	return make(Mask, topicCount/maskWordBits)
}

// TopicCount returns the number of topics this mask spans.
func (m Mask) TopicCount() uint32 {
	return uint32(len(m)) * maskWordBits
}

func (m Mask) index(t Topic) (int, uint32) {
	if uint32(t) >= m.TopicCount() {
		panic(fmt.Sprintf("events: topic %d out of range [0, %d)", t, m.TopicCount()))
	}
	return int(t) / maskWordBits, 1 << (uint32(t) % maskWordBits)
}

// Set marks the topic as subscribed. Out-of-range topics are a contract
// violation and panic.
func (m Mask) Set(t Topic) {
	word, bit := m.index(t)
	m[word] |= bit
}

// Clear removes the topic from the mask.
func (m Mask) Clear(t Topic) {
	word, bit := m.index(t)
	m[word] &^= bit
}

// Has reports whether the topic bit is set.
func (m Mask) Has(t Topic) bool {
	word, bit := m.index(t)
	return m[word]&bit != 0
}

// Empty reports whether no topic bit is set.
func (m Mask) Empty() bool {
	for _, word := range m {
		if word != 0 {
			return false
		}
	}
	return true
}

// Topics returns the subscribed topics in ascending order.
func (m Mask) Topics() []Topic {
	var out []Topic
	for w, word := range m {
		for b := uint32(0); word != 0 && b < maskWordBits; b++ {
			if word&(1<<b) != 0 {
				out = append(out, Topic(uint32(w)*maskWordBits+b))
			}
		}
	}
	return out
}
