package session

import (
	"fmt"
	"strings"
	"sync"
)

// maxTopicLength is the longest topic the protocol can encode.
const maxTopicLength = 65535

// Subscription is a topic filter and the QoS requested for it.
type Subscription struct {
	Filter string
	QoS    QoS
}

// SubscriptionSet is the ordered list of filters replayed on every (re)connect.
//
// Adding a filter that is already present updates its QoS in place, so the
// order of first registration is kept.
//
// Thread Safety:
//   - All methods are safe for concurrent use from multiple goroutines.
type SubscriptionSet struct {
	mu   sync.RWMutex
	subs []Subscription
}

// NewSubscriptionSet validates subs and returns a set containing them.
func NewSubscriptionSet(subs ...Subscription) (*SubscriptionSet, error) {
	s := &SubscriptionSet{}
	if err := s.Add(subs...); err != nil {
		return nil, err
	}
	return s, nil
}

// Add validates and merges subs into the set. Nothing is added if any
// subscription is invalid.
func (s *SubscriptionSet) Add(subs ...Subscription) error {
	for _, sub := range subs {
		if err := ValidateFilter(sub.Filter); err != nil {
			return err
		}
		if !sub.QoS.Valid() {
			return fmt.Errorf("%w: %d for %q", ErrInvalidQoS, sub.QoS, sub.Filter)
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, sub := range subs {
		replaced := false
		for i := range s.subs {
			if s.subs[i].Filter == sub.Filter {
				s.subs[i].QoS = sub.QoS
				replaced = true
				break
			}
		}
		if !replaced {
			s.subs = append(s.subs, sub)
		}
	}
	return nil
}

// List returns a copy of the subscriptions in registration order.
func (s *SubscriptionSet) List() []Subscription {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Subscription, len(s.subs))
	copy(out, s.subs)
	return out
}

// Len returns the number of filters in the set.
func (s *SubscriptionSet) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.subs)
}

// ValidateFilter checks a subscription topic filter.
//
// "+" must occupy a whole level and "#" must occupy the whole last level.
func ValidateFilter(filter string) error {
	if filter == "" {
		return fmt.Errorf("%w: empty filter", ErrInvalidTopic)
	}
	if len(filter) > maxTopicLength {
		return fmt.Errorf("%w: filter exceeds %d bytes", ErrInvalidTopic, maxTopicLength)
	}

	levels := strings.Split(filter, "/")
	for i, level := range levels {
		switch {
		case level == "#":
			if i != len(levels)-1 {
				return fmt.Errorf("%w: %q has '#' before the last level", ErrInvalidTopic, filter)
			}
		case level == "+":
		case strings.ContainsAny(level, "+#"):
			return fmt.Errorf("%w: %q mixes wildcards with text in one level", ErrInvalidTopic, filter)
		}
	}
	return nil
}

// ValidateTopic checks a topic used for publishing.
func ValidateTopic(topic string) error {
	if topic == "" {
		return fmt.Errorf("%w: empty topic", ErrInvalidTopic)
	}
	if len(topic) > maxTopicLength {
		return fmt.Errorf("%w: topic exceeds %d bytes", ErrInvalidTopic, maxTopicLength)
	}
	if strings.ContainsAny(topic, "+#") {
		return fmt.Errorf("%w: %q contains wildcards", ErrInvalidTopic, topic)
	}
	return nil
}

// MatchTopic reports whether topic is matched by filter.
//
// Topics starting with "$" are not matched by a leading wildcard.
func MatchTopic(filter, topic string) bool {
	if strings.HasPrefix(topic, "$") && (strings.HasPrefix(filter, "+") || strings.HasPrefix(filter, "#")) {
		return false
	}

	fl := strings.Split(filter, "/")
	tl := strings.Split(topic, "/")

	for i, f := range fl {
		if f == "#" {
			return true
		}
		if i >= len(tl) {
			return false
		}
		if f != "+" && f != tl[i] {
			return false
		}
	}
	return len(fl) == len(tl)
}
