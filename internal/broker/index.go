package broker

import "github.com/pscheid92/signpulse/internal/domain"

// channelIndex is the many-to-many channel/session mapping. It has no lock of
// its own; Registry.mu guards every call. Channels are keyed by tenant and
// name, and a channel key exists only while it has members.
type channelIndex struct {
	members  map[domain.ScopedChannel]map[string]struct{}
	channels map[string]map[domain.ScopedChannel]struct{}
}

func newChannelIndex() *channelIndex {
	return &channelIndex{
		members:  make(map[domain.ScopedChannel]map[string]struct{}),
		channels: make(map[string]map[domain.ScopedChannel]struct{}),
	}
}

// subscribe reports whether the membership was new.
func (ix *channelIndex) subscribe(channel domain.ScopedChannel, sessionID string) bool {
	set, ok := ix.members[channel]
	if !ok {
		set = make(map[string]struct{})
		ix.members[channel] = set
	}
	if _, dup := set[sessionID]; dup {
		return false
	}
	set[sessionID] = struct{}{}

	chans, ok := ix.channels[sessionID]
	if !ok {
		chans = make(map[domain.ScopedChannel]struct{})
		ix.channels[sessionID] = chans
	}
	chans[channel] = struct{}{}
	return true
}

// unsubscribe reports whether a membership was removed.
func (ix *channelIndex) unsubscribe(channel domain.ScopedChannel, sessionID string) bool {
	set, ok := ix.members[channel]
	if !ok {
		return false
	}
	if _, present := set[sessionID]; !present {
		return false
	}

	delete(set, sessionID)
	if len(set) == 0 {
		delete(ix.members, channel)
	}

	if chans, ok := ix.channels[sessionID]; ok {
		delete(chans, channel)
		if len(chans) == 0 {
			delete(ix.channels, sessionID)
		}
	}
	return true
}

// removeAll drops every membership of sessionID and returns the channels it left.
func (ix *channelIndex) removeAll(sessionID string) []domain.ScopedChannel {
	left := make([]domain.ScopedChannel, 0, len(ix.channels[sessionID]))
	for ch := range ix.channels[sessionID] {
		left = append(left, ch)
	}
	for _, ch := range left {
		ix.unsubscribe(ch, sessionID)
	}
	return left
}

func (ix *channelIndex) membersOf(channel domain.ScopedChannel) []string {
	set := ix.members[channel]
	out := make([]string, 0, len(set))
	for id := range set {
		out = append(out, id)
	}
	return out
}

// channelsOf returns the channel names of sessionID. A session only ever
// joins channels of its own tenant, so names are unambiguous here.
func (ix *channelIndex) channelsOf(sessionID string) []string {
	set := ix.channels[sessionID]
	out := make([]string, 0, len(set))
	for ch := range set {
		out = append(out, ch.Name)
	}
	return out
}

func (ix *channelIndex) channelCount() int {
	return len(ix.members)
}

func (ix *channelIndex) counts() map[domain.ScopedChannel]int {
	out := make(map[domain.ScopedChannel]int, len(ix.members))
	for ch, set := range ix.members {
		out[ch] = len(set)
	}
	return out
}
