// Package broker tracks live sessions, their channel subscriptions, and fans
// messages out to subscribers.
//
// Registry owns every session and the channel index; a single RWMutex guards
// both so that open, close and (un)subscribe are atomic with respect to each
// other and to recipient resolution. Broadcaster resolves a publish to a
// channel, snapshots the members, and hands the serialized message to the
// Transport outside the lock. PresenceCoordinator observes device sessions and
// writes their status through to the DeviceStore.
package broker
