package domain

import (
	"fmt"
	"net/url"
	"strings"
)

const (
	tenantPrefix = "tenant:"
	userPrefix   = "user:"
	devicePrefix = "device:"

	maxChannelLength = 200
)

// ScopedChannel is a channel name qualified by the tenant it lives in. Names
// are only unique within a tenant: device:d1 of one tenant and device:d1 of
// another are different channels, and so are two tenants' "lobby".
type ScopedChannel struct {
	TenantID string
	Name     string
}

func Scope(tenantID, name string) ScopedChannel {
	return ScopedChannel{TenantID: tenantID, Name: name}
}

// Key is the flat form used by shared stores. The tenant id is path-escaped,
// so no two scoped channels map to the same key.
func (c ScopedChannel) Key() string {
	return url.PathEscape(c.TenantID) + "/" + c.Name
}

func TenantChannel(tenantID string) string { return tenantPrefix + tenantID }
func UserChannel(userID string) string     { return userPrefix + userID }
func DeviceChannel(deviceID string) string { return devicePrefix + deviceID }

// DefaultChannels are the channels every session joins on open.
func DefaultChannels(id Identity, deviceID string) []string {
	channels := []string{TenantChannel(id.TenantID), UserChannel(id.UserID)}
	if deviceID != "" {
		channels = append(channels, DeviceChannel(deviceID))
	}
	return channels
}

// ParseTarget maps a publish target onto its channel name. Only device:{id}
// and user:{id} are addressable targets; callers scope the result to the
// sender's tenant.
func ParseTarget(target string) (string, error) {
	for _, prefix := range []string{devicePrefix, userPrefix} {
		if id, ok := strings.CutPrefix(target, prefix); ok {
			if id == "" {
				return "", fmt.Errorf("%w: %q", ErrInvalidTarget, target)
			}
			return target, nil
		}
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidTarget, target)
}

func ValidateChannel(name string) error {
	if strings.TrimSpace(name) == "" || len(name) > maxChannelLength {
		return fmt.Errorf("%w: %q", ErrInvalidChannel, name)
	}
	for _, prefix := range []string{tenantPrefix, userPrefix, devicePrefix} {
		if name == prefix {
			return fmt.Errorf("%w: %q", ErrInvalidChannel, name)
		}
	}
	return nil
}

// CanSubscribe reports whether id may join name. Canonical tenant and user
// channels are restricted to their owner.
func CanSubscribe(id Identity, name string) bool {
	if tenant, ok := strings.CutPrefix(name, tenantPrefix); ok {
		return tenant == id.TenantID
	}
	if user, ok := strings.CutPrefix(name, userPrefix); ok {
		return user == id.UserID
	}
	return true
}

// CanPublish reports whether id may publish on name. Every channel is
// resolved inside the sender's tenant, so naming another tenant's channel is
// refused rather than silently reaching nobody.
func CanPublish(id Identity, name string) bool {
	if tenant, ok := strings.CutPrefix(name, tenantPrefix); ok {
		return tenant == id.TenantID
	}
	return true
}

// DeviceFromChannel extracts the device id of a device:{id} channel.
func DeviceFromChannel(name string) (string, bool) {
	id, ok := strings.CutPrefix(name, devicePrefix)
	return id, ok && id != ""
}
