package plugin

import (
	"slices"
)

// Permission names one host service reachable through a Context.
type Permission string

const (
	PermissionLaunchScreen  Permission = "ui.launch"
	PermissionStartService  Permission = "service.start"
	PermissionBindService   Permission = "service.bind"
	PermissionSystemService Permission = "system.service"
	PermissionContent       Permission = "content.provider"
	PermissionBroadcast     Permission = "broadcast.send"
	PermissionReceiver      Permission = "broadcast.receive"
	PermissionCredentials   Permission = "credentials"
	PermissionSettings      Permission = "settings"
	PermissionLogging       Permission = "logging"
	PermissionEvents        Permission = "events"
	PermissionSafetyLimits  Permission = "safety.read"
	PermissionFiles         Permission = "files"
)

// AllPermissions lists every permission a context can check.
func AllPermissions() []Permission {
	return []Permission{
		PermissionLaunchScreen,
		PermissionStartService,
		PermissionBindService,
		PermissionSystemService,
		PermissionContent,
		PermissionBroadcast,
		PermissionReceiver,
		PermissionCredentials,
		PermissionSettings,
		PermissionLogging,
		PermissionEvents,
		PermissionSafetyLimits,
		PermissionFiles,
	}
}

// sandboxPermissions is the fixed allow-list for sideloaded plugins.
var sandboxPermissions = []Permission{
	PermissionSettings,
	PermissionLogging,
	PermissionEvents,
	PermissionSafetyLimits,
	PermissionFiles,
}

// Policy governs which permissions a context grants. A permission is granted
// when it is allowed and not denied.
type Policy struct {
	Allowed []Permission `yaml:"allowedPermissions" json:"allowedPermissions"`
	Denied  []Permission `yaml:"deniedPermissions" json:"deniedPermissions"`
}

// FullPolicy grants every permission. It is used for compile-time plugins.
func FullPolicy() Policy {
	return Policy{Allowed: AllPermissions()}
}

// RestrictedPolicy grants only the sandbox allow-list.
func RestrictedPolicy() Policy {
	return Policy{Allowed: slices.Clone(sandboxPermissions)}
}

// Allows reports whether p grants perm.
func (p Policy) Allows(perm Permission) bool {
	if slices.Contains(p.Denied, perm) {
		return false
	}
	return slices.Contains(p.Allowed, perm)
}

// Narrow applies an override on top of p. The override can remove
// permissions but never add one that p does not already allow.
func (p Policy) Narrow(override *Policy) Policy {
	out := Policy{Allowed: slices.Clone(p.Allowed), Denied: slices.Clone(p.Denied)}
	if override == nil {
		return out
	}
	if len(override.Allowed) > 0 {
		out.Allowed = slices.DeleteFunc(out.Allowed, func(perm Permission) bool {
			return !slices.Contains(override.Allowed, perm)
		})
	}
	for _, perm := range override.Denied {
		if !slices.Contains(out.Denied, perm) {
			out.Denied = append(out.Denied, perm)
		}
	}
	return out
}

// Granted returns the permissions p allows, in AllPermissions order.
func (p Policy) Granted() []Permission {
	var out []Permission
	for _, perm := range AllPermissions() {
		if p.Allows(perm) {
			out = append(out, perm)
		}
	}
	return out
}
