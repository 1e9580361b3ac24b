package engine

import (
	"telemetrygate/internal/config"
)

// AccessControlSet is the compiled form of the access_control section.
type AccessControlSet struct {
	Enabled       bool
	AllowlistOnly bool
	Allow         map[uint64]struct{}
	Deny          map[uint64]struct{}
}

func buildAccessControl(cfg *config.Config) *AccessControlSet {
	ac := &AccessControlSet{Enabled: cfg.AccessControl.Enabled, AllowlistOnly: cfg.AccessControl.AllowlistOnly}
	if !ac.Enabled {
		return ac
	}
	ac.Allow = buildIDSet(cfg.AccessControl.Allowlist)
	ac.Deny = buildIDSet(cfg.AccessControl.Denylist)
	return ac
}

func buildIDSet(values []uint64) map[uint64]struct{} {
	if len(values) == 0 {
		return nil
	}
	set := make(map[uint64]struct{}, len(values))
	for _, v := range values {
		set[v] = struct{}{}
	}
	return set
}

func (a *AccessControlSet) IsDenied(id uint64) bool {
	if a == nil || a.Deny == nil {
		return false
	}
	_, ok := a.Deny[id]
	return ok
}

func (a *AccessControlSet) IsAllowed(id uint64) bool {
	if a == nil || a.Allow == nil {
		return false
	}
	_, ok := a.Allow[id]
	return ok
}
