package replication

import (
	"ocpihub.org/internal/ocpi"
)

// Retention decides what DELETE leaves behind.
type Retention string

const (
	// RetentionRemove deletes the record and its descendants.
	RetentionRemove Retention = "remove"
	// RetentionTombstone keeps a deleted marker that hides the record from reads
	// and blocks writes not newer than the deletion.
	RetentionTombstone Retention = "tombstone"
)

// Policy carries nullable overrides; nil fields inherit from the next layer.
type Policy struct {
	AllowDowngrade *bool      `yaml:"allow_downgrade"`
	FailOnMissing  *bool      `yaml:"fail_on_missing"`
	Retention      *Retention `yaml:"retention"`
}

// WriteOptions are the per-call layer plus the write's origin.
type WriteOptions struct {
	Policy
	// Source is the partner id the write came from, empty for local writes.
	Source string
}

// Bool returns a pointer for use in Policy literals.
func Bool(v bool) *bool { return &v }

// Keep returns a pointer for use in Policy literals.
func Keep(r Retention) *Retention { return &r }

type effective struct {
	allowDowngrade bool
	failOnMissing  bool
	retention      Retention
}

var builtin = effective{allowDowngrade: false, failOnMissing: true, retention: RetentionRemove}

// resolve applies the layers from the weakest to the strongest:
// built-in default, global, module, call.
func resolve(global Policy, modules map[ocpi.ModuleID]Policy, module ocpi.ModuleID, call Policy) effective {
	out := builtin
	layers := []Policy{global, modules[module], call}
	for _, p := range layers {
		if p.AllowDowngrade != nil {
			out.allowDowngrade = *p.AllowDowngrade
		}
		if p.FailOnMissing != nil {
			out.failOnMissing = *p.FailOnMissing
		}
		if p.Retention != nil && (*p.Retention == RetentionRemove || *p.Retention == RetentionTombstone) {
			out.retention = *p.Retention
		}
	}
	return out
}
