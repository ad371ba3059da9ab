// Package quota computes effective resource quotas for sites and
// enforces them against running containers through cgroup v2
// observation.
//
// Memory is a hard cap: exceeding it gets the container OOM killed.
// CPU is a soft cap: exceeding it throttles the container but never
// kills it.
package quota

import (
	"fmt"

	"github.com/Rushilwiz/director4/internal/sandbox"
	"github.com/Rushilwiz/director4/schema"
)

// Defaults holds platform-wide quota defaults applied to sites
// without an approved override.
type Defaults struct {
	MemoryBytes int64
	NanoCPUs    int64
}

// PlatformDefaults returns the stock defaults.
func PlatformDefaults() Defaults {
	return Defaults{
		MemoryBytes: schema.DefaultMemoryBytes,
		NanoCPUs:    schema.DefaultNanoCPUs,
	}
}

// Effective resolves the quota for a site. An approved override
// replaces only the fields it sets; unset fields keep the default.
func Effective(site schema.Site, defaults Defaults) (schema.ResourceQuota, error) {
	quota := schema.ResourceQuota{
		MemoryBytes: defaults.MemoryBytes,
		NanoCPUs:    defaults.NanoCPUs,
	}
	if quota.MemoryBytes <= 0 {
		quota.MemoryBytes = schema.DefaultMemoryBytes
	}
	if quota.NanoCPUs <= 0 {
		quota.NanoCPUs = schema.DefaultNanoCPUs
	}
	if site.Override == nil {
		return quota, nil
	}
	override := *site.Override
	if override.ApprovedBy == "" {
		return schema.ResourceQuota{}, schema.ErrOverrideNotApproved
	}
	if override.MemoryBytes < 0 || override.NanoCPUs < 0 {
		return schema.ResourceQuota{}, schema.ErrInvalidQuota
	}
	if override.MemoryBytes > 0 {
		quota.MemoryBytes = override.MemoryBytes
	}
	if override.NanoCPUs > 0 {
		quota.NanoCPUs = override.NanoCPUs
	}
	return quota, nil
}

// Caps maps a quota to runtime resource caps.
func Caps(quota schema.ResourceQuota) sandbox.ResourceCaps {
	return sandbox.ResourceCaps{
		MemoryBytes: quota.MemoryBytes,
		NanoCPUs:    quota.NanoCPUs,
	}
}

// Classify derives the exit reason for a finished container from its
// exit status and the last usage sample observed before it vanished.
func Classify(exit sandbox.ExitStatus, last *schema.UsageSample, stopped bool) schema.ExitReason {
	if stopped {
		return schema.ReasonStopped
	}
	if last != nil && last.OOMKills > 0 {
		return schema.ReasonOutOfMemory
	}
	// SIGKILL surfaces as 128+9; the kernel OOM killer uses SIGKILL.
	if exit.Code == 137 && last != nil && last.MemoryLimit > 0 && last.MemoryBytes >= last.MemoryLimit {
		return schema.ReasonOutOfMemory
	}
	return schema.ReasonExited
}

// Describe renders a quota for logs and status output.
func Describe(quota schema.ResourceQuota) string {
	return fmt.Sprintf("mem=%dMiB cpu=%.2f", quota.MemoryBytes/(1024*1024), float64(quota.NanoCPUs)/1e9)
}
