package sealio

import (
	"path"
	"strings"
	"sync"
)

// RuleSet holds the path rules and encryption patterns driving
// classification. Registration and classification may run concurrently;
// lookups never observe a half-updated list.
type RuleSet struct {
	mu          sync.RWMutex
	whitelist   []string
	system      []string
	tmpfs       []string
	patterns    []EncryptionPattern
	maxPatterns int
	mode        ProtectionMode
}

// NewRuleSet creates an empty rule set bounded to maxPatterns encryption
// patterns (DefaultMaxPatterns if 0)
func NewRuleSet(maxPatterns int) *RuleSet {
	if maxPatterns <= 0 {
		maxPatterns = DefaultMaxPatterns
	}
	return &RuleSet{maxPatterns: maxPatterns}
}

// RegisterWhitelistPath registers a trusted prefix that bypasses all policy
func (r *RuleSet) RegisterWhitelistPath(p string) error {
	return r.registerPrefix(&r.whitelist, p)
}

// RegisterSystemPath registers a read-only prefix; writes against it are
// denied
func (r *RuleSet) RegisterSystemPath(p string) error {
	return r.registerPrefix(&r.system, p)
}

// RegisterTmpfsPath registers an ephemeral prefix allowing plain read/write
func (r *RuleSet) RegisterTmpfsPath(p string) error {
	return r.registerPrefix(&r.tmpfs, p)
}

func (r *RuleSet) registerPrefix(list *[]string, p string) error {
	if err := ValidatePath(p); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	*list = append(*list, path.Clean(p))
	return nil
}

// AddPattern appends an encryption pattern. Patterns are evaluated in
// registration order; malformed globs are rejected here, never discovered
// during classification.
func (r *RuleSet) AddPattern(glob string, policy Policy) error {
	if err := ValidatePattern(glob); err != nil {
		return err
	}
	if policy != PolicyNone && policy != PolicyReadWrite && policy != PolicyWriteOnly {
		return NewConfigError("policy", policy, "unsupported encryption policy")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if len(r.patterns) >= r.maxPatterns {
		return &ConfigError{
			Field:   "patterns",
			Value:   glob,
			Message: "cannot register pattern",
			Err:     ErrPatternLimit,
		}
	}
	r.patterns = append(r.patterns, EncryptionPattern{Glob: glob, Policy: policy})
	return nil
}

// RemovePattern removes a previously registered pattern by its glob
func (r *RuleSet) RemovePattern(glob string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for i, pat := range r.patterns {
		if pat.Glob == glob {
			r.patterns = append(r.patterns[:i], r.patterns[i+1:]...)
			return nil
		}
	}
	return NewConfigError("pattern", glob, "pattern not registered")
}

// Patterns returns a copy of the registered patterns in evaluation order
func (r *RuleSet) Patterns() []EncryptionPattern {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]EncryptionPattern, len(r.patterns))
	copy(out, r.patterns)
	return out
}

// Rules returns a copy of the registered path rules in category priority
// order
func (r *RuleSet) Rules() []PathRule {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]PathRule, 0, len(r.whitelist)+len(r.system)+len(r.tmpfs))
	for _, p := range r.whitelist {
		out = append(out, PathRule{Prefix: p, Class: ClassWhitelist})
	}
	for _, p := range r.system {
		out = append(out, PathRule{Prefix: p, Class: ClassSystem})
	}
	for _, p := range r.tmpfs {
		out = append(out, PathRule{Prefix: p, Class: ClassTmpfs})
	}
	return out
}

// SetMode switches handling of unmatched paths
func (r *RuleSet) SetMode(mode ProtectionMode) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.mode = mode
}

// Mode returns the active protection mode
func (r *RuleSet) Mode() ProtectionMode {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.mode
}

// Classify evaluates a path for an operation. Category priority is
// whitelist > system > tmpfs > patterns > mode default; within the pattern
// list the first glob match wins.
func (r *RuleSet) Classify(name string, op Operation) Decision {
	r.mu.RLock()
	defer r.mu.RUnlock()

	name = path.Clean(name)

	if matchPrefix(r.whitelist, name) {
		return Decision{Action: ActionAllowPlain, Class: ClassWhitelist}
	}
	if matchPrefix(r.system, name) {
		if op == OpRead {
			return Decision{Action: ActionAllowPlain, Class: ClassSystem}
		}
		return Decision{Action: ActionDeny, Class: ClassSystem}
	}
	if matchPrefix(r.tmpfs, name) {
		return Decision{Action: ActionAllowPlain, Class: ClassTmpfs}
	}

	for _, pat := range r.patterns {
		if !matchGlob(pat.Glob, name) {
			continue
		}
		switch pat.Policy {
		case PolicyNone:
			return Decision{Action: ActionAllowPlain}
		case PolicyWriteOnly:
			if op == OpRead {
				// Write-only paths read back as plain file bytes
				return Decision{Action: ActionAllowPlain, Policy: PolicyWriteOnly}
			}
			return Decision{Action: ActionAllowEncrypted, Policy: PolicyWriteOnly}
		default:
			return Decision{Action: ActionAllowEncrypted, Policy: PolicyReadWrite}
		}
	}

	if r.mode == ModeIgnoreUnmatched {
		if op == OpRead {
			return Decision{Action: ActionDeny}
		}
		return Decision{Action: ActionDiscard}
	}
	return Decision{Action: ActionAllowEncrypted, Policy: PolicyReadWrite}
}

// matchPrefix reports whether name equals or lives under any prefix in list
func matchPrefix(list []string, name string) bool {
	for _, p := range list {
		if name == p {
			return true
		}
		if p == "/" {
			return true
		}
		if strings.HasPrefix(name, p+"/") {
			return true
		}
	}
	return false
}

// matchGlob matches slashed globs against the full path and bare globs
// against the final element, so "*.log" covers logs in any directory.
// Globs are validated at registration; a malformed one cannot reach here.
func matchGlob(glob, name string) bool {
	if strings.Contains(glob, "/") {
		ok, err := path.Match(glob, name)
		return err == nil && ok
	}
	ok, err := path.Match(glob, path.Base(name))
	return err == nil && ok
}
