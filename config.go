package sealio

import (
	"bufio"
	"fmt"
	"strings"

	"github.com/absfs/absfs"
)

// Rule file keys. Each value is a comma-separated list of glob patterns.
const (
	ruleKeyReadWrite = "ENCRYPT_RW_PATHS"
	ruleKeyWriteOnly = "ENCRYPT_WO_PATHS"
)

// LoadRuleFile parses a key=value rule file into encryption patterns in
// declaration order. Blank lines and lines starting with # are skipped.
// Unknown keys are rejected rather than ignored so a typo cannot silently
// disable protection.
func LoadRuleFile(fsys absfs.FileSystem, name string) ([]EncryptionPattern, error) {
	f, err := fsys.Open(name)
	if err != nil {
		return nil, &ConfigError{
			Field:   "rule file",
			Value:   name,
			Message: "cannot open rule file",
			Err:     err,
		}
	}
	defer f.Close()

	var patterns []EncryptionPattern
	scanner := bufio.NewScanner(f)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		key, value, found := strings.Cut(line, "=")
		if !found {
			return nil, NewConfigError("rule file", name,
				fmt.Sprintf("line %d: expected key=value", lineNo))
		}

		var policy Policy
		switch strings.TrimSpace(key) {
		case ruleKeyReadWrite:
			policy = PolicyReadWrite
		case ruleKeyWriteOnly:
			policy = PolicyWriteOnly
		default:
			return nil, NewConfigError("rule file", name,
				fmt.Sprintf("line %d: unknown key %q", lineNo, strings.TrimSpace(key)))
		}

		for _, glob := range strings.Split(value, ",") {
			glob = strings.TrimSpace(glob)
			if glob == "" {
				continue
			}
			if err := ValidatePattern(glob); err != nil {
				return nil, err
			}
			patterns = append(patterns, EncryptionPattern{Glob: glob, Policy: policy})
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, NewIOError("read", name, err)
	}
	return patterns, nil
}
