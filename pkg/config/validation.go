package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
)

var validate = validator.New()

// Validate checks cfg against its struct tags and the rules tags cannot
// express. Log level normalization happens in ApplyDefaults; both cases are
// accepted here.
func Validate(cfg *Config) error {
	if err := validate.Struct(cfg); err != nil {
		return formatValidationError(err)
	}
	return validateCustomRules(cfg)
}

func validateCustomRules(cfg *Config) error {
	seen := make(map[string]bool, len(cfg.Node.Members))
	for i, m := range cfg.Node.Members {
		id := strings.ToLower(strings.TrimSpace(m))
		if id == "" {
			return fmt.Errorf("node.members[%d]: empty member id", i)
		}
		if seen[id] {
			return fmt.Errorf("node.members[%d]: duplicate member %q", i, m)
		}
		seen[id] = true
	}

	if cfg.Store.Type == StoreTypeBadger && !cfg.Store.Badger.InMemory && cfg.Store.Badger.Path == "" {
		return fmt.Errorf("store.badger.path: required unless in_memory is set")
	}

	if cfg.OpLock.ScanInterval > cfg.OpLock.BreakTimeout {
		return fmt.Errorf("oplock.scan_interval (%s) must not exceed oplock.break_timeout (%s)",
			cfg.OpLock.ScanInterval, cfg.OpLock.BreakTimeout)
	}
	return nil
}

// formatValidationError reports the first validator failure with its field path.
func formatValidationError(err error) error {
	var validationErrs validator.ValidationErrors
	if errors.As(err, &validationErrs) && len(validationErrs) > 0 {
		e := validationErrs[0]
		return fmt.Errorf("%s: validation failed on '%s' tag (value: %v)",
			e.Namespace(), e.Tag(), e.Value())
	}
	return err
}
