package config

import (
	"fmt"
	"strings"

	"github.com/modoterra/diaglog/pkg/aggregator"
	"github.com/modoterra/diaglog/pkg/core"
	"github.com/modoterra/diaglog/pkg/transport/uds"
)

// Validate checks the config for structural correctness.
func Validate(c *Config) []error {
	var errs []error

	if c.Version != 1 {
		errs = append(errs, fmt.Errorf("version must be 1, got %d", c.Version))
	}

	switch {
	case c.Budget <= 0:
		errs = append(errs, fmt.Errorf("budget must be positive, got %d", c.Budget))
	case c.Budget > uds.MaxArtifactSize:
		errs = append(errs, fmt.Errorf("budget %s exceeds the %s export limit", c.Budget, ByteSize(uds.MaxArtifactSize)))
	}

	if _, err := aggregator.ParseEncoding(c.Export.Encoding); err != nil {
		errs = append(errs, fmt.Errorf("export: %w", err))
	}

	switch c.Mirror {
	case "", "slog", "journal":
	default:
		errs = append(errs, fmt.Errorf("mirror must be slog or journal; got %q", c.Mirror))
	}

	for _, name := range c.SourceNames() {
		src := c.Sources[name]
		if strings.ContainsAny(name, ": ") {
			errs = append(errs, fmt.Errorf("source %q: name must not contain ':' or spaces", name))
		}
		if src.Level != "" {
			if _, err := core.ParseLevel(src.Level); err != nil {
				errs = append(errs, fmt.Errorf("source %q: %w", name, err))
			}
		}
		switch src.Kind {
		case string(core.KindExec):
			if src.Command == "" {
				errs = append(errs, fmt.Errorf("source %q (exec): command is required", name))
			}
			if src.Restart != "" && src.Restart != "always" && src.Restart != "on-failure" && src.Restart != "never" {
				errs = append(errs, fmt.Errorf("source %q (exec): restart must be always, on-failure, or never; got %q", name, src.Restart))
			}
		case string(core.KindFile):
			if len(src.Files) == 0 {
				errs = append(errs, fmt.Errorf("source %q (file): files is required", name))
			}
		case string(core.KindJournal):
			if src.Unit == "" {
				errs = append(errs, fmt.Errorf("source %q (journal): unit is required", name))
			}
		case "":
			errs = append(errs, fmt.Errorf("source %q: kind is required", name))
		default:
			errs = append(errs, fmt.Errorf("source %q: unknown kind %q", name, src.Kind))
		}
	}

	return errs
}
