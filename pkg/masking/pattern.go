package masking

import (
	"fmt"
	"log/slog"
	"regexp"
	"slices"

	"github.com/codespin-ai/shaman/pkg/config"
)

// CompiledPattern holds a pre-compiled regex pattern with its replacement.
type CompiledPattern struct {
	Name        string
	Regex       *regexp.Regexp
	Replacement string
	Description string
}

// resolvedPatterns holds the resolved set of maskers and patterns for a
// masking operation.
type resolvedPatterns struct {
	codeMaskerNames []string
	regexPatterns   []*CompiledPattern
}

// compileBuiltinPatterns compiles the built-in regex rules.
// Invalid patterns are logged and skipped.
func (s *Service) compileBuiltinPatterns() {
	for name, spec := range builtinPatterns() {
		compiled, err := regexp.Compile(spec.Pattern)
		if err != nil {
			slog.Error("Failed to compile built-in masking pattern, skipping",
				"pattern", name, "error", err)
			continue
		}
		s.patterns[name] = &CompiledPattern{
			Name:        name,
			Regex:       compiled,
			Replacement: spec.Replacement,
			Description: spec.Description,
		}
	}
}

// compileCustomPatterns compiles custom patterns from every MCP server
// entry. Custom patterns are keyed "custom:{server}:{index}" to avoid
// collisions with built-in names.
func (s *Service) compileCustomPatterns() {
	for server, serverCfg := range s.cfg.Servers {
		if serverCfg.Masking == nil || !serverCfg.Masking.Enabled {
			continue
		}
		for i, pattern := range serverCfg.Masking.CustomPatterns {
			name := fmt.Sprintf("custom:%s:%d", server, i)
			compiled, err := regexp.Compile(pattern.Pattern)
			if err != nil {
				slog.Error("Failed to compile custom masking pattern, skipping",
					"pattern", name, "server", server, "error", err)
				continue
			}
			s.patterns[name] = &CompiledPattern{
				Name:        name,
				Regex:       compiled,
				Replacement: pattern.Replacement,
				Description: pattern.Description,
			}
			s.serverCustomPatterns[server] = append(s.serverCustomPatterns[server], name)
		}
	}
}

// resolvePatterns expands a masking spec into a deduplicated resolvedPatterns.
func (s *Service) resolvePatterns(spec *config.MaskingSpec, server string) *resolvedPatterns {
	seen := make(map[string]bool)
	resolved := &resolvedPatterns{}

	// 1. Expand pattern groups into individual names
	for _, groupName := range spec.PatternGroups {
		for _, name := range s.groups[groupName] {
			if seen[name] {
				continue
			}
			seen[name] = true
			s.addToResolved(resolved, name)
		}
	}

	// 2. Individually named patterns
	for _, name := range spec.Patterns {
		if seen[name] {
			continue
		}
		seen[name] = true
		s.addToResolved(resolved, name)
	}

	// 3. This server's custom patterns
	if server != "" {
		for _, name := range s.serverCustomPatterns[server] {
			if seen[name] {
				continue
			}
			seen[name] = true
			if cp, ok := s.patterns[name]; ok {
				resolved.regexPatterns = append(resolved.regexPatterns, cp)
			}
		}
	}

	return resolved
}

// addToResolved adds a pattern name to the resolved set, categorizing it
// as either a code masker or a regex pattern. Unknown names are ignored.
func (s *Service) addToResolved(resolved *resolvedPatterns, name string) {
	if slices.Contains(builtinCodeMaskers, name) {
		resolved.codeMaskerNames = append(resolved.codeMaskerNames, name)
		return
	}
	if cp, ok := s.patterns[name]; ok {
		resolved.regexPatterns = append(resolved.regexPatterns, cp)
	}
}
