// Package masking redacts secrets from MCP tool results before they are
// persisted or handed to a model. Servers opt in through their masking
// spec; rules are named regex patterns, pattern groups, or structural
// maskers that parse the payload.
package masking

import (
	"log/slog"

	"github.com/codespin-ai/shaman/pkg/config"
)

// RedactionNotice replaces the entire tool result when masking itself
// fails. Failing closed keeps an unprocessable result from leaking
// whatever the rules would have caught.
const RedactionNotice = "[REDACTED: data masking failure — tool result could not be safely processed]"

// Service applies data masking to MCP tool results. Created once at
// application startup. Thread-safe and stateless aside from compiled
// patterns.
type Service struct {
	cfg                  config.MCPConfig
	patterns             map[string]*CompiledPattern
	groups               map[string][]string
	codeMaskers          map[string]Masker
	serverCustomPatterns map[string][]string
}

// NewService creates a masking service with compiled patterns and
// registered maskers. All patterns are compiled eagerly; invalid ones
// are logged and skipped.
func NewService(cfg config.MCPConfig) *Service {
	s := &Service{
		cfg:                  cfg,
		patterns:             make(map[string]*CompiledPattern),
		groups:               builtinGroups(),
		codeMaskers:          make(map[string]Masker),
		serverCustomPatterns: make(map[string][]string),
	}

	s.compileBuiltinPatterns()
	s.compileCustomPatterns()
	s.registerMasker(&JSONSecretFieldMasker{})

	slog.Info("Masking service initialized",
		"compiled_patterns", len(s.patterns),
		"code_maskers", len(s.codeMaskers))

	return s
}

// MaskToolResult applies server-specific masking to MCP tool result
// content. On masking failure it returns a redaction notice instead of
// the original content (fail-closed).
func (s *Service) MaskToolResult(content, server string) string {
	if content == "" {
		return content
	}

	serverCfg, ok := s.cfg.Server(server)
	if !ok || serverCfg.Masking == nil || !serverCfg.Masking.Enabled {
		return content
	}

	resolved := s.resolvePatterns(serverCfg.Masking, server)
	if len(resolved.codeMaskerNames) == 0 && len(resolved.regexPatterns) == 0 {
		return content
	}

	masked, err := s.applyMasking(content, resolved)
	if err != nil {
		slog.Error("Masking failed, redacting content",
			"server", server, "error", err)
		return RedactionNotice
	}

	return masked
}

// applyMasking runs code-based maskers first (structural awareness),
// then the regex patterns as a general sweep.
func (s *Service) applyMasking(content string, resolved *resolvedPatterns) (string, error) {
	masked := content

	for _, name := range resolved.codeMaskerNames {
		masker, ok := s.codeMaskers[name]
		if !ok {
			continue
		}
		if masker.AppliesTo(masked) {
			masked = masker.Mask(masked)
		}
	}

	for _, pattern := range resolved.regexPatterns {
		masked = pattern.Regex.ReplaceAllString(masked, pattern.Replacement)
	}

	return masked, nil
}

// registerMasker registers a code-based masker by its name.
func (s *Service) registerMasker(m Masker) {
	s.codeMaskers[m.Name()] = m
}
