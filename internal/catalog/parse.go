package catalog

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"strings"

	"gopkg.in/yaml.v3"
)

// frontmatterDelimiter separates the structured header from the body.
const frontmatterDelimiter = "---"

var errNoFrontmatter = errors.New("missing frontmatter header")

// readFrontmatter consumes the header block from r and returns its raw YAML.
// The reader is left positioned at the first byte of the body, so callers
// that only need metadata never pay for body bytes.
func readFrontmatter(r *bufio.Reader) (string, error) {
	first, err := r.ReadString('\n')
	if err != nil && err != io.EOF {
		return "", err
	}
	if strings.TrimSpace(first) != frontmatterDelimiter {
		return "", errNoFrontmatter
	}

	var sb strings.Builder
	for {
		line, err := r.ReadString('\n')
		if strings.TrimSpace(line) == frontmatterDelimiter {
			return sb.String(), nil
		}
		sb.WriteString(line)
		if err == io.EOF {
			return "", fmt.Errorf("unterminated frontmatter header")
		}
		if err != nil {
			return "", err
		}
	}
}

// parseHeader unmarshals raw frontmatter YAML, validates it against the
// capability schema, and maps it into Metadata. Plugin and Path are the
// caller's responsibility.
func parseHeader(raw string) (*Metadata, error) {
	var fields map[string]any
	if err := yaml.Unmarshal([]byte(raw), &fields); err != nil {
		return nil, fmt.Errorf("invalid frontmatter yaml: %w", err)
	}

	if err := capabilitySchema.Validate(fields); err != nil {
		return nil, fmt.Errorf("frontmatter schema: %w", err)
	}

	meta := &Metadata{
		Name:        stringField(fields, "name"),
		Description: stringField(fields, "description"),
		Model:       stringField(fields, "model"),
		Role:        stringField(fields, "role"),
	}
	meta.Capabilities = stringListField(fields, "capabilities")
	meta.Fallbacks = stringListField(fields, "fallback_agents")
	return meta, nil
}

func stringField(fields map[string]any, key string) string {
	s, _ := fields[key].(string)
	return strings.TrimSpace(s)
}

func stringListField(fields map[string]any, key string) []string {
	raw, ok := fields[key].([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(raw))
	for _, v := range raw {
		if s, ok := v.(string); ok && strings.TrimSpace(s) != "" {
			out = append(out, strings.TrimSpace(s))
		}
	}
	return out
}
