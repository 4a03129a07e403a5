package mcp

import (
	"crypto/sha1"
	"encoding/hex"
	"strings"
	"unicode"
)

// ToolPrefix namespaces every remote tool.
const ToolPrefix = "mcp"

const (
	nameSeparator  = "__"
	maxToolNameLen = 64
)

// ToolDescriptor is one entry of the merged tool registry.
type ToolDescriptor struct {
	QualifiedName string         `json:"qualifiedName" yaml:"qualifiedName"`
	LocalName     string         `json:"name" yaml:"name"`
	Description   string         `json:"description" yaml:"description"`
	OwnerProvider string         `json:"ownerProvider" yaml:"ownerProvider"`
	InputSchema   map[string]any `json:"inputSchema,omitempty" yaml:"-"`
}

// QualifiedName renders <prefix>__<provider>__<local> with both segments
// sanitised. It does not resolve collisions; the pool does.
func QualifiedName(provider, local string) string {
	return ToolPrefix + nameSeparator + sanitizeToolPart(provider) + nameSeparator + sanitizeToolPart(local)
}

// namer hands out unique qualified names within one provider.
type namer struct {
	used map[string]struct{}
}

func newNamer() *namer { return &namer{used: map[string]struct{}{}} }

// name expects an already sanitised, pool-unique provider segment.
func (n *namer) name(segment, local string) string {
	name := ToolPrefix + nameSeparator + segment + nameSeparator + sanitizeToolPart(local)
	if len(name) > maxToolNameLen {
		name = truncateWithHash(name, segment, local)
	}
	if _, exists := n.used[name]; exists {
		name = dedupeWithHash(name, segment, local)
	}
	n.used[name] = struct{}{}
	return name
}

// sanitizeToolPart keeps letters, digits and '-' so names satisfy model APIs.
// Separator runs collapse to a single '_' so segments never contain "__".
func sanitizeToolPart(value string) string {
	var b strings.Builder
	b.Grow(len(value))
	underscore := false
	for _, r := range value {
		switch {
		case r < unicode.MaxASCII && (unicode.IsLetter(r) || unicode.IsDigit(r) || r == '-'):
			b.WriteRune(r)
			underscore = false
		default:
			if !underscore {
				b.WriteByte('_')
				underscore = true
			}
		}
	}
	clean := strings.Trim(b.String(), "_")
	if clean == "" {
		return "tool"
	}
	return clean
}

func toolNameHash(provider, local string) string {
	sum := sha1.Sum([]byte(provider + ":" + local))
	return hex.EncodeToString(sum[:])[:8]
}

func truncateWithHash(name, provider, local string) string {
	suffix := "_" + toolNameHash(provider, local)
	return strings.TrimRight(name[:maxToolNameLen-len(suffix)], "_") + suffix
}

func dedupeWithHash(name, provider, local string) string {
	suffix := "_" + toolNameHash(provider, local)
	if len(name)+len(suffix) > maxToolNameLen {
		name = strings.TrimRight(name[:maxToolNameLen-len(suffix)], "_")
	}
	return name + suffix
}
