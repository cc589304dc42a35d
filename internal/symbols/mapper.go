// mapper.go normalizes MT5 symbol names into the broker's naming.
package symbols

import "strings"

// Mapper rewrites MT5 symbol names before catalog lookup. Resolution
// order: custom map override, then prefix/suffix strip, then upper-case.
// Custom map keys are compared case-insensitively.
type Mapper struct {
	prefix string
	suffix string
	custom map[string]string // upper-cased keys and values
}

// NewMapper builds a mapper from the account's symbol settings.
func NewMapper(prefix, suffix string, custom map[string]string) *Mapper {
	m := &Mapper{
		prefix: strings.ToUpper(prefix),
		suffix: strings.ToUpper(suffix),
		custom: make(map[string]string, len(custom)),
	}
	for k, v := range custom {
		m.custom[strings.ToUpper(k)] = strings.ToUpper(v)
	}
	return m
}

// Normalize converts an MT5 symbol name to the broker's canonical name.
// A custom mapping wins outright; otherwise the configured prefix and
// suffix are stripped.
func (m *Mapper) Normalize(mt5Symbol string) string {
	raw := strings.ToUpper(strings.TrimSpace(mt5Symbol))

	if mapped, ok := m.custom[raw]; ok {
		return mapped
	}

	name := raw
	if m.prefix != "" && strings.HasPrefix(name, m.prefix) {
		name = name[len(m.prefix):]
	}
	if m.suffix != "" && strings.HasSuffix(name, m.suffix) {
		name = name[:len(name)-len(m.suffix)]
	}
	return name
}

// Resolve normalizes the name and looks it up in the catalog.
func (m *Mapper) Resolve(c *Catalog, mt5Symbol string) (int64, bool) {
	return c.IDByName(m.Normalize(mt5Symbol))
}
