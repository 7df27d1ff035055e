// Copyright 2024-2026 Madhukar Beema, Distinguished Engineer. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package connector

import "strings"

// headerMatch is one Header:substring rule.
type headerMatch struct {
	name   string
	substr string
}

// HTTPHeaderFilter selects HTTP records by response header content.
// Inclusions require at least one match when present; exclusions always
// veto. Parsed from a comma-separated list of "Header:substr" entries
// where a leading "-" marks an exclusion.
type HTTPHeaderFilter struct {
	inclusions []headerMatch
	exclusions []headerMatch
}

// ParseHTTPHeaderFilters parses the filter grammar, e.g.
// "Content-Type:json,-Content-Encoding:gzip".
func ParseHTTPHeaderFilters(spec string) HTTPHeaderFilter {
	var f HTTPHeaderFilter

	for _, entry := range strings.Split(spec, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}

		exclude := strings.HasPrefix(entry, "-")
		if exclude {
			entry = entry[1:]
		}

		name, substr, ok := strings.Cut(entry, ":")
		if !ok {
			continue
		}
		m := headerMatch{
			name:   strings.ToLower(strings.TrimSpace(name)),
			substr: strings.TrimSpace(substr),
		}

		if exclude {
			f.exclusions = append(f.exclusions, m)
		} else {
			f.inclusions = append(f.inclusions, m)
		}
	}

	return f
}

// Empty reports whether no rules are configured.
func (f *HTTPHeaderFilter) Empty() bool {
	return len(f.inclusions) == 0 && len(f.exclusions) == 0
}

// Matches applies the filter to a response header map.
func (f *HTTPHeaderFilter) Matches(headers map[string]string) bool {
	lower := make(map[string]string, len(headers))
	for k, v := range headers {
		lower[strings.ToLower(k)] = v
	}

	for _, m := range f.exclusions {
		if v, ok := lower[m.name]; ok && strings.Contains(v, m.substr) {
			return false
		}
	}

	if len(f.inclusions) == 0 {
		return true
	}
	for _, m := range f.inclusions {
		if v, ok := lower[m.name]; ok && strings.Contains(v, m.substr) {
			return true
		}
	}
	return false
}
