package buildconfig

import "github.com/bmatcuk/doublestar/v2"

// FilterBuilders applies a repository's builder include/exclude glob rules to a resolved builder
// list. include, when non-empty, is a whitelist: only
// builders matching at least one pattern survive. Otherwise exclude, when non-empty, is a
// blacklist: builders matching any pattern are dropped. Patterns are doublestar globs matched
// against the builder's plain name, e.g. "deploy-*" or "test-{unit,integration}".
func FilterBuilders(confs []BuilderConf, include, exclude []string) []BuilderConf {
	if len(include) > 0 {
		return filterByPatterns(confs, include, true)
	}
	if len(exclude) > 0 {
		return filterByPatterns(confs, exclude, false)
	}
	return confs
}

func filterByPatterns(confs []BuilderConf, patterns []string, keepOnMatch bool) []BuilderConf {
	out := make([]BuilderConf, 0, len(confs))
	for _, c := range confs {
		if matchesAny(patterns, c.Name.String()) == keepOnMatch {
			out = append(out, c)
		}
	}
	return out
}

func matchesAny(patterns []string, name string) bool {
	for _, p := range patterns {
		if ok, err := doublestar.Match(p, name); err == nil && ok {
			return true
		}
	}
	return false
}
