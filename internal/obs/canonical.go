package obs

import "strings"

// Resource prefixes whose next path segment is an identifier. Keeps metric
// label cardinality bounded.
var idPrefixes = []string{
	"/v1/accounts/",
	"/v1/instruments/",
	"/v1/settlements/",
	"/v1/reconciliation/runs/",
}

// Trailing segments allowed after an identifier.
var idSuffixes = map[string]bool{
	"balance":    true,
	"movements":  true,
	"default":    true,
	"deactivate": true,
	"cancel":     true,
	"reverse":    true,
	"unfreeze":   true,
	"escalate":   true,
}

// CanonicalPath collapses resource identifiers inside a request path so the
// path can be used as a metric label.
func CanonicalPath(path string) string {
	if i := strings.IndexByte(path, '?'); i >= 0 {
		path = path[:i]
	}
	if path == "" {
		return "/"
	}
	for _, prefix := range idPrefixes {
		if !strings.HasPrefix(path, prefix) {
			continue
		}
		rest := strings.Trim(strings.TrimPrefix(path, prefix), "/")
		if rest == "" {
			return path
		}
		segs := strings.Split(rest, "/")
		switch {
		case len(segs) == 1:
			return prefix + ":id"
		case len(segs) == 2 && idSuffixes[segs[1]]:
			return prefix + ":id/" + segs[1]
		case len(segs) == 4 && segs[1] == "movements":
			// /v1/reconciliation/runs/:id/movements/:idx/{resolve|ignore}
			return prefix + ":id/movements/:idx/" + segs[3]
		}
		return path
	}
	return path
}
