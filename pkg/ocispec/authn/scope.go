package authn

import (
	"context"
	"slices"
	"strings"
)

// RepositoryScope formats a token-endpoint scope string for a repository
// and a set of actions, e.g. "repository:library/busybox:pull,push".
// Returns "" if repository is empty or no action survives cleaning.
func RepositoryScope(repository string, actions ...string) string {
	cleaned := cleanActions(actions)
	if repository == "" || len(cleaned) == 0 {
		return ""
	}
	return "repository:" + repository + ":" + strings.Join(cleaned, ",")
}

type scopesContextKey struct{}

// GetScopes returns the scopes attached to ctx, or nil if none.
func GetScopes(ctx context.Context) []string {
	scopes, _ := ctx.Value(scopesContextKey{}).([]string)
	return scopes
}

// WithScopes replaces ctx's scopes with the cleaned, merged form of
// scopes.
func WithScopes(ctx context.Context, scopes ...string) context.Context {
	return context.WithValue(ctx, scopesContextKey{}, CleanScopes(scopes))
}

// AppendScopes merges scopes into ctx's existing scopes and stores the
// cleaned result.
func AppendScopes(ctx context.Context, scopes ...string) context.Context {
	merged := append(append([]string(nil), GetScopes(ctx)...), scopes...)
	return context.WithValue(ctx, scopesContextKey{}, CleanScopes(merged))
}

// CleanScopes merges a list of "resourcetype:resourcename:actions" scope
// strings, combining the action sets of entries that share a
// (resourcetype, resourcename) pair, deduping and sorting actions, and
// collapsing to "*" if a wildcard action is present anywhere in the group.
// A group left with no actions after cleaning is dropped. Strings that
// don't parse as "type:name:actions" are kept verbatim. The result is
// sorted lexicographically; nil if nothing remains.
func CleanScopes(scopes []string) []string {
	type key struct{ typ, name string }
	order := []key{}
	grouped := map[key][]string{}
	literals := map[string]struct{}{}

	for _, s := range scopes {
		typ, rest, ok := strings.Cut(s, ":")
		if !ok {
			literals[s] = struct{}{}
			continue
		}
		name, actionsStr, ok := strings.Cut(rest, ":")
		if !ok {
			literals[s] = struct{}{}
			continue
		}
		k := key{typ, name}
		if _, seen := grouped[k]; !seen {
			order = append(order, k)
		}
		grouped[k] = append(grouped[k], strings.Split(actionsStr, ",")...)
	}

	result := make([]string, 0, len(order)+len(literals))
	for _, k := range order {
		actions := cleanActions(grouped[k])
		if len(actions) == 0 {
			continue
		}
		result = append(result, k.typ+":"+k.name+":"+strings.Join(actions, ","))
	}
	for s := range literals {
		result = append(result, s)
	}

	if len(result) == 0 {
		return nil
	}
	slices.Sort(result)
	return result
}

// cleanActions drops empty entries, dedupes and sorts the rest, and
// collapses the whole set to ["*"] if a wildcard is present anywhere.
func cleanActions(actions []string) []string {
	set := make(map[string]struct{}, len(actions))
	for _, a := range actions {
		if a == "" {
			continue
		}
		if a == "*" {
			return []string{"*"}
		}
		set[a] = struct{}{}
	}
	if len(set) == 0 {
		return nil
	}
	cleaned := make([]string, 0, len(set))
	for a := range set {
		cleaned = append(cleaned, a)
	}
	slices.Sort(cleaned)
	return cleaned
}
