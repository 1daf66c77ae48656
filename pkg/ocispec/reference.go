package ocispec

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/opencontainers/go-digest"

	"github.com/max-te/kleinladungstraeger/pkg/errdefs"
)

// Defaulting rules applied when a recipe supplies a bare image string,
// mirroring how docker.io references are conventionally expanded.
const (
	DefaultRegistry  = "registry-1.docker.io"
	DockerIOHostname = "docker.io"
	DefaultNamespace = "library"
	DefaultTag       = "latest"
)

var (
	tagPattern  = regexp.MustCompile(`^[A-Za-z0-9_][A-Za-z0-9_.-]{0,127}$`)
	hostPattern = regexp.MustCompile(`^[a-zA-Z0-9]([a-zA-Z0-9.-]*[a-zA-Z0-9])?(:[0-9]+)?$`)
	pathPattern = regexp.MustCompile(`^[a-z0-9]+((\.|_|__|-+)[a-z0-9]+)*(/[a-z0-9]+((\.|_|__|-+)[a-z0-9]+)*)*$`)
)

// Reference identifies a repository on a registry, optionally pinned to a
// tag or a digest: a (registry_host, repository_path, selector) triple.
type Reference struct {
	Host string
	Repo string
	Tag  string        // empty if Digest is set
	Dig  digest.Digest // empty if Tag is set
}

// String renders the reference in "host/repo[:tag|@digest]" form.
func (r Reference) String() string {
	s := r.Host + "/" + r.Repo
	if r.Dig != "" {
		return s + "@" + r.Dig.String()
	}
	if r.Tag != "" {
		return s + ":" + r.Tag
	}
	return s
}

// Selector returns the tag or digest string identifying the manifest to
// fetch, as used in a GET /v2/{repo}/manifests/{selector} request.
func (r Reference) Selector() string {
	if r.Dig != "" {
		return r.Dig.String()
	}
	return r.Tag
}

// ParseReference parses the "host[:port]/path/to/repo[:tag|@digest]" form,
// applying the implicit docker.io host, implicit library/ namespace, and
// implicit latest tag defaulting rules when parts are omitted.
func ParseReference(s string) (Reference, error) {
	if s == "" {
		return Reference{}, errdefs.Newf(errdefs.ErrInvalidParameter, "empty image reference")
	}

	name := s
	var selector string
	var isDigest bool

	if at := strings.LastIndex(name, "@"); at != -1 {
		selector = name[at+1:]
		name = name[:at]
		isDigest = true
	} else if colon := strings.LastIndex(name, ":"); colon != -1 && !strings.Contains(name[colon:], "/") {
		selector = name[colon+1:]
		name = name[:colon]
	}

	host := DefaultRegistry
	repo := name
	if slash := strings.Index(name, "/"); slash != -1 {
		first := name[:slash]
		if strings.ContainsAny(first, ".:") || first == "localhost" {
			host = first
			repo = name[slash+1:]
		}
	}
	if host == DefaultRegistry || host == DockerIOHostname {
		if !strings.Contains(repo, "/") {
			repo = DefaultNamespace + "/" + repo
		}
	}
	if host == DockerIOHostname {
		host = DefaultRegistry
	}

	if !hostPattern.MatchString(host) {
		return Reference{}, errdefs.Newf(errdefs.ErrInvalidParameter, "invalid registry host %q", host)
	}
	if !pathPattern.MatchString(repo) {
		return Reference{}, errdefs.Newf(errdefs.ErrInvalidParameter, "invalid repository path %q", repo)
	}

	ref := Reference{Host: host, Repo: repo}
	switch {
	case isDigest:
		dgst := digest.Digest(selector)
		if err := dgst.Validate(); err != nil {
			return Reference{}, errdefs.NewE(errdefs.ErrInvalidParameter, fmt.Errorf("invalid digest %q: %w", selector, err))
		}
		ref.Dig = dgst
	case selector != "":
		if !tagPattern.MatchString(selector) {
			return Reference{}, errdefs.Newf(errdefs.ErrInvalidParameter, "invalid tag %q", selector)
		}
		ref.Tag = selector
	default:
		ref.Tag = DefaultTag
	}
	return ref, nil
}
