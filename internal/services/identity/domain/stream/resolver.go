// Package stream maps object identities to event stream names and back.
//
// A stream name has the shape <prefix>_<id>_<Type>. The prefix may not
// contain an underscore and the type token is drawn from a closed set, so
// the pattern anchors on both ends and the id in the middle can be any
// non-empty string, including one that contains the prefix itself.
package stream

import (
	"fmt"
	"regexp"
	"strings"

	apperrors "github.com/louisbranch/identity.space/internal/platform/errors"
	"github.com/louisbranch/identity.space/internal/services/identity/domain/ident"
)

// DefaultPrefix is used when no prefix is configured.
const DefaultPrefix = "identity"

const separator = "_"

var prefixPattern = regexp.MustCompile(`^[A-Za-z0-9.\-]+$`)

// Resolver converts between ObjectIdent and stream names for one prefix.
// It is immutable and safe for concurrent use.
type Resolver struct {
	prefix        string
	defaultStream string
	pattern       *regexp.Regexp
	idGroup       int
	typeGroup     int
}

// NewResolver compiles the stream pattern for prefix. An empty prefix falls
// back to DefaultPrefix; an empty default stream to "<prefix>_all".
func NewResolver(prefix, defaultStream string) (*Resolver, error) {
	prefix = strings.TrimSpace(prefix)
	if prefix == "" {
		prefix = DefaultPrefix
	}
	if !prefixPattern.MatchString(prefix) {
		return nil, apperrors.WithMetadata(
			apperrors.CodeInvalidArgument,
			fmt.Sprintf("stream prefix %q must match %s", prefix, prefixPattern),
			map[string]string{"prefix": prefix},
		)
	}
	defaultStream = strings.TrimSpace(defaultStream)
	if defaultStream == "" {
		defaultStream = prefix + separator + "all"
	}

	tokens := make([]string, 0, len(ident.Types()))
	for _, t := range ident.Types() {
		tokens = append(tokens, regexp.QuoteMeta(string(t)))
	}
	pattern := regexp.MustCompile(
		`(?s)^` + regexp.QuoteMeta(prefix+separator) +
			`(?P<id>.+)` + regexp.QuoteMeta(separator) +
			`(?P<type>` + strings.Join(tokens, "|") + `)$`,
	)
	return &Resolver{
		prefix:        prefix,
		defaultStream: defaultStream,
		pattern:       pattern,
		idGroup:       pattern.SubexpIndex("id"),
		typeGroup:     pattern.SubexpIndex("type"),
	}, nil
}

// MustNewResolver panics on an invalid prefix; intended for tests and
// package-level defaults.
func MustNewResolver(prefix, defaultStream string) *Resolver {
	r, err := NewResolver(prefix, defaultStream)
	if err != nil {
		panic(err)
	}
	return r
}

// Prefix returns the configured prefix.
func (r *Resolver) Prefix() string { return r.prefix }

// GetDefaultStreamName returns the stream used for events without a target.
func (r *Resolver) GetDefaultStreamName() string { return r.defaultStream }

// GetStreamName renders the stream name owned by o.
func (r *Resolver) GetStreamName(o ident.ObjectIdent) (string, error) {
	if err := o.Validate(); err != nil {
		return "", err
	}
	return r.prefix + separator + o.ID + separator + string(o.Type), nil
}

// GetObjectIdentFromStreamName parses a stream name produced by
// GetStreamName for the same prefix.
func (r *Resolver) GetObjectIdentFromStreamName(name string) (ident.ObjectIdent, error) {
	match := r.pattern.FindStringSubmatch(name)
	if match == nil {
		return ident.ObjectIdent{}, apperrors.WithMetadata(
			apperrors.CodeUnresolvableStream,
			fmt.Sprintf("stream %q does not match prefix %q", name, r.prefix),
			map[string]string{"stream": name},
		)
	}
	return ident.ObjectIdent{
		ID:   match[r.idGroup],
		Type: ident.Type(match[r.typeGroup]),
	}, nil
}

// GetStreamNamePattern exposes the compiled pattern for subscription filters.
func (r *Resolver) GetStreamNamePattern() *regexp.Regexp {
	return r.pattern
}
