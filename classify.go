package swcache

import (
	"net/http"
	"net/url"
)

// Class is the handling strategy chosen for an intercepted request.
type Class string

const (
	// Same origin or allow-listed origin, handled cache-first.
	ClassStatic Class = "IN_SCOPE_STATIC"
	// Media file, handled cache-first without the storage validity gate.
	ClassMedia Class = "IN_SCOPE_MEDIA"
	// Deny-listed, must not be intercepted or observed.
	ClassExcluded Class = "EXCLUDED"
	// Any other origin, not intercepted.
	ClassOutOfScope Class = "OUT_OF_SCOPE"
)

// Intercepted reports whether the worker handles requests of this class.
func (c Class) Intercepted() bool {
	return c == ClassStatic || c == ClassMedia
}

// Classify decides how a request for the absolute URL u, made by a page on pageOrigin, is handled.
// Exclusion wins over everything, then the media pattern, then the origin allow-list.
func (s *Settings) Classify(u *url.URL, pageOrigin *url.URL) Class {
	full := u.String()
	for _, re := range s.exclude {
		if re.MatchString(full) {
			return ClassExcluded
		}
	}
	if s.media != nil && s.media.MatchString(u.Path) {
		return ClassMedia
	}
	origin := originOf(u)
	if pageOrigin != nil && origin == originOf(pageOrigin) {
		return ClassStatic
	}
	if _, ok := s.allowedOrigins[origin]; ok {
		return ClassStatic
	}
	return ClassOutOfScope
}

// classifyRequest classifies an intercepted request.
// Only GET requests can be served from or stored to the cache, anything else is out of scope.
func (s *Settings) classifyRequest(r *http.Request, u *url.URL) Class {
	if r.Method != http.MethodGet {
		return ClassOutOfScope
	}
	return s.Classify(u, s.Origin)
}
