// Package wellknown builds the OAuth protected resource metadata document
// (RFC 9728) advertised when the gateway accepts JWT bearer tokens.
package wellknown

import (
	"fmt"
	"net/url"
	"strings"
)

// ProtectedResourcePath is the well-known prefix of the metadata document.
const ProtectedResourcePath = "/.well-known/oauth-protected-resource"

type ProtectedResourceMetadata struct {
	Resource               string   `json:"resource"`
	AuthorizationServers   []string `json:"authorization_servers,omitempty"`
	BearerMethodsSupported []string `json:"bearer_methods_supported,omitempty"`
	ResourceName           string   `json:"resource_name,omitempty"`
}

// NewProtectedResourceMetadata describes resource, protected by tokens from
// the given issuers. Only the Authorization header is accepted.
func NewProtectedResourceMetadata(resource, name string, issuers ...string) ProtectedResourceMetadata {
	return ProtectedResourceMetadata{
		Resource:               resource,
		AuthorizationServers:   issuers,
		BearerMethodsSupported: []string{"header"},
		ResourceName:           name,
	}
}

// MetadataPath returns the path the document for resource is served on: the
// well-known prefix followed by the resource's own path.
func MetadataPath(resource string) (string, error) {
	u, err := parseResource(resource)
	if err != nil {
		return "", err
	}
	return ProtectedResourcePath + strings.TrimSuffix(u.Path, "/"), nil
}

// MetadataURL returns the absolute URL of the document for resource.
func MetadataURL(resource string) (string, error) {
	u, err := parseResource(resource)
	if err != nil {
		return "", err
	}
	path, _ := MetadataPath(resource)
	return (&url.URL{Scheme: u.Scheme, Host: u.Host, Path: path}).String(), nil
}

func parseResource(resource string) (*url.URL, error) {
	u, err := url.Parse(resource)
	if err != nil {
		return nil, fmt.Errorf("wellknown: invalid resource %q: %w", resource, err)
	}
	if u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("wellknown: resource must be an absolute URL: %q", resource)
	}
	return u, nil
}
