// Package connstr composes and parses the connection strings published by
// hosted resources.
//
// Three output formats are supported and each hosted resource picks exactly
// one of them when it is constructed:
//
//	TokenQuery   scheme://host:port?token=TOKEN
//	URL          scheme://host:port
//	KeyValueURL  URL=scheme://host:port
//
// Key-value strings (as produced by KeyValueURL and extended by child
// resources, e.g. "URL=http://localhost:8080;Database=orders") are read back
// with Parse.
package connstr

import (
	"fmt"
	"strconv"
	"strings"
)

// Format selects the template used to render a connection string.
type Format int

const (
	// TokenQuery renders scheme://host:port?token=TOKEN.
	TokenQuery Format = iota

	// URL renders scheme://host:port.
	URL

	// KeyValueURL renders URL=scheme://host:port.
	KeyValueURL
)

// String returns the format name.
func (f Format) String() string {
	switch f {
	case TokenQuery:
		return "token-query"
	case URL:
		return "url"
	case KeyValueURL:
		return "key-value-url"
	default:
		return "format(" + strconv.Itoa(int(f)) + ")"
	}
}

// Render builds a connection string. It performs no I/O and no escaping: the
// values are written exactly as given so that dependents parsing the string
// see the runtime-reported host and port verbatim.
func Render(f Format, scheme, host string, port int, token string) string {
	base := fmt.Sprintf("%s://%s:%d", scheme, host, port)

	switch f {
	case TokenQuery:
		return base + "?token=" + token
	case KeyValueURL:
		return "URL=" + base
	default:
		return base
	}
}

// Scheme returns "https" when secured is true, "http" otherwise.
func Scheme(secured bool) string {
	if secured {
		return "https"
	}
	return "http"
}

// EnvName returns the environment variable a dependent reads the connection
// string for name from, e.g. "CONNECTION_STRINGS__MY_DB" for "my-db".
func EnvName(name string) string {
	n := strings.ToUpper(strings.NewReplacer("-", "_", ".", "_").Replace(name))
	return "CONNECTION_STRINGS__" + n
}
