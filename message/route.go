package message

import (
	"github.com/pkg/errors"
)

// MaxRouteLen is the longest route a single tag can carry.
const MaxRouteLen = 255

// EncodeRoute builds routing metadata: each route is a tag of one length byte
// followed by the route bytes. Routes longer than MaxRouteLen are truncated.
func EncodeRoute(routes ...string) []byte {
	var buf []byte
	for _, r := range routes {
		if len(r) > MaxRouteLen {
			r = r[:MaxRouteLen]
		}
		buf = append(buf, byte(len(r)))
		buf = append(buf, r...)
	}
	if buf == nil {
		buf = []byte{}
	}
	return buf
}

// DecodeRoutes parses routing metadata produced by EncodeRoute.
func DecodeRoutes(b []byte) ([]string, error) {
	var routes []string
	for off := 0; off < len(b); {
		n := int(b[off])
		off++
		if off+n > len(b) {
			return nil, errors.Errorf("route tag of %d bytes truncated at offset %d", n, off)
		}
		routes = append(routes, string(b[off:off+n]))
		off += n
	}
	return routes, nil
}
