// Package message defines the payload exchanged on every stream.
//
// A Payload is what travels in request and payload frames: optional metadata
// (routing information) plus the application data, serialized by the codec
// layer.
package message

// Payload carries the metadata and data of one request or item.
//
//   - Metadata is nil when the frame carried none. Routing metadata built with
//     New lives here.
//   - Data holds the codec-encoded value.
type Payload struct {
	Metadata []byte
	Data     []byte
}

// New builds a payload addressed to route.
func New(route string, data []byte) Payload {
	return Payload{Metadata: EncodeRoute(route), Data: data}
}

// Route returns the first route in the payload's metadata, or "" if none.
func (p Payload) Route() string {
	routes, err := DecodeRoutes(p.Metadata)
	if err != nil || len(routes) == 0 {
		return ""
	}
	return routes[0]
}

// Clone returns a deep copy of p.
func (p Payload) Clone() Payload {
	var c Payload
	if p.Metadata != nil {
		c.Metadata = append([]byte{}, p.Metadata...)
	}
	if p.Data != nil {
		c.Data = append([]byte{}, p.Data...)
	}
	return c
}

// String renders the data as text, for logs and the CLI.
func (p Payload) String() string { return string(p.Data) }
