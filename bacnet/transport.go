package bacnet

import "fmt"

// Address locates one BACnet device on the network.
type Address struct {
	Host   string
	Port   int
	Device uint32 // device instance number
}

func (a Address) String() string {
	return fmt.Sprintf("%s:%d/%d", a.Host, a.Port, a.Device)
}

// PropertyRequest identifies a single property of a single object.
type PropertyRequest struct {
	ObjectType     ObjectType
	ObjectInstance uint32
	Property       PropertyID
}

// Shared wraps a transport so that Close becomes a no-op. Several clients can
// then sit on one underlying endpoint (the usual arrangement for BACnet/IP,
// where one socket serves every device) with the owner closing it at
// shutdown.
func Shared(t Transport) Transport {
	return sharedTransport{Transport: t}
}

type sharedTransport struct {
	Transport
}

func (sharedTransport) Close() error {
	return nil
}

// Transport performs the byte-level BACnet communication. Implementations
// wrap an external protocol codec; this package only layers timeouts and
// result shaping on top.
//
// Calls are blocking and carry no deadline of their own - the Client wraps
// every call in its own timeout so a hung device can never hang a caller.
type Transport interface {
	// ReadProperty reads a single property from the device at `addr`.
	ReadProperty(addr Address, req PropertyRequest) (interface{}, error)

	// ReadPropertyMultiple reads several properties in one request. The
	// returned values are index-aligned with the requests. An error applies
	// to the request as a whole.
	ReadPropertyMultiple(addr Address, reqs []PropertyRequest) ([]interface{}, error)

	// Close releases the underlying network endpoint.
	Close() error
}
