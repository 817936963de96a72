package mavlink

import (
	"fmt"
	"slices"
	"strconv"
	"strings"

	"github.com/bluenviron/gomavlib/v3"
	"go.bug.st/serial"
)

// EndpointKind identifies a MAVLink link type.
type EndpointKind string

const (
	KindUDPServer EndpointKind = "udp-server"
	KindUDPClient EndpointKind = "udp"
	KindTCPClient EndpointKind = "tcp"
	KindTCPServer EndpointKind = "tcp-server"
	KindSerial    EndpointKind = "serial"
)

const defaultBaud = 57600

// Endpoint is a parsed link address such as "udp-server:0.0.0.0:14540" or
// "serial:/dev/ttyACM0:921600".
type Endpoint struct {
	Kind    EndpointKind
	Address string
	Baud    int
}

func (e Endpoint) String() string {
	if e.Kind == KindSerial {
		return fmt.Sprintf("%s:%s:%d", e.Kind, e.Address, e.Baud)
	}
	return fmt.Sprintf("%s:%s", e.Kind, e.Address)
}

// ParseEndpoint parses "<kind>:<address>". "udp-client" is accepted as an
// alias of "udp". Serial endpoints default to 57600 baud.
func ParseEndpoint(s string) (Endpoint, error) {
	kind, rest, ok := strings.Cut(strings.TrimSpace(s), ":")
	if !ok || rest == "" {
		return Endpoint{}, fmt.Errorf("endpoint %q: want <kind>:<address>", s)
	}

	switch EndpointKind(kind) {
	case KindUDPServer, KindUDPClient, KindTCPClient, KindTCPServer:
		if !strings.Contains(rest, ":") {
			return Endpoint{}, fmt.Errorf("endpoint %q: address needs host:port", s)
		}
		return Endpoint{Kind: EndpointKind(kind), Address: rest}, nil
	case "udp-client":
		if !strings.Contains(rest, ":") {
			return Endpoint{}, fmt.Errorf("endpoint %q: address needs host:port", s)
		}
		return Endpoint{Kind: KindUDPClient, Address: rest}, nil
	case KindSerial:
		dev, baudStr, hasBaud := cutLast(rest, ":")
		if !hasBaud {
			return Endpoint{Kind: KindSerial, Address: rest, Baud: defaultBaud}, nil
		}
		baud, err := strconv.Atoi(baudStr)
		if err != nil || baud <= 0 {
			return Endpoint{}, fmt.Errorf("endpoint %q: invalid baud rate %q", s, baudStr)
		}
		return Endpoint{Kind: KindSerial, Address: dev, Baud: baud}, nil
	default:
		return Endpoint{}, fmt.Errorf("endpoint %q: unknown kind %q", s, kind)
	}
}

func cutLast(s, sep string) (before, after string, found bool) {
	i := strings.LastIndex(s, sep)
	if i < 0 {
		return s, "", false
	}
	return s[:i], s[i+len(sep):], true
}

// portLister is swapped in tests.
var portLister = serial.GetPortsList

// endpointConf opens serial devices through go.bug.st/serial and hands the
// port to gomavlib as a custom endpoint.
func endpointConf(e Endpoint) (gomavlib.EndpointConf, error) {
	switch e.Kind {
	case KindUDPServer:
		return gomavlib.EndpointUDPServer{Address: e.Address}, nil
	case KindUDPClient:
		return gomavlib.EndpointUDPClient{Address: e.Address}, nil
	case KindTCPClient:
		return gomavlib.EndpointTCPClient{Address: e.Address}, nil
	case KindTCPServer:
		return gomavlib.EndpointTCPServer{Address: e.Address}, nil
	case KindSerial:
		ports, err := portLister()
		if err != nil {
			return nil, fmt.Errorf("list serial ports: %w", err)
		}
		if !slices.Contains(ports, e.Address) {
			return nil, fmt.Errorf("no such device %s", e.Address)
		}
		port, err := serial.Open(e.Address, &serial.Mode{
			BaudRate: e.Baud,
			DataBits: 8,
			Parity:   serial.NoParity,
			StopBits: serial.OneStopBit,
		})
		if err != nil {
			return nil, fmt.Errorf("open %s: %w", e.Address, err)
		}
		return gomavlib.EndpointCustom{ReadWriteCloser: port}, nil
	}
	return nil, fmt.Errorf("unsupported endpoint kind %q", e.Kind)
}
