package stream

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"

	"github.com/go-playground/validator/v10"
)

var (
	// ErrInvalidAddress is returned when an output address is not host:port.
	ErrInvalidAddress = errors.New("invalid output address")
	// ErrUnsupportedProtocol is returned for transports other than udp and tcp.
	ErrUnsupportedProtocol = errors.New("unsupported protocol")
)

// Protocol is the transport carrying the RTP stream.
type Protocol string

const (
	ProtocolUDP Protocol = "udp"
	ProtocolTCP Protocol = "tcp"
)

// ParseProtocol accepts udp or tcp in any case.
func ParseProtocol(s string) (Protocol, error) {
	switch Protocol(strings.ToLower(strings.TrimSpace(s))) {
	case ProtocolUDP:
		return ProtocolUDP, nil
	case ProtocolTCP:
		return ProtocolTCP, nil
	}
	return "", fmt.Errorf("%w: %q (supported: udp, tcp)", ErrUnsupportedProtocol, s)
}

// Endpoint is a parsed host:port.
type Endpoint struct {
	Host string
	Port uint16
}

func (e Endpoint) String() string {
	return net.JoinHostPort(e.Host, strconv.Itoa(int(e.Port)))
}

var validate = validator.New()

// ParseAddress splits "host:port" into a host and a numeric port. The host
// must be an IP address or an RFC 1123 hostname.
func ParseAddress(addr string) (Endpoint, error) {
	host, portStr, err := net.SplitHostPort(strings.TrimSpace(addr))
	if err != nil {
		return Endpoint{}, fmt.Errorf("%w: %q must be host:port, e.g. 127.0.0.1:5000", ErrInvalidAddress, addr)
	}
	if host == "" {
		return Endpoint{}, fmt.Errorf("%w: %q has an empty host, e.g. 127.0.0.1:5000", ErrInvalidAddress, addr)
	}
	if err := validate.Var(host, "ip|hostname_rfc1123"); err != nil {
		return Endpoint{}, fmt.Errorf("%w: host %q is neither an IP address nor a hostname", ErrInvalidAddress, host)
	}
	port, err := strconv.ParseUint(portStr, 10, 16)
	if err != nil || port == 0 {
		return Endpoint{}, fmt.Errorf("%w: port %q must be a number between 1 and 65535", ErrInvalidAddress, portStr)
	}
	return Endpoint{Host: host, Port: uint16(port)}, nil
}
