package grpcresolve

import (
	"encoding/binary"
	"math/big"
	"net"

	netpb "github.com/linkerd/linkerd2-proxy-api/go/net"

	"github.com/linkerd/endpoint-discovery/discovery"
)

// addressFromTCP converts a linkerd2-proxy-api TcpAddress into a
// discovery.Address. Adapted from pkg/addr.ProxyAddressToString's IP
// decoding, which formats straight to a "host:port" string; the endpoint
// maker needs the IP and port kept separate.
func addressFromTCP(tcp *netpb.TcpAddress) discovery.Address {
	return discovery.Address{IP: ipString(tcp.GetIp()), Port: uint16(tcp.GetPort())}
}

func ipString(ip *netpb.IPAddress) string {
	var netIP net.IP
	switch v := ip.GetIp().(type) {
	case *netpb.IPAddress_Ipv6:
		b := make([]byte, net.IPv6len)
		binary.BigEndian.PutUint64(b[:8], v.Ipv6.GetFirst())
		binary.BigEndian.PutUint64(b[8:], v.Ipv6.GetLast())
		netIP = b
	case *netpb.IPAddress_Ipv4:
		netIP = decodeIPv4(v.Ipv4)
	}
	if netIP == nil {
		return ""
	}
	return netIP.String()
}

func decodeIPv4(ip uint32) net.IP {
	n := big.NewInt(0).SetUint64(uint64(ip))
	b := make([]byte, net.IPv4len)
	binary.BigEndian.PutUint32(b, uint32(n.Uint64()))
	return net.IP(b)
}
