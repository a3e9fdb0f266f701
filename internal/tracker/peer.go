package tracker

import (
	"encoding/binary"
	"errors"
	"fmt"
	"net/netip"
)

const (
	compactV4 = 6
	compactV6 = 18
)

var errCompactLength = errors.New("compact peer list length is not a multiple of the entry size")

// decodePeers accepts the compact binary form as well as a list of
// dictionaries with ip and port keys.
func decodePeers(v any, ipv6 bool) ([]netip.AddrPort, error) {
	switch t := v.(type) {
	case string:
		return decodeCompact([]byte(t), ipv6)
	case []any:
		return decodeDicts(t)
	default:
		return nil, fmt.Errorf("unexpected peers value %T", v)
	}
}

func decodeCompact(data []byte, ipv6 bool) ([]netip.AddrPort, error) {
	stride := compactV4
	if ipv6 {
		stride = compactV6
	}
	if len(data)%stride != 0 {
		return nil, errCompactLength
	}

	out := make([]netip.AddrPort, 0, len(data)/stride)
	for off := 0; off < len(data); off += stride {
		entry := data[off : off+stride]
		ip, _ := netip.AddrFromSlice(entry[:stride-2])
		port := binary.BigEndian.Uint16(entry[stride-2:])
		if port == 0 {
			continue
		}
		out = append(out, netip.AddrPortFrom(ip, port))
	}
	return out, nil
}

func decodeDicts(list []any) ([]netip.AddrPort, error) {
	out := make([]netip.AddrPort, 0, len(list))

	for i, item := range list {
		m, ok := item.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("peer %d is %T, want dict", i, item)
		}

		// Hostnames are not resolved.
		host, _ := m["ip"].(string)
		ip, err := netip.ParseAddr(host)
		if err != nil {
			continue
		}

		port, ok := m["port"].(int64)
		if !ok || port < 1 || port > 65535 {
			return nil, fmt.Errorf("peer %d: bad port %v", i, m["port"])
		}

		out = append(out, netip.AddrPortFrom(ip.Unmap(), uint16(port)))
	}
	return out, nil
}
