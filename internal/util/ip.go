package util

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"net"
)

// AnonymizeIP masks IPv4 to /24 and IPv6 to /48, then returns a short keyed
// hash of the network so log lines from one client can still be grouped.
func AnonymizeIP(ipStr string, key []byte) string {
	ip := net.ParseIP(ipStr)
	if ip == nil {
		return "unknown"
	}
	var network net.IP
	if v4 := ip.To4(); v4 != nil {
		network = v4.Mask(net.CIDRMask(24, 32))
	} else {
		network = ip.Mask(net.CIDRMask(48, 128))
	}
	m := hmac.New(sha256.New, key)
	m.Write(network)
	return hex.EncodeToString(m.Sum(nil))[:16]
}
