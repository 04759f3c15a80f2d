package util

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"net"
	"net/netip"
	"strconv"
	"strings"
)

// InRange reports whether address falls inside rangeSpec.
//
// A rangeSpec without "/" is an exact-host entry and only matches the identical
// string. Otherwise rangeSpec is "<base>/<bits>" for either address family.
// Anything that fails to parse, mixes families, or has an out-of-range prefix
// length yields false, so a bad exception entry never exempts a request.
func InRange(address, rangeSpec string) bool {
	if !strings.Contains(rangeSpec, "/") {
		return address == rangeSpec
	}

	base, bitsStr, _ := strings.Cut(rangeSpec, "/")
	bits, err := strconv.Atoi(bitsStr)
	if err != nil {
		return false
	}

	addrBin, ok := addrBytes(address)
	if !ok {
		return false
	}
	baseBin, ok := addrBytes(base)
	if !ok {
		return false
	}

	// Both must be the same family (4 or 16 bytes).
	if len(addrBin) != len(baseBin) {
		return false
	}

	totalBits := len(addrBin) * 8
	if bits < 0 || bits > totalBits {
		return false
	}

	mask := prefixMask(bits, len(addrBin))
	for i := range addrBin {
		if addrBin[i]&mask[i] != baseBin[i]&mask[i] {
			return false
		}
	}
	return true
}

// addrBytes returns the packed binary form of s: 4 bytes for dotted IPv4,
// 16 bytes for any IPv6 literal (including IPv4-mapped ones).
func addrBytes(s string) ([]byte, bool) {
	addr, err := netip.ParseAddr(s)
	if err != nil || addr.Zone() != "" {
		return nil, false
	}
	return addr.AsSlice(), true
}

// prefixMask builds size bytes whose first bits bits are set.
func prefixMask(bits, size int) []byte {
	mask := make([]byte, size)
	for i := 0; i < bits/8; i++ {
		mask[i] = 0xff
	}
	if rem := bits % 8; rem != 0 {
		mask[bits/8] = byte(0xff << (8 - rem))
	}
	return mask
}

// AnonymizeIP truncates IPv4 to /24 (IPv6 to /48) and HMACs the network with key,
// giving a stable short identifier that is safe to put in logs.
func AnonymizeIP(ipStr string, key []byte) string {
	ip := net.ParseIP(ipStr)
	if ip == nil {
		return "unknown"
	}
	var network string
	if v4 := ip.To4(); v4 != nil {
		network = v4.Mask(net.CIDRMask(24, 32)).String()
	} else {
		network = ip.Mask(net.CIDRMask(48, 128)).String()
	}
	m := hmac.New(sha256.New, key)
	m.Write([]byte(network))
	return hex.EncodeToString(m.Sum(nil))[:16]
}
