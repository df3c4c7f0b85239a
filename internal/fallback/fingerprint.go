package fallback

import (
	"encoding/hex"
	"net/http"
	"sort"
	"strings"

	"github.com/zeebo/blake3"
)

// domainKey is a 32-byte BLAKE3 key. Each part of a request is hashed under
// its own key so that equal bytes in different parts never collide.
type domainKey [32]byte

func newDomainKey(name string) domainKey {
	var k domainKey
	copy(k[:], name)
	return k
}

// Changing any of these invalidates every cached entry.
var (
	methodDomainKey  = newDomainKey("fallback.fingerprint.method")
	urlDomainKey     = newDomainKey("fallback.fingerprint.url")
	headerDomainKey  = newDomainKey("fallback.fingerprint.headers")
	bodyDomainKey    = newDomainKey("fallback.fingerprint.body")
	composeDomainKey = newDomainKey("fallback.fingerprint")
)

// Fingerprint derives the cache key of a request from its method, URL,
// headers and body. Header names are compared case-insensitively and in
// sorted order; values keep their order. Proxy-only headers are ignored.
// The result is 64 hex characters.
func Fingerprint(req Request) string {
	method := keyedHash(methodDomainKey, []byte(strings.ToUpper(req.Method)))
	u := keyedHash(urlDomainKey, []byte(req.URL))
	headers := keyedHash(headerDomainKey, canonicalHeaders(req.Header))
	body := keyedHash(bodyDomainKey, req.Body)

	var combined [128]byte
	copy(combined[0:32], method[:])
	copy(combined[32:64], u[:])
	copy(combined[64:96], headers[:])
	copy(combined[96:128], body[:])
	sum := keyedHash(composeDomainKey, combined[:])
	return hex.EncodeToString(sum[:])
}

// canonicalHeaders serializes h as lower-cased names in sorted order, each
// followed by its values. 0x00 terminates names and values, 0x01 ends a
// header.
func canonicalHeaders(h http.Header) []byte {
	keys := make([]string, 0, len(h))
	for k := range h {
		if isProxyHeader(k) {
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)

	merged := make(map[string][]string, len(keys))
	names := make([]string, 0, len(keys))
	for _, k := range keys {
		name := strings.ToLower(k)
		if _, ok := merged[name]; !ok {
			names = append(names, name)
		}
		merged[name] = append(merged[name], h[k]...)
	}
	sort.Strings(names)

	var b strings.Builder
	for _, name := range names {
		b.WriteString(name)
		b.WriteByte(0x00)
		for _, v := range merged[name] {
			b.WriteString(v)
			b.WriteByte(0x00)
		}
		b.WriteByte(0x01)
	}
	return []byte(b.String())
}

func keyedHash(key domainKey, data []byte) [32]byte {
	// NewKeyed only fails on a key that is not 32 bytes long.
	hasher, err := blake3.NewKeyed(key[:])
	if err != nil {
		panic("fallback: BLAKE3 keyed hash initialization failed: " + err.Error())
	}
	_, _ = hasher.Write(data)
	var sum [32]byte
	copy(sum[:], hasher.Sum(nil))
	return sum
}
