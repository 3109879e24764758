// Package keys derives the physical storage keys of the forward and reverse
// indexes from a tenant and a logical key.
//
// Layout:
//
//	forward: "KV:" + esc(tenant) + ":" + key
//	reverse: "REVERSE_KV:" + esc(key) + ":" + tenant
//
// Only the leading component is escaped, so it never contains the separator
// and the boundary between the two components is always the first separator
// after the namespace. The trailing component is stored verbatim, which keeps
// a logical prefix scan a byte-prefix scan of the physical keyspace.
package keys

import "strings"

const (
	// Separator delimits the components of a physical key.
	Separator = ":"

	forwardNamespace = "KV" + Separator
	reverseNamespace = "REVERSE_KV" + Separator
)

var escaper = strings.NewReplacer("%", "%25", Separator, "%3A")

// Escape encodes s so that it contains no Separator. Strings without '%' or
// ':' are returned unchanged.
func Escape(s string) string {
	if !strings.ContainsAny(s, "%"+Separator) {
		return s
	}
	return escaper.Replace(s)
}

// Forward returns the forward-index key for (tenant, key).
func Forward(tenant, key string) string {
	return forwardNamespace + Escape(tenant) + Separator + key
}

// ForwardPrefix returns the physical prefix shared by every forward key of
// tenant whose logical key starts with prefix.
func ForwardPrefix(tenant, prefix string) string {
	return Forward(tenant, prefix)
}

// Reverse returns the reverse-index key for (tenant, key).
func Reverse(tenant, key string) string {
	return reverseNamespace + Escape(key) + Separator + tenant
}

// ReversePrefix returns the physical prefix shared by the reverse keys of
// every tenant holding key.
func ReversePrefix(key string) string {
	return Reverse("", key)
}

// StripForward recovers the logical key from a forward key of tenant.
func StripForward(tenant, physical string) (string, bool) {
	return strings.CutPrefix(physical, ForwardPrefix(tenant, ""))
}

// StripReverse recovers the tenant from a reverse key of key.
func StripReverse(key, physical string) (string, bool) {
	return strings.CutPrefix(physical, ReversePrefix(key))
}
