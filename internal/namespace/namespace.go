// Package namespace derives per-user storage keys.
//
// Identities are encoded losslessly: ASCII letters and digits pass through and
// every other byte becomes "_" plus its two-digit hex code. Two distinct
// identities therefore never share a prefix, and the result is safe to use as a
// file name or storage key.
package namespace

import (
	"fmt"
	"strings"

	"plansync/internal/model"
)

const (
	Prefix    = "plansync_user_"
	Anonymous = "_anonymous" // unreachable by Encode for any non-empty identity
)

// Identity returns the raw identity used for namespacing: the user id when set,
// otherwise the normalized email.
func Identity(u *model.User) string {
	if u == nil {
		return ""
	}
	if id := strings.TrimSpace(u.ID); id != "" {
		return id
	}
	return strings.ToLower(strings.TrimSpace(u.Email))
}

// Encode maps an identity onto the key-safe alphabet [A-Za-z0-9_].
func Encode(identity string) string {
	if identity == "" {
		return Anonymous
	}
	var b strings.Builder
	b.Grow(len(identity))
	for i := 0; i < len(identity); i++ {
		c := identity[i]
		if isAlnum(c) {
			b.WriteByte(c)
			continue
		}
		fmt.Fprintf(&b, "_%02x", c)
	}
	return b.String()
}

// PrefixFor returns "<Prefix><encoded identity>_".
func PrefixFor(u *model.User) string {
	return Prefix + Encode(Identity(u)) + "_"
}

// KeyFor returns the namespaced storage key for one data type.
func KeyFor(u *model.User, dataType model.Collection) string {
	return PrefixFor(u) + string(dataType)
}

func isAlnum(c byte) bool {
	return (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9')
}
