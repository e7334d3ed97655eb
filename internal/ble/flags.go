package ble

import "strings"

// Property is the set of operations a characteristic supports.
type Property uint8

// Do not re-order the bit flags below;
// they match the BLE characteristic properties octet.
const (
	PropRead                 Property = 1 << (iota + 1) // the characteristic may be read
	PropWriteWithoutResponse                            // the characteristic may be written to, with no reply
	PropWrite                                           // the characteristic may be written to, with a reply
	PropNotify                                          // the characteristic supports notifications
	PropIndicate                                        // the characteristic supports indications
)

// Permission is the set of attribute permissions of a characteristic value.
type Permission uint8

const (
	PermReadable Permission = 1 << iota
	PermWriteable
)

var propertyTokens = []struct {
	token string
	prop  Property
}{
	{"read", PropRead},
	{"write", PropWrite},
	{"writeWithoutResponse", PropWriteWithoutResponse},
	{"notify", PropNotify},
	{"indicate", PropIndicate},
}

var permissionTokens = []struct {
	token string
	perm  Permission
}{
	{"readable", PermReadable},
	{"writeable", PermWriteable},
}

// ParseProperties folds property tokens into a Property set.
// Unrecognized tokens are skipped: a missing flag only means the
// capability is unavailable.
func ParseProperties(tokens []string) Property {
	var p Property
	for _, tok := range tokens {
		for _, pt := range propertyTokens {
			if tok == pt.token {
				p |= pt.prop
			}
		}
	}
	return p
}

// ParsePermissions folds permission tokens into a Permission set,
// skipping unrecognized tokens.
func ParsePermissions(tokens []string) Permission {
	var p Permission
	for _, tok := range tokens {
		for _, pt := range permissionTokens {
			if tok == pt.token {
				p |= pt.perm
			}
		}
	}
	return p
}

// Has reports whether all flags in f are set.
func (p Property) Has(f Property) bool { return p&f == f }

// Any reports whether at least one flag in f is set.
func (p Property) Any(f Property) bool { return p&f != 0 }

// Tokens returns the property names in declaration order.
func (p Property) Tokens() []string {
	tokens := []string{}
	for _, pt := range propertyTokens {
		if p&pt.prop != 0 {
			tokens = append(tokens, pt.token)
		}
	}
	return tokens
}

func (p Property) String() string { return strings.Join(p.Tokens(), "|") }

// Has reports whether all flags in f are set.
func (p Permission) Has(f Permission) bool { return p&f == f }

// Tokens returns the permission names in declaration order.
func (p Permission) Tokens() []string {
	tokens := []string{}
	for _, pt := range permissionTokens {
		if p&pt.perm != 0 {
			tokens = append(tokens, pt.token)
		}
	}
	return tokens
}

func (p Permission) String() string { return strings.Join(p.Tokens(), "|") }
