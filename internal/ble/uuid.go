package ble

import (
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"strings"

	uuid "github.com/satori/go.uuid"
)

// UUID is a 128-bit Bluetooth UUID. It is comparable, so characteristics
// are indexed by it directly instead of by its string form.
type UUID [16]byte

// baseUUID is the Bluetooth Base UUID 00000000-0000-1000-8000-00805f9b34fb
// that 16- and 32-bit short UUIDs are expanded against.
var baseUUID = UUID{0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x10, 0x00, 0x80, 0x00, 0x00, 0x80, 0x5f, 0x9b, 0x34, 0xfb}

// CCCDUUID identifies the Client Characteristic Configuration Descriptor
// (00002902-0000-1000-8000-00805f9b34fb).
var CCCDUUID = UUID16(0x2902)

// UUID16 returns the 128-bit form of a 16-bit SIG-assigned UUID.
func UUID16(short uint16) UUID {
	return UUID32(uint32(short))
}

// UUID32 returns the 128-bit form of a 32-bit SIG-assigned UUID.
func UUID32(short uint32) UUID {
	u := baseUUID
	binary.BigEndian.PutUint32(u[:4], short)
	return u
}

// ParseUUID parses the canonical hyphenated form, its braced and URN
// variants, 32 bare hex digits, or a 4/8 digit short form.
func ParseUUID(s string) (UUID, error) {
	s = strings.TrimSpace(s)
	switch len(s) {
	case 4, 8:
		b, err := hex.DecodeString(s)
		if err != nil {
			return UUID{}, fmt.Errorf("ble: parse uuid %q: %w", s, err)
		}
		var short uint32
		for _, x := range b {
			short = short<<8 | uint32(x)
		}
		return UUID32(short), nil
	case 32:
		s = s[0:8] + "-" + s[8:12] + "-" + s[12:16] + "-" + s[16:20] + "-" + s[20:]
	}
	u, err := uuid.FromString(s)
	if err != nil {
		return UUID{}, fmt.Errorf("ble: parse uuid %q: %w", s, err)
	}
	return UUID(u), nil
}

// MustParseUUID is like ParseUUID but panics on error.
func MustParseUUID(s string) UUID {
	u, err := ParseUUID(s)
	if err != nil {
		panic(err)
	}
	return u
}

// String returns the lower case 8-4-4-4-12 form.
func (u UUID) String() string {
	return uuid.UUID(u).String()
}

// IsZero reports whether u is the nil UUID.
func (u UUID) IsZero() bool {
	return u == UUID{}
}

// Is16Bit reports whether u is a 16-bit SIG-assigned UUID.
func (u UUID) Is16Bit() bool {
	return u[0] == 0 && u[1] == 0 && u.isBased()
}

func (u UUID) isBased() bool {
	for i := 4; i < 16; i++ {
		if u[i] != baseUUID[i] {
			return false
		}
	}
	return true
}

func (u UUID) MarshalText() ([]byte, error) {
	return []byte(u.String()), nil
}

func (u *UUID) UnmarshalText(text []byte) error {
	parsed, err := ParseUUID(string(text))
	if err != nil {
		return err
	}
	*u = parsed
	return nil
}
