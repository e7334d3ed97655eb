// Package att holds the Attribute Protocol pieces the GATT engine needs:
// error codes, the Client Characteristic Configuration encoding and the
// offset rules for long reads and writes.
package att

import (
	"encoding/binary"
	"fmt"
)

// Status is an ATT error code as carried in an Error Response PDU.
type Status uint8

// Values are fixed by the Bluetooth Core spec, Vol 3, Part F, 3.4.1.1.
const (
	StatusSuccess                       Status = 0x00
	StatusInvalidHandle                 Status = 0x01
	StatusReadNotPermitted              Status = 0x02
	StatusWriteNotPermitted             Status = 0x03
	StatusInvalidPDU                    Status = 0x04
	StatusInsufficientAuthentication    Status = 0x05
	StatusRequestNotSupported           Status = 0x06
	StatusInvalidOffset                 Status = 0x07
	StatusInsufficientAuthorization     Status = 0x08
	StatusPrepareQueueFull              Status = 0x09
	StatusAttributeNotFound             Status = 0x0a
	StatusAttributeNotLong              Status = 0x0b
	StatusInsufficientEncryptionKeySize Status = 0x0c
	StatusInvalidAttributeValueLength   Status = 0x0d
	StatusUnlikelyError                 Status = 0x0e
	StatusInsufficientEncryption        Status = 0x0f
	StatusUnsupportedGroupType          Status = 0x10
	StatusInsufficientResources         Status = 0x11
)

var statusNames = map[Status]string{
	StatusSuccess:                       "Success",
	StatusInvalidHandle:                 "InvalidHandle",
	StatusReadNotPermitted:              "ReadNotPermitted",
	StatusWriteNotPermitted:             "WriteNotPermitted",
	StatusInvalidPDU:                    "InvalidPDU",
	StatusInsufficientAuthentication:    "InsufficientAuthentication",
	StatusRequestNotSupported:           "RequestNotSupported",
	StatusInvalidOffset:                 "InvalidOffset",
	StatusInsufficientAuthorization:     "InsufficientAuthorization",
	StatusPrepareQueueFull:              "PrepareQueueFull",
	StatusAttributeNotFound:             "AttributeNotFound",
	StatusAttributeNotLong:              "AttributeNotLong",
	StatusInsufficientEncryptionKeySize: "InsufficientEncryptionKeySize",
	StatusInvalidAttributeValueLength:   "InvalidAttributeValueLength",
	StatusUnlikelyError:                 "UnlikelyError",
	StatusInsufficientEncryption:        "InsufficientEncryption",
	StatusUnsupportedGroupType:          "UnsupportedGroupType",
	StatusInsufficientResources:         "InsufficientResources",
}

func (s Status) String() string {
	if name, ok := statusNames[s]; ok {
		return name
	}
	return fmt.Sprintf("Status(0x%02x)", uint8(s))
}

// Client Characteristic Configuration bits.
const (
	CCCDNotify   uint16 = 0x0001
	CCCDIndicate uint16 = 0x0002
)

// DecodeCCCD decodes a Client Characteristic Configuration value.
//
//	octet 0-1 (uint16, little-endian): bit 0 notify, bit 1 indicate
func DecodeCCCD(value []byte) (uint16, error) {
	if len(value) != 2 {
		return 0, fmt.Errorf("att: cccd value must be 2 bytes, got %d", len(value))
	}
	return binary.LittleEndian.Uint16(value), nil
}

// EncodeCCCD encodes flags as a Client Characteristic Configuration value.
func EncodeCCCD(flags uint16) []byte {
	b := make([]byte, 2)
	binary.LittleEndian.PutUint16(b, flags)
	return b
}

// ReadAt returns a copy of value starting at offset. An offset past the
// end of value yields StatusInvalidOffset; an offset equal to its length
// yields an empty, successful read.
func ReadAt(value []byte, offset int) ([]byte, Status) {
	if offset < 0 || offset > len(value) {
		return nil, StatusInvalidOffset
	}
	out := make([]byte, len(value)-offset)
	copy(out, value[offset:])
	return out, StatusSuccess
}

// WriteAt returns value[:offset] followed by data. The result grows as
// needed; offset may not exceed len(value).
func WriteAt(value []byte, offset int, data []byte) ([]byte, Status) {
	if offset < 0 || offset > len(value) {
		return nil, StatusInvalidOffset
	}
	out := make([]byte, offset+len(data))
	copy(out, value[:offset])
	copy(out[offset:], data)
	return out, StatusSuccess
}

// Truncate limits b to max bytes. A max of zero or less means no limit.
func Truncate(b []byte, max int) []byte {
	if max <= 0 || len(b) <= max {
		return b
	}
	return b[:max]
}
