package ble

import (
	"encoding/json"
	"testing"
)

func TestParseUUID(t *testing.T) {
	tests := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{in: "2902", want: "00002902-0000-1000-8000-00805f9b34fb"},
		{in: "0000180D", want: "0000180d-0000-1000-8000-00805f9b34fb"},
		{in: "19B10000-E8F2-537E-4F6C-D104768A1214", want: "19b10000-e8f2-537e-4f6c-d104768a1214"},
		{in: "19b10000e8f2537e4f6cd104768a1214", want: "19b10000-e8f2-537e-4f6c-d104768a1214"},
		{in: "{19b10000-e8f2-537e-4f6c-d104768a1214}", want: "19b10000-e8f2-537e-4f6c-d104768a1214"},
		{in: "  6856e119-2c7b-455a-bf42-cf7ddd2c5907 ", want: "6856e119-2c7b-455a-bf42-cf7ddd2c5907"},
		{in: "", wantErr: true},
		{in: "xyzw", wantErr: true},
		{in: "not-a-uuid-at-all", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseUUID(tt.in)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParseUUID(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			}
			if err == nil && got.String() != tt.want {
				t.Errorf("ParseUUID(%q) = %s, want %s", tt.in, got, tt.want)
			}
		})
	}
}

func TestCCCDUUID(t *testing.T) {
	if got := CCCDUUID.String(); got != "00002902-0000-1000-8000-00805f9b34fb" {
		t.Errorf("CCCDUUID = %s", got)
	}
	if !CCCDUUID.Is16Bit() {
		t.Error("CCCDUUID.Is16Bit() = false, want true")
	}
	if MustParseUUID("19b10000-e8f2-537e-4f6c-d104768a1214").Is16Bit() {
		t.Error("vendor UUID reported as 16-bit")
	}
}

func TestUUIDIsMapKey(t *testing.T) {
	m := map[UUID]int{MustParseUUID("2a00"): 1}
	if m[UUID16(0x2a00)] != 1 {
		t.Error("equal UUIDs parsed from different forms should index the same entry")
	}
}

func TestUUIDJSON(t *testing.T) {
	type wrapper struct {
		U UUID `json:"u"`
	}
	b, err := json.Marshal(wrapper{U: UUID16(0x180d)})
	if err != nil {
		t.Fatalf("Marshal() error = %v", err)
	}
	if string(b) != `{"u":"0000180d-0000-1000-8000-00805f9b34fb"}` {
		t.Errorf("Marshal() = %s", b)
	}
	var w wrapper
	if err := json.Unmarshal([]byte(`{"u":"180D"}`), &w); err != nil {
		t.Fatalf("Unmarshal() error = %v", err)
	}
	if w.U != UUID16(0x180d) {
		t.Errorf("Unmarshal() = %s", w.U)
	}
}
