package mqtt

import "testing"

func TestValidateFlags(t *testing.T) {
	tests := []struct {
		pt     PacketType
		flags  byte
		expect bool
	}{
		{CONNECT, 0x00, true},
		{CONNECT, 0x01, false},
		{PUBREL, 0x02, true},
		{PUBREL, 0x03, false},
		{PUBREL, 0x00, false},
		{SUBSCRIBE, 0x00, false},
		{PUBLISH, 0x0F & ^byte(0x06), true},
		{PUBLISH, 0x0D, true},
		{PUBLISH, 0x06, false},
		{PacketType(15), 0x00, false},
	}

	for _, tt := range tests {
		result := ValidateFlags(tt.pt, tt.flags)
		if result != tt.expect {
			t.Errorf("type=%X flags=%04b expected=%v actual=%v",
				tt.pt, tt.flags, tt.expect, result)
		}
	}
}

func TestPacketTypeString(t *testing.T) {
	if PUBCOMP.String() != "PUBCOMP" {
		t.Errorf("expected PUBCOMP, got %s", PUBCOMP.String())
	}
	if PacketType(0).String() != "UNKNOWN" {
		t.Errorf("expected UNKNOWN, got %s", PacketType(0).String())
	}
}
