package modbus

import (
	"reflect"
	"testing"
)

func TestPackBits(t *testing.T) {
	bits := []byte{1, 0, 1, 1, 0, 0, 1, 1, 1, 0, 1}
	tests := []struct {
		name  string
		order BitOrder
		want  []byte
	}{
		{"lsb first", LSBFirst, []byte{0xcd, 0x05}},
		{"msb first", MSBFirst, []byte{0xb3, 0xa0}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := PackBits(bits, tt.order)
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("PackBits() = %#v, want %#v", got, tt.want)
			}
			if back := UnpackBits(got, len(bits), tt.order); !reflect.DeepEqual(back, bits) {
				t.Errorf("UnpackBits() = %#v, want %#v", back, bits)
			}
		})
	}
}

func TestPackBits_lengths(t *testing.T) {
	for n := 1; n <= 20; n++ {
		bits := make([]byte, n)
		for i := range bits {
			if i%3 != 1 {
				bits[i] = 1
			}
		}
		packed := PackBits(bits, LSBFirst)
		if len(packed) != (n+7)/8 {
			t.Fatalf("PackBits(%d) length = %d, want %d", n, len(packed), (n+7)/8)
		}
		if got := UnpackBits(packed, n, LSBFirst); !reflect.DeepEqual(got, bits) {
			t.Errorf("UnpackBits(%d) = %v, want %v", n, got, bits)
		}
	}
}

func TestPackBits_nonZeroIsSet(t *testing.T) {
	if got := PackBits([]byte{0x02, 0, 0xff}, LSBFirst); !reflect.DeepEqual(got, []byte{0x05}) {
		t.Errorf("PackBits() = %#v, want %#v", got, []byte{0x05})
	}
}

func TestUnpackBits_clamp(t *testing.T) {
	got := UnpackBits([]byte{0xff}, 10, LSBFirst)
	if len(got) != 8 {
		t.Errorf("UnpackBits() length = %d, want 8", len(got))
	}
	if got := UnpackBits(nil, 3, LSBFirst); len(got) != 0 {
		t.Errorf("UnpackBits(nil) length = %d, want 0", len(got))
	}
}

func TestBitsFromByte(t *testing.T) {
	dest := make([]byte, 16)
	SetBitsFromByte(dest, 4, 0x81)
	want := []byte{0, 0, 0, 0, 1, 0, 0, 0, 0, 0, 0, 1, 0, 0, 0, 0}
	if !reflect.DeepEqual(dest, want) {
		t.Errorf("SetBitsFromByte() = %v, want %v", dest, want)
	}
	if got := GetByteFromBits(dest, 4, 8); got != 0x81 {
		t.Errorf("GetByteFromBits() = %#x, want %#x", got, 0x81)
	}
	if got := GetByteFromBits(dest, 4, 3); got != 0x01 {
		t.Errorf("GetByteFromBits(3 bits) = %#x, want %#x", got, 0x01)
	}

	dest = make([]byte, 12)
	SetBitsFromBytes(dest, 1, 10, []byte{0xcd, 0x01})
	want = []byte{0, 1, 0, 1, 1, 0, 0, 1, 1, 1, 0, 0}
	if !reflect.DeepEqual(dest, want) {
		t.Errorf("SetBitsFromBytes() = %v, want %v", dest, want)
	}
}
