package packet

import (
	"bytes"
	"errors"
	"testing"
)

func samplePackets() []*Packet {
	return []*Packet{
		{Type: TypeSyn, ConnID: 0x1234, Timestamp: 1, Window: 1 << 20, Seq: 1},
		{Type: TypeSynAck, ConnID: 0x1234, Timestamp: 0xffffffff, TimestampDiff: 42, Seq: 7, Ack: 1},
		{Type: TypeData, ConnID: 9, Seq: 65535, Ack: 65534, Payload: []byte("hello")},
		{Type: TypeState, ConnID: 9, Ack: 3, SACK: []byte{0x05, 0, 0, 0}},
		{Type: TypeState, ConnID: 9, Ack: 3, SACK: make([]byte, 32), Window: 0},
		{Type: TypeFin, ConnID: 1, Seq: 10, Ack: 4},
		{Type: TypeReset, ConnID: 1},
		{Type: TypeData, ConnID: 2, SACK: []byte{1, 2, 3, 4, 5, 6, 7, 8}, Payload: bytes.Repeat([]byte{0xab}, 1200)},
	}
}

func equalPacket(a, b *Packet) bool {
	return a.Type == b.Type && a.ConnID == b.ConnID && a.Timestamp == b.Timestamp &&
		a.TimestampDiff == b.TimestampDiff && a.Window == b.Window && a.Seq == b.Seq &&
		a.Ack == b.Ack && bytes.Equal(a.SACK, b.SACK) && bytes.Equal(a.Payload, b.Payload)
}

func TestEncodeDecode(t *testing.T) {
	for _, p := range samplePackets() {
		t.Run(p.Type.String(), func(t *testing.T) {
			data := Encode(p)
			if len(data) != p.Size() {
				t.Fatalf("长度不匹配: %d != %d", len(data), p.Size())
			}
			got, err := Decode(data)
			if err != nil {
				t.Fatalf("解码失败: %v", err)
			}
			if !equalPacket(p, got) {
				t.Errorf("往返不一致: %+v != %+v", got, p)
			}
		})
	}
}

func TestHeaderLayout(t *testing.T) {
	p := &Packet{Type: TypeSynAck, ConnID: 0x0102, Timestamp: 0x03040506, TimestampDiff: 0x0708090a,
		Window: 0x0b0c0d0e, Seq: 0x0f10, Ack: 0x1112}
	want := []byte{0x51, 0, 1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12, 13, 14, 15, 16, 17, 18}
	if got := p.Encode(); !bytes.Equal(got, want) {
		t.Fatalf("头部布局错误:\n got %x\nwant %x", got, want)
	}
}

func TestDecodeMalformed(t *testing.T) {
	valid := Encode(&Packet{Type: TypeState, ConnID: 1, SACK: []byte{1, 0, 0, 0}})

	tests := []struct {
		name string
		data []byte
	}{
		{"空", nil},
		{"头部截断", valid[:HeaderSize-1]},
		{"扩展截断", valid[:HeaderSize+1]},
		{"扩展越界", valid[:len(valid)-1]},
		{"未知类型", append([]byte{0x61}, valid[1:]...)},
		{"版本错误", append([]byte{0x22}, valid[1:]...)},
		{"选择确认长度非4倍数", func() []byte {
			b := append([]byte(nil), valid...)
			b[HeaderSize+1] = 3
			return b
		}()},
		{"选择确认长度为0", func() []byte {
			b := append([]byte(nil), valid[:HeaderSize+2]...)
			b[HeaderSize+1] = 0
			return b
		}()},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, err := Decode(tt.data)
			if !errors.Is(err, ErrMalformed) {
				t.Fatalf("期望 ErrMalformed, 实际 %v", err)
			}
			if p != nil {
				t.Fatal("失败时不应返回部分结果")
			}
		})
	}
}

func TestDecodeSkipsUnknownExtension(t *testing.T) {
	b := Encode(&Packet{Type: TypeData, ConnID: 5, Payload: []byte("xy")})
	// 插入一个类型为 9 的未知扩展
	raw := append([]byte(nil), b[:HeaderSize]...)
	raw[1] = 9
	raw = append(raw, ExtNone, 2, 0xaa, 0xbb)
	raw = append(raw, b[HeaderSize:]...)

	p, err := Decode(raw)
	if err != nil {
		t.Fatalf("解码失败: %v", err)
	}
	if string(p.Payload) != "xy" || p.SACK != nil {
		t.Fatalf("未知扩展处理错误: %+v", p)
	}
}

func TestSACKBitmask(t *testing.T) {
	m := NewSACKBitmask(10)
	if len(m) != 4 {
		t.Fatalf("位图长度应按 4 字节对齐: %d", len(m))
	}
	m.SetBit(0)
	m.SetBit(9)
	m.SetBit(100)
	for i := 0; i < m.NumBits(); i++ {
		want := i == 0 || i == 9
		if m.BitIsSet(i) != want {
			t.Errorf("位 %d 期望 %v", i, want)
		}
	}
	if got := NewSACKBitmask(1000); len(got) != MaxSACKBytes {
		t.Fatalf("位图长度应受上限约束: %d", len(got))
	}
}

func FuzzDecode(f *testing.F) {
	for _, p := range samplePackets() {
		f.Add(Encode(p))
	}
	f.Fuzz(func(t *testing.T, data []byte) {
		p, err := Decode(data)
		if err != nil {
			return
		}
		again, err := Decode(Encode(p))
		if err != nil {
			t.Fatalf("重新编码后解码失败: %v", err)
		}
		if !equalPacket(p, again) {
			t.Fatalf("重新编码不一致")
		}
	})
}
