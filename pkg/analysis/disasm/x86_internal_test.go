package disasm

import "testing"

func TestDecodeX86Categories(t *testing.T) {
	t.Parallel()

	const pc = 0x401000

	cases := []struct {
		name     string
		code     []byte
		wantCat  Category
		wantLen  int
		wantTgt  uint64
		wantKnow bool
	}{
		{"mov imm", []byte{0xb8, 0x2a, 0x00, 0x00, 0x00}, CatMove, 5, 0, false},
		{"mov reg", []byte{0x48, 0x89, 0xe5}, CatMove, 3, 0, false},
		{"push", []byte{0x50}, CatMove, 1, 0, false},
		{"cmp", []byte{0x83, 0xf8, 0x00}, CatLogic, 3, 0, false},
		{"xor", []byte{0x31, 0xc0}, CatLogic, 2, 0, false},
		{"dec", []byte{0xff, 0xc9}, CatArith, 2, 0, false},
		{"nop", []byte{0x90}, CatOther, 1, 0, false},
		{"endbr64", []byte{0xf3, 0x0f, 0x1e, 0xfa}, CatOther, 4, 0, false},
		{"ret", []byte{0xc3}, CatRet, 1, 0, false},
		{"je forward", []byte{0x74, 0x07}, CatBranchCond, 2, pc + 2 + 7, true},
		{"jne backward", []byte{0x75, 0xfc}, CatBranchCond, 2, pc + 2 - 4, true},
		{"jmp", []byte{0xeb, 0x05}, CatBranchUncond, 2, pc + 2 + 5, true},
		{"call", []byte{0xe8, 0x00, 0x01, 0x00, 0x00}, CatCall, 5, pc + 5 + 0x100, true},
	}

	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			inst, err := decodeX86(tc.code, pc)
			if err != nil {
				t.Fatalf("decode failed: %v", err)
			}
			if inst.Category != tc.wantCat {
				t.Errorf("category %s, want %s", inst.Category, tc.wantCat)
			}
			if inst.Len != tc.wantLen {
				t.Errorf("len %d, want %d", inst.Len, tc.wantLen)
			}
			if inst.TargetKnown != tc.wantKnow {
				t.Errorf("target known %v, want %v", inst.TargetKnown, tc.wantKnow)
			}
			if tc.wantKnow && inst.Target != tc.wantTgt {
				t.Errorf("target 0x%x, want 0x%x", inst.Target, tc.wantTgt)
			}
		})
	}
}

func TestDecodeX86_InvalidByte(t *testing.T) {
	t.Parallel()

	// 0x06 (push es) does not exist in 64-bit mode.
	if _, err := decodeX86([]byte{0x06}, 0x401000); err == nil {
		t.Fatal("expected a decode error")
	}
}
