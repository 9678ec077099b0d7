package miniscript

import "testing"

func testKeyHex(b byte) string {
	const hexDigits = "0123456789abcdef"
	buf := make([]byte, 66)
	buf[0], buf[1] = '0', '2'
	for i := 2; i < 66; i += 2 {
		buf[i] = hexDigits[(b>>4)&0xf]
		buf[i+1] = hexDigits[b&0xf]
	}
	return string(buf)
}

func TestCompileMultisig(t *testing.T) {
	desc := "wsh(multi(2," + testKeyHex(1) + "," + testKeyHex(2) + "," + testKeyHex(3) + "))"
	p, err := Compile(desc)
	if err != nil {
		t.Fatalf("compile: %v", err)
	}
	if p.Root.Kind != KindMulti || p.Root.K != 2 || len(p.Root.Keys) != 3 {
		t.Fatalf("unexpected root: %+v", p.Root)
	}
}

func TestSatisfyMultisigRequiresThreshold(t *testing.T) {
	keyA, keyB, keyC := testKeyHex(1), testKeyHex(2), testKeyHex(3)
	desc := "wsh(multi(2," + keyA + "," + keyB + "," + keyC + "))"
	p, err := Compile(desc)
	if err != nil {
		t.Fatalf("compile: %v", err)
	}

	_, err = Satisfy(p, []Signature{{KeyName: keyA, Raw: []byte("sigA")}}, nil)
	if err == nil {
		t.Fatalf("expected failure with only 1 of 2 signatures")
	}

	w, err := Satisfy(p, []Signature{
		{KeyName: keyA, Raw: []byte("sigA")},
		{KeyName: keyB, Raw: []byte("sigB")},
	}, nil)
	if err != nil {
		t.Fatalf("satisfy: %v", err)
	}
	if len(w.Stack) != 3 {
		t.Fatalf("expected dummy + 2 sigs, got %d elements", len(w.Stack))
	}
}

func TestSatisfyOrBranchSelection(t *testing.T) {
	keyA, keyB := testKeyHex(1), testKeyHex(2)
	desc := "wsh(or(pk(" + keyA + "),and(pk(" + keyB + "),older(144))))"
	p, err := Compile(desc)
	if err != nil {
		t.Fatalf("compile: %v", err)
	}

	w, err := Satisfy(p, []Signature{{KeyName: keyB, Raw: []byte("sigB")}}, PolicyPath{0: {1}})
	if err != nil {
		t.Fatalf("satisfy: %v", err)
	}
	if w.MinSequence != 144 {
		t.Fatalf("expected MinSequence 144, got %d", w.MinSequence)
	}
}

func TestRequiredKeys(t *testing.T) {
	keyA, keyB := testKeyHex(1), testKeyHex(2)
	desc := "wsh(multi(2," + keyA + "," + keyB + "))"
	p, err := Compile(desc)
	if err != nil {
		t.Fatalf("compile: %v", err)
	}
	keys := RequiredKeys(p)
	if len(keys) != 2 {
		t.Fatalf("expected 2 keys, got %d", len(keys))
	}
}
