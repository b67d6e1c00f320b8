package gate

import (
	"bytes"
	"testing"

	"pagekernel/kernel/kfmt"
)

func TestDispatch(t *testing.T) {
	kfmt.SetOutputSink(&bytes.Buffer{})
	defer kfmt.SetOutputSink(nil)

	var (
		tbl     Table
		gotCode uint32
		calls   int
	)

	tbl.HandleInterrupt(PageFaultException, func(regs *Registers) {
		calls++
		gotCode = regs.Info
		regs.EFlags = 0x202
	})

	regs := &Registers{Info: 2}
	if err := tbl.Dispatch(PageFaultException, regs); err != nil {
		t.Fatal(err)
	}

	if calls != 1 || gotCode != 2 {
		t.Fatalf("expected handler to be called once with code 2; got %d calls, code %d", calls, gotCode)
	}

	if exp := uint32(0x202); regs.EFlags != exp {
		t.Fatalf("expected handler register changes to propagate; got EFlags %x", regs.EFlags)
	}

	if err := tbl.Dispatch(GPFException, regs); err != errUnhandledInterrupt {
		t.Fatalf("expected errUnhandledInterrupt; got %v", err)
	}
}

func TestRegistersDumpTo(t *testing.T) {
	regs := Registers{Info: 3, EIP: 0xc0de, EFlags: 0x202}

	var buf bytes.Buffer
	regs.DumpTo(&buf)

	exp := "EIP = 0000c0de EFL = 00000202\nERR = 00000003\n"
	if got := buf.String(); got != exp {
		t.Fatalf("expected register dump:\n%q\ngot:\n%q", exp, got)
	}
}
