package kfmt

import (
	"bytes"
	"io/ioutil"
	"strings"
	"testing"
)

func TestEarlyOutputIsFlushedToSink(t *testing.T) {
	defer SetOutputSink(nil)

	// Drain anything buffered by other tests.
	SetOutputSink(ioutil.Discard)
	SetOutputSink(nil)

	Printf("booting %d pools\n", 2)

	var buf bytes.Buffer
	SetOutputSink(&buf)

	if exp, got := "booting 2 pools\n", buf.String(); got != exp {
		t.Fatalf("expected early output %q to be flushed to the sink; got %q", exp, got)
	}

	Printf("after")
	if exp, got := "booting 2 pools\nafter", buf.String(); got != exp {
		t.Fatalf("expected %q; got %q", exp, got)
	}
}

func TestLogger(t *testing.T) {
	defer func() {
		SetOutputSink(nil)
		_ = SetLevel("info")
	}()

	var buf bytes.Buffer
	SetOutputSink(&buf)

	Logger("pmm").WithField("free", 14).Info("frame pool initialized")

	out := buf.String()
	for _, exp := range []string{"level=info", `msg="frame pool initialized"`, "module=pmm", "free=14"} {
		if !strings.Contains(out, exp) {
			t.Errorf("expected log output %q to contain %q", out, exp)
		}
	}

	t.Run("level filtering", func(t *testing.T) {
		buf.Reset()
		if err := SetLevel("warn"); err != nil {
			t.Fatal(err)
		}

		Logger("vmm").Info("suppressed")
		if buf.Len() != 0 {
			t.Fatalf("expected info entries to be filtered at warn level; got %q", buf.String())
		}

		Logger("vmm").Warn("kept")
		if !strings.Contains(buf.String(), "msg=kept") {
			t.Fatalf("expected warn entry to be emitted; got %q", buf.String())
		}
	})

	t.Run("invalid level", func(t *testing.T) {
		if err := SetLevel("chatty"); err == nil {
			t.Fatal("expected SetLevel to reject an unknown level")
		}
	})
}
