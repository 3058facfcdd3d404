package diag

import (
	"fmt"
	"sync"
	"testing"
)

func TestSinkDrainPreservesFIFO(t *testing.T) {
	s := NewSink()
	for i := range 5 {
		s.Report(CGNInfo, SevInfo, "", fmt.Sprintf("msg %d", i), nil)
	}
	bag := NewBag(16)
	if n := s.Drain(BagReporter{Bag: bag}); n != 0 {
		t.Fatalf("expected 0 errors, got %d", n)
	}
	for i, d := range bag.Items() {
		if want := fmt.Sprintf("msg %d", i); d.Message != want {
			t.Fatalf("item %d: got %q, want %q", i, d.Message, want)
		}
	}
	if s.Len() != 0 {
		t.Fatalf("sink not empty after drain")
	}
}

func TestSinkConcurrentWriters(t *testing.T) {
	s := NewSink()
	var wg sync.WaitGroup
	for w := range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			fw := s.Forwarder(fmt.Sprintf("unit.%d", w))
			for i := range 50 {
				sev := SevWarning
				if i == 0 {
					sev = SevError
				}
				fw.Report(CGNUnknownPass, sev, "", "unknown pass foo, ignoring", nil)
			}
		}()
	}
	wg.Wait()

	if s.Len() != 400 {
		t.Fatalf("expected 400 records, got %d", s.Len())
	}
	if !s.HasErrors() {
		t.Fatalf("expected errors")
	}
	bag := NewBag(1000)
	if n := s.Drain(BagReporter{Bag: bag}); n != 8 {
		t.Fatalf("expected 8 errors, got %d", n)
	}
	perUnit := map[string]int{}
	for _, d := range bag.Items() {
		perUnit[d.Subject]++
	}
	if len(perUnit) != 8 {
		t.Fatalf("expected 8 subjects, got %v", perUnit)
	}
}

func TestDedupReporter(t *testing.T) {
	bag := NewBag(10)
	r := NewDedupReporter(BagReporter{Bag: bag})
	r.Report(LNKLinkerFailed, SevError, "cc", "linking with `cc` failed", nil)
	r.Report(LNKLinkerFailed, SevError, "cc", "linking with `cc` failed", nil)
	r.Report(LNKLinkerFailed, SevError, "ld", "linking with `cc` failed", nil)
	if bag.Len() != 2 {
		t.Fatalf("expected 2 diagnostics, got %d", bag.Len())
	}
}

func TestBagSortAndLimit(t *testing.T) {
	bag := NewBag(3)
	bag.Add(NewWarning(CGNUnknownPass, "b"))
	bag.Add(NewError(LNKLinkerFailed, "a"))
	bag.Add(New(SevInfo, CGNInfo, "c"))
	if bag.Add(NewError(IOWriteFailed, "d")) {
		t.Fatalf("bag accepted item past its limit")
	}
	bag.Sort()
	got := []Severity{bag.Items()[0].Severity, bag.Items()[1].Severity, bag.Items()[2].Severity}
	want := []Severity{SevError, SevWarning, SevInfo}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("order mismatch at %d: %v", i, got)
		}
	}
}

func TestCodeIDRanges(t *testing.T) {
	cases := map[Code]string{
		IOWriteFailed:          "IO1002",
		CfgManifestInvalid:     "CFG1101",
		CGNWholeProgramWorkers: "CGN2002",
		ARCToolFailed:          "ARC3001",
		LNKLinkerFailed:        "LNK4001",
		TLCNotFound:            "TLC5001",
		ABIMergeFailed:         "ABI6002",
		UnknownCode:            "E0000",
	}
	for code, want := range cases {
		if got := code.ID(); got != want {
			t.Errorf("%d: got %s, want %s", code, got, want)
		}
	}
	if Code(9999).Title() != "Unknown error" {
		t.Errorf("unexpected title for unknown code")
	}
}

func TestSeverityLabels(t *testing.T) {
	tests := []struct {
		sev  Severity
		want string
	}{
		{SevInfo, "info"},
		{SevWarning, "warning"},
		{SevError, "error"},
		{Severity(9), "unknown"},
	}
	for _, tt := range tests {
		if got := tt.sev.String(); got != tt.want {
			t.Errorf("Severity(%d) = %q, want %q", tt.sev, got, tt.want)
		}
		if text, _ := tt.sev.MarshalText(); string(text) != tt.want {
			t.Errorf("MarshalText(%d) = %q", tt.sev, text)
		}
	}
}

func TestBagCountsDroppedErrors(t *testing.T) {
	bag := NewBag(1)
	bag.Add(NewWarning(CGNUnknownPass, "first"))
	if bag.Add(NewError(LNKLinkerFailed, "second")) {
		t.Fatal("bag accepted item past its limit")
	}
	if !bag.HasErrors() {
		t.Fatal("dropped error must still fail the build")
	}
	if bag.Dropped() != 1 || bag.Len() != 1 {
		t.Fatalf("dropped = %d, len = %d", bag.Dropped(), bag.Len())
	}
}
