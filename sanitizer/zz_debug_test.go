package sanitizer_test

import (
	"runtime"
	"testing"
	"unsafe"

	"github.com/shadowheap/memsan"
	"github.com/shadowheap/memsan/sanitizer"
)

func TestZZDebugUnregister(t *testing.T) {
	s, _ := createRuntime(t, sanitizer.CreateOptions{})

	backing := make([]byte, 256)
	origin := unsafe.Pointer(&backing[0])
	aligned := unsafe.Add(origin, int(memsan.AlignUpAddr(uintptr(origin), 8)-uintptr(origin)))
	base := uintptr(aligned)

	descriptors := []sanitizer.Global{{
		Addr:            base,
		Size:            32,
		SizeWithRedzone: 64,
		Name:            "table",
		ModuleName:      "parser",
	}}
	s.RegisterGlobals(descriptors)
	s.CheckLoad(aligned, 32)
	s.UnregisterGlobals(descriptors)

	report := requireFault(t, func() {
		s.CheckLoad(aligned, 1)
	})
	t.Logf("first fault: %+v", report)

	m := s.Mapping()
	for i := 0; i < 9; i++ {
		b, ok := m.Load(base + uintptr(i*8))
		t.Logf("word %d: shadow=%d ok=%v", i, b, ok)
	}

	bad, poisoned := m.Probe(base+63, 1)
	t.Logf("probe(base+63,1): poisoned=%v bad=%+v", poisoned, bad)
	b63, ok63 := m.Load(base + 63)
	t.Logf("load(base+63): shadow=%d ok=%v", b63, ok63)

	p63 := unsafe.Add(aligned, 63)
	t.Logf("p63=%x base+63=%x equal=%v", uintptr(p63), base+63, uintptr(p63) == base+63)
	report = requireFault(t, func() {
		t.Logf("inside closure: probing %x", uintptr(p63))
		bad2, poisoned2 := m.Probe(uintptr(p63), 1)
		t.Logf("closure probe: poisoned=%v bad=%+v", poisoned2, bad2)
		s.CheckStore(p63, 1)
	})
	t.Logf("second fault: %+v", report)
	runtime.KeepAlive(backing)
}
