package main

import "fmt"

// vmDumper prints a final snapshot of a VM's state: every dictionary entry
// (oldest first), the remaining data stack (bottom first), and every handle
// ever allocated (closed ones show closing=true), at the end of a run under
// -dump.
type vmDumper struct {
	vm  *VM
	out func(mess string, args ...interface{})
}

func (d vmDumper) dump() {
	d.dumpDict()
	d.dumpStack()
	d.dumpHandles()
}

func (d vmDumper) dumpDict() {
	for i, e := range d.vm.dict.entries {
		switch e.kind {
		case entryPrimitive:
			d.out("dict[%d] %s primitive", i, e.name)
		case entryColon:
			d.out("dict[%d] %s : %v ;", i, e.name, d.vm.quotes.body(e.body))
		}
	}
}

func (d vmDumper) dumpStack() {
	n := d.vm.stack.Len()
	for i := 0; i < n; i++ {
		v, _ := d.vm.stack.peek(n - 1 - i)
		d.out("stack[%d] %v", i, v)
	}
}

func (d vmDumper) dumpHandles() {
	for i, h := range d.vm.handles.byID {
		if h == nil {
			continue
		}
		id := handleID(i + 1)
		d.out("handle[%d] kind=%v callback=%v closing=%v", id, h.kind, h.callback, h.closing)
	}
}

func (k handleKind) String() string {
	switch k {
	case handleTimer:
		return "timer"
	case handleTCP:
		return "tcp"
	default:
		return fmt.Sprintf("handleKind(%d)", uint8(k))
	}
}
