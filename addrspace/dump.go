package addrspace

import (
	"fmt"
	"io"

	"github.com/os-module/page-table/addr"
	"github.com/os-module/page-table/pte"
)

// Dump renders the address space's page table as an indented tree: for
// each valid top-level index, the next-level entries it points to, down to
// the valid leaves, each annotated with vaddr, decoded flag letters and,
// for leaves, the physical address they resolve to.
func (as *AddressSpace) Dump(w io.Writer) {
	if as.table == nil {
		fmt.Fprintln(w, "(no root table)")
		return
	}
	as.table.Walk(0, func(level, index int, vaddr addr.VirtAddr, e pte.Entry) {
		if !e.IsValid() {
			return
		}
		for i := 0; i < level; i++ {
			fmt.Fprint(w, "  ")
		}
		archLevel := as.meta.Levels - 1 - level
		fmt.Fprintf(w, "L%d[%3d] vaddr=%#016x flags=%s", archLevel, index, vaddr, e.Flags())
		if e.IsHuge() || level == as.meta.Levels-1 {
			fmt.Fprintf(w, " -> paddr=%#016x\n", e.PhysAddr())
		} else {
			fmt.Fprintln(w)
		}
	})
}
