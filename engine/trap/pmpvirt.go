package trap

import (
	"github.com/rvfw/miralis/engine/virt"
)

// writePmpCfgWord stores a firmware write to vpmpcfg word i into the
// vCSR shadow and propagates every slot it covers to the matching
// physical PMP slots, offset by kMiralis+1 per the PMP virtualiser's
// layout (the null TOR anchor at kMiralis occupies exactly one slot
// ahead of vPMP 0). pmp.Group.Set itself canonicalizes the lock bit
// off, so the vCSR shadow keeps whatever the firmware wrote while the
// physical slot never actually locks.
func (d *Dispatcher) writePmpCfgWord(ctx *virt.VirtContext, wordIdx int, v uint64) {
	ctx.Csr.PmpCfg[wordIdx] = v
	for i := 0; i < 8; i++ {
		slot := wordIdx*8 + i
		if slot >= d.vCount {
			continue
		}
		cfg := byte(v >> uint(i*8))
		d.PMP.Set(d.kMiralis+1+slot, ctx.Csr.PmpAddr[slot], cfg)
	}
}

// writePmpAddr stores a firmware write to vpmpaddr[slot] and
// propagates it to the matching physical slot, preserving that slot's
// current cfg.
func (d *Dispatcher) writePmpAddr(ctx *virt.VirtContext, slot int, v uint64) {
	ctx.Csr.PmpAddr[slot] = v
	if slot >= d.vCount {
		return
	}
	wordIdx, i := slot/8, slot%8
	cfg := byte(ctx.Csr.PmpCfg[wordIdx] >> uint(i*8))
	d.PMP.Set(d.kMiralis+1+slot, v, cfg)
}
