package safety

// Fault hooks are called directly from fault-handler context (hard
// fault, bus fault, usage fault, memory fault, NMI). They bypass the
// periodic monitor loop entirely: the error is logged synchronously and
// the system is forced to SAFE before the handler returns. None of them
// allocate, block, or depend on scheduler state.

// HardFault records a hard fault with the active stack pointers.
func (c *Core) HardFault(msp, psp uint32) {
	c.mu.Lock()
	c.appendLogLocked(ErrHardFault, msp, psp)
	c.mu.Unlock()
	c.enterSafe(ErrHardFault, false)
}

// MemManageFault records a memory protection violation with the faulting
// address and fault status.
func (c *Core) MemManageFault(addr, status uint32) {
	c.mu.Lock()
	c.appendLogLocked(ErrMPUFault, addr, status)
	c.mu.Unlock()
	c.enterSafe(ErrMPUFault, false)
}

// BusFault records a bus fault with the faulting address and fault
// status.
func (c *Core) BusFault(addr, status uint32) {
	c.mu.Lock()
	c.appendLogLocked(ErrBusFault, addr, status)
	c.mu.Unlock()
	c.enterSafe(ErrBusFault, false)
}

// UsageFault records a usage fault with the fault status.
func (c *Core) UsageFault(status uint32) {
	c.mu.Lock()
	c.appendLogLocked(ErrUsageFault, 0, status)
	c.mu.Unlock()
	c.enterSafe(ErrUsageFault, false)
}

// NMIFault records a non-maskable interrupt.
func (c *Core) NMIFault() {
	c.mu.Lock()
	c.appendLogLocked(ErrNMI, 0, 0)
	c.mu.Unlock()
	c.enterSafe(ErrNMI, false)
}
