package cpu

import (
	"github.com/halvorsen/dmg-go/jeebie/addr"
	"github.com/halvorsen/dmg-go/jeebie/memory"
)

// Flag is one of the 4 possible flags used in the flag register (low byte of AF).
type Flag uint8

const (
	zeroFlag      Flag = 0x80
	subFlag       Flag = 0x40
	halfCarryFlag Flag = 0x20
	carryFlag     Flag = 0x10
)

// interruptVectors lists the fixed jump targets for each interrupt, in priority order
// from highest (VBlank) to lowest (Joypad).
var interruptVectors = []struct {
	flag addr.Interrupt
	addr uint16
}{
	{addr.VBlankInterrupt, 0x40},
	{addr.LCDSTATInterrupt, 0x48},
	{addr.TimerInterrupt, 0x50},
	{addr.SerialInterrupt, 0x58},
	{addr.JoypadInterrupt, 0x60},
}

// CPU holds the state of the SM83 core: registers, flags and the flags that
// drive HALT/STOP/IME sequencing.
type CPU struct {
	bus *memory.MMU

	a, b, c, d, e, h, l, f uint8
	sp, pc                 uint16

	currentOpcode uint16
	cycles        uint64

	interruptsEnabled bool
	eiPending         bool
	halted            bool
	haltBug           bool
	stopped           bool

	// locked is set when the CPU executes one of the 11 illegal opcodes,
	// which freezes the real hardware until reset.
	locked bool
}

// New creates a CPU wired to the given bus, with the program counter set to
// the post-bootrom entry point (0x100).
func New(bus *memory.MMU) *CPU {
	return &CPU{
		bus: bus,
		pc:  0x100,
		sp:  0xFFFE,
	}
}

func (c *CPU) setFlag(flag Flag) {
	c.f |= uint8(flag)
}

func (c *CPU) resetFlag(flag Flag) {
	c.f &^= uint8(flag)
}

func (c *CPU) setFlagToCondition(flag Flag, condition bool) {
	if condition {
		c.setFlag(flag)
	} else {
		c.resetFlag(flag)
	}
}

func (c *CPU) isSetFlag(flag Flag) bool {
	return c.f&uint8(flag) != 0
}

// flagToBit returns 1 if the flag is set, 0 otherwise.
func (c *CPU) flagToBit(flag Flag) uint8 {
	if c.isSetFlag(flag) {
		return 1
	}
	return 0
}

// Exec fetches, decodes and executes a single instruction, servicing any
// pending interrupt first. It returns the number of T-cycles spent.
func (c *CPU) Exec() int {
	if c.locked {
		return 4
	}

	imeWasEnabled := c.interruptsEnabled
	interruptPending := c.handleInterrupts()

	if interruptPending && imeWasEnabled {
		// handleInterrupts already pushed PC and jumped to the vector
		c.halted = false
		return 20
	}

	if c.halted {
		if !interruptPending {
			return 4
		}

		c.halted = false
		if !imeWasEnabled {
			c.haltBug = true
		}
	}

	if c.eiPending {
		c.eiPending = false
		c.interruptsEnabled = true
	}

	opcode := Decode(c)

	if c.haltBug {
		// the HALT bug causes the next byte to be read without advancing PC,
		// so it gets fetched (and executed) a second time
		c.haltBug = false
	} else if (c.currentOpcode & 0xCB00) == 0xCB00 {
		c.pc += 2
	} else {
		c.pc++
	}

	cycles := opcode(c)
	c.cycles += uint64(cycles)

	return cycles
}

// Registers is a read-only snapshot of CPU state, for debug tooling.
type Registers struct {
	A, F, B, C, D, E, H, L uint8
	SP, PC                 uint16
	IME                    bool
	Cycles                 uint64
}

// Registers returns a snapshot of the CPU's current register state.
func (c *CPU) Registers() Registers {
	return Registers{
		A: c.a, F: c.f, B: c.b, C: c.c, D: c.d, E: c.e, H: c.h, L: c.l,
		SP:     c.sp,
		PC:     c.pc,
		IME:    c.interruptsEnabled,
		Cycles: c.cycles,
	}
}

// GetPC returns the current program counter.
func (c *CPU) GetPC() uint16 {
	return c.pc
}

// handleInterrupts services the highest priority pending interrupt if IME is
// set. It always reports whether an interrupt condition is pending
// (IE & IF != 0) regardless of IME, so callers can use it to wake the CPU
// from HALT even while interrupts are disabled.
func (c *CPU) handleInterrupts() bool {
	ie := c.bus.Read(addr.IE)
	iflag := c.bus.Read(addr.IF)
	pending := ie & iflag

	if pending == 0 {
		return false
	}

	if !c.interruptsEnabled {
		return true
	}

	for _, entry := range interruptVectors {
		if pending&uint8(entry.flag) == 0 {
			continue
		}

		c.interruptsEnabled = false
		c.bus.Write(addr.IF, iflag&^uint8(entry.flag))
		c.pushStack(c.pc)
		c.pc = entry.addr
		c.cycles += 20

		return true
	}

	return true
}
