package memory

import (
	"fmt"
	"log/slog"

	"github.com/halvorsen/dmg-go/jeebie/addr"
	"github.com/halvorsen/dmg-go/jeebie/audio"
	"github.com/halvorsen/dmg-go/jeebie/bit"
	"github.com/halvorsen/dmg-go/jeebie/serial"
)

// ppuMode mirrors STAT bits 1-0, read straight off the register rather than
// through the video package (which imports memory, so the reverse import
// isn't available here).
type ppuMode uint8

const (
	ppuModeHBlank ppuMode = 0
	ppuModeVBlank ppuMode = 1
	ppuModeOAM    ppuMode = 2
	ppuModeVRAM   ppuMode = 3
)

// dmaCyclesPerByte is the number of T-cycles an OAM DMA transfer spends per
// byte copied: one M-cycle (4 T-cycles) per byte, 160 bytes total.
const dmaCyclesPerByte = 4

type memRegion uint8

const (
	regionROM memRegion = iota
	regionVRAM
	regionExtRAM
	regionWRAM
	regionEcho
	regionOAM
	regionUnused
	regionIO
	regionHRAM
)

// JoypadKey represents a key on the Gameboy joypad
type JoypadKey uint8

const (
	JoypadRight JoypadKey = iota
	JoypadLeft
	JoypadUp
	JoypadDown
	JoypadA
	JoypadB
	JoypadSelect
	JoypadStart
)

// SerialPort is the minimal interface for a serial device connected to SB/SC.
// Implementations MUST only accept reads/writes to addr.SB and addr.SC.
type SerialPort interface {
	Write(address uint16, value byte)
	Read(address uint16) byte
	Tick(cycles int)
	Reset()
}

// MMU allows access to all memory mapped I/O and data/registers
type MMU struct {
	cart      *Cartridge
	mbc       MBC
	memory    []byte
	APU       *audio.APU
	regionMap [256]memRegion

	joypadButtons uint8 // Actual state of buttons A/B/Start/Select, mapped to low bits of P1
	joypadDpad    uint8 // Actual state of d-pad directions, mapped to low bits of P1

	serial SerialPort
	timer  Timer

	// OAM DMA state. A DMA transfer takes 160 M-cycles on real hardware,
	// copying one byte per M-cycle; it is not instantaneous, and while it
	// runs the CPU loses access to OAM (a bus conflict that takes
	// priority over PPU-mode-based gating).
	dmaActive     bool
	dmaSourceAddr uint16
	dmaBytesDone  uint16
	dmaCycles     int
}

// New creates a new memory unity with default data, i.e. nothing cartridge loaded.
// Equivalent to turning on a Gameboy without a cartridge in.
func New() *MMU {
	mmu := &MMU{
		memory:        make([]byte, 0x10000),
		cart:          NewCartridge(),
		APU:           audio.New(),
		joypadButtons: 0x0F,
		joypadDpad:    0x0F,
	}
	mmu.serial = serial.NewLogSink(func() { mmu.RequestInterrupt(addr.SerialInterrupt) }, serial.WithFixedTiming())
	mmu.timer.TimerInterruptHandler = func() { mmu.RequestInterrupt(addr.TimerInterrupt) }
	initRegionMap(mmu)
	return mmu
}

// Tick advances any i/o that needs it, if any.
func (m *MMU) Tick(cycles int) {
	m.timer.Tick(cycles)
	if m.serial != nil {
		m.serial.Tick(cycles)
	}
	if m.mbc != nil {
		m.mbc.Tick(cycles)
	}
	m.tickDMA(cycles)
}

// tickDMA advances an in-flight OAM DMA transfer by cycles T-cycles,
// copying one byte every dmaCyclesPerByte cycles until all 160 bytes have
// moved. The copy reads through m.readRaw, bypassing the CPU-facing gating
// the transfer itself imposes, so it keeps going through the cartridge/MBC
// or WRAM depending on the source page, same as real hardware DMA does from
// any source address 0x0000-0xDF00.
func (m *MMU) tickDMA(cycles int) {
	if !m.dmaActive {
		return
	}

	m.dmaCycles += cycles
	for m.dmaCycles >= dmaCyclesPerByte && m.dmaBytesDone < 160 {
		m.dmaCycles -= dmaCyclesPerByte
		srcAddr := m.dmaSourceAddr + m.dmaBytesDone
		m.memory[0xFE00+m.dmaBytesDone] = m.readRaw(srcAddr, m.regionMap[srcAddr>>8])
		m.dmaBytesDone++
	}

	if m.dmaBytesDone >= 160 {
		m.dmaActive = false
	}
}

// SetTimerSeed initializes the internal timer divider seed and DIV register.
func (m *MMU) SetTimerSeed(seed uint16) {
	m.timer.SetSeed(seed)
}

// NewWithCartridge creates a new memory unit with the provided cartridge data loaded.
// Equivalent to turning on a Gameboy with a cartridge in.
func NewWithCartridge(cart *Cartridge) *MMU {
	mmu := New()
	mmu.cart = cart

	switch cart.mbcType {
	case NoMBCType:
		mmu.mbc = NewNoMBC(cart.data)
	case MBC1Type:
		mmu.mbc = NewMBC1(cart.data, cart.hasBattery, cart.ramBankCount)
	case MBC1MultiType:
		mmu.mbc = NewMBC1(cart.data, cart.hasBattery, cart.ramBankCount) // FIXME: add support for multicart
	case MBC2Type:
		mmu.mbc = NewMBC2(cart.data)
	case MBC3Type:
		mmu.mbc = NewMBC3(cart.data, cart.ramBankCount, cart.hasRTC)
	case MBC5Type:
		mmu.mbc = NewMBC5(cart.data, cart.hasRumble, cart.ramBankCount)
	case MBCUnknownType:
		panic("unsupported MBC type: unknown")
	default:
		panic(fmt.Sprintf("unsupported MBC type: %d", cart.mbcType))
	}

	return mmu
}

func initRegionMap(m *MMU) {
	// ROM: 0x0000-0x7FFF
	for i := 0x00; i <= 0x7F; i++ {
		m.regionMap[i] = regionROM
	}
	// VRAM: 0x8000-0x9FFF
	for i := 0x80; i <= 0x9F; i++ {
		m.regionMap[i] = regionVRAM
	}
	// External RAM: 0xA000-0xBFFF
	for i := 0xA0; i <= 0xBF; i++ {
		m.regionMap[i] = regionExtRAM
	}
	// Work RAM: 0xC000-0xDFFF
	for i := 0xC0; i <= 0xDF; i++ {
		m.regionMap[i] = regionWRAM
	}
	// Echo RAM: 0xE000-0xFDFF
	for i := 0xE0; i <= 0xFD; i++ {
		m.regionMap[i] = regionEcho
	}
	// OAM: 0xFE00-0xFE9F, Unused: 0xFEA0-0xFEFF
	m.regionMap[0xFE] = regionOAM
	// IO + HRAM: 0xFF00-0xFFFF
	m.regionMap[0xFF] = regionIO
}

// RequestInterrupt sets the interrupt flag (IF register) of the chosen interrupt to 1.
func (m *MMU) RequestInterrupt(interrupt addr.Interrupt) {
	interruptFlags := m.Read(addr.IF)

	var bitPos uint8
	switch interrupt {
	case addr.VBlankInterrupt:
		bitPos = 0
	case addr.LCDSTATInterrupt:
		bitPos = 1
	case addr.TimerInterrupt:
		bitPos = 2
	case addr.SerialInterrupt:
		bitPos = 3
	case addr.JoypadInterrupt:
		bitPos = 4
	default:
		panic(fmt.Sprintf("Unknown interrupt: 0x%02X", uint8(interrupt)))
	}

	newFlags := bit.Set(bitPos, interruptFlags)

	m.Write(addr.IF, newFlags)
}

func (m *MMU) ReadBit(index uint8, address uint16) bool {
	return bit.IsSet(index, m.Read(address))
}

func (m *MMU) SetBit(index uint8, address uint16, set bool) {
	value := m.Read(address)
	if set {
		value = bit.Set(index, value)
	} else {
		value = bit.Reset(index, value)
	}
	m.Write(address, value)
}

// currentPPUMode reads the PPU mode straight off STAT bits 1-0.
func (m *MMU) currentPPUMode() ppuMode {
	return ppuMode(m.memory[addr.STAT] & 0x03)
}

// vramBlocked reports whether the CPU bus is currently denied VRAM access:
// forbidden during PPU mode 3, when the PPU itself is reading it.
func (m *MMU) vramBlocked() bool {
	return m.currentPPUMode() == ppuModeVRAM
}

// oamBlocked reports whether the CPU bus is currently denied OAM access:
// forbidden during PPU modes 2 and 3, and throughout an OAM DMA transfer.
// A running DMA takes priority over PPU-mode gating, matching real
// hardware's DMA > PPU > CPU bus arbitration.
func (m *MMU) oamBlocked() bool {
	if m.dmaActive {
		return true
	}
	mode := m.currentPPUMode()
	return mode == ppuModeOAM || mode == ppuModeVRAM
}

// ReadVRAM and ReadOAM give the PPU itself direct access to video memory,
// bypassing the CPU-facing gating in Read: the PPU is what's doing the
// reading during modes 2/3, not something being kept out of its own memory.
func (m *MMU) ReadVRAM(address uint16) byte {
	return m.memory[address]
}

func (m *MMU) ReadOAM(address uint16) byte {
	return m.memory[address]
}

// WriteVRAM gives the PPU itself direct write access to VRAM (used when
// clearing/initializing framebuffers), bypassing CPU-facing gating.
func (m *MMU) WriteVRAM(address uint16, value byte) {
	m.memory[address] = value
}

func (m *MMU) Read(address uint16) byte {
	region := m.regionMap[address>>8]

	if region == regionVRAM && m.vramBlocked() {
		return 0xFF
	}
	if region == regionOAM {
		if m.dmaActive {
			// Bus conflict: DMA wins the OAM bus, so the CPU observes
			// the byte the transfer is currently moving rather than
			// its own intended address.
			return m.dmaConflictByte()
		}
		if m.oamBlocked() {
			return 0xFF
		}
	}

	return m.readRaw(address, region)
}

// dmaConflictByte returns the byte the in-flight OAM DMA transfer is
// currently moving, which is what a losing CPU read observes instead of
// 0xFF while DMA holds the OAM bus. Before the first byte has landed there
// is nothing to observe yet, so reads return 0xFF.
func (m *MMU) dmaConflictByte() byte {
	if m.dmaBytesDone == 0 {
		return 0xFF
	}
	return m.memory[0xFE00+m.dmaBytesDone-1]
}

// readRaw dispatches a read by region without any CPU-facing access gating.
// Used directly by Read (after the gating check) and by the DMA engine,
// which has bus priority over the gating it itself imposes.
func (m *MMU) readRaw(address uint16, region memRegion) byte {
	switch region {
	case regionROM, regionExtRAM:
		if m.mbc == nil {
			slog.Warn("Reading from ROM/external RAM with no cartridge", "addr", fmt.Sprintf("0x%04X", address))
			return 0xFF
		}
		return m.mbc.Read(address)
	case regionVRAM, regionWRAM:
		return m.memory[address]
	case regionEcho:
		if address <= 0xFDFF {
			return m.memory[address-0x2000]
		}
		return m.memory[address-0x2000]
	case regionOAM:
		if address <= 0xFE9F {
			return m.memory[address]
		}
		// Unused area 0xFEA0-0xFEFF always reads as 0xFF.
		return 0xFF
	case regionIO:
		if address == addr.SB || address == addr.SC {
			return m.serial.Read(address)
		}
		if address == addr.DIV || address == addr.TIMA || address == addr.TMA || address == addr.TAC {
			return m.timer.Read(address)
		}
		if address >= 0xFF10 && address <= 0xFF3F {
			return m.APU.ReadRegister(address)
		}
		// Just in case, we always read the upper 3 bits of IF as 1.
		// They're not used, but have caused me some headaches when checking for
		// when the halt bug triggers (IF != 0).
		if address == addr.IF {
			return m.memory[address] | 0xE0
		}
		if address >= 0xFF80 {
			// HRAM
			return m.memory[address]
		}
		// Other IO registers
		return m.memory[address]
	default:
		panic(fmt.Sprintf("Attempted read at unmapped address: 0x%X", address))
	}
}

func (m *MMU) Write(address uint16, value byte) {
	region := m.regionMap[address>>8]

	if region == regionVRAM && m.vramBlocked() {
		return
	}
	if region == regionOAM && m.oamBlocked() {
		return
	}

	switch region {
	case regionROM:
		if m.mbc == nil {
			slog.Warn("Writing to ROM with no cartridge", "addr", fmt.Sprintf("0x%04X", address), "value", fmt.Sprintf("0x%02X", value))
			return
		}
		m.mbc.Write(address, value)
	case regionVRAM:
		m.memory[address] = value
	case regionExtRAM:
		if m.mbc == nil {
			slog.Warn("Writing to external RAM with no cartridge", "addr", fmt.Sprintf("0x%04X", address), "value", fmt.Sprintf("0x%02X", value))
			return
		}
		m.mbc.Write(address, value)
	case regionWRAM:
		m.memory[address] = value
	case regionEcho:
		if address <= 0xFDFF {
			m.memory[address-0x2000] = value
		}
	case regionOAM:
		if address <= 0xFE9F {
			m.memory[address] = value
		}
		// Writes to the unused area 0xFEA0-0xFEFF are discarded.
	case regionIO:
		if address == addr.P1 {
			m.writeJoypad(value)
			return
		}
		if address == addr.SB || address == addr.SC {
			m.serial.Write(address, value)
			return
		}
		if address == addr.DIV || address == addr.TIMA || address == addr.TMA || address == addr.TAC {
			m.timer.Write(address, value)
			return
		}
		if address >= 0xFF10 && address <= 0xFF3F {
			m.APU.WriteRegister(address, value)
			return
		}
		if address == addr.IF {
			// This goddamn register has its upper 3 bits always set as 1...
			// Beware if you're trying to match halt bug behavior.
			m.memory[address] = value | 0xE0
			return
		}
		if address == addr.DMA {
			// Starts (or restarts) a DMA transfer; the actual 160-byte copy
			// happens incrementally in tickDMA, one byte per M-cycle.
			m.dmaActive = true
			m.dmaSourceAddr = uint16(value) << 8
			m.dmaBytesDone = 0
			m.dmaCycles = 0
			m.memory[address] = value
			return
		}
		if address >= 0xFF80 {
			// HRAM
			m.memory[address] = value
			return
		}
		// Other IO registers
		m.memory[address] = value
	default:
		panic(fmt.Sprintf("Attempted write at unmapped address: 0x%X", address))
	}
}

// updateJoypadRegister sets the joypad register (P1) according to selection bits
// and hardware (buttons) status.
//
// In real hw, this register is actually just a selector (bits 4-5) that control
// to which set of buttons the low bits (0-3) are mapped to.
//
// The mapping (a group is selected when its bit is 0):
//   - if bit 4 is clear, bits 0-3 are mapped to the 4 d-pad directions
//   - if bit 5 is clear, bits 0-3 are mapped to A, B, Start, Select
//   - if both are clear, hw does an AND of both button sets
//   - if neither is clear, return 0x0F (high impedence state)
//
// This function is called whenever:
//   - there is a write to the P1 register (only set bits 4-5)
//   - a button is pressed or released (tracked separately)
//
// Note that 1 -> button released, 0 -> button pressed.
// Bits 6-7 are unused, they always read as 1 on real hardware.
func (m *MMU) updateJoypadRegister() {
	p1 := m.memory[addr.P1]
	result := uint8(0b11000000) // Bits 6-7 are always read as 1
	result |= p1 & 0b00110000   // Keep selection bits 4-5

	// A button group is selected if the corresponding bit is 0
	selectDpad := !bit.IsSet(4, p1)
	selectButtons := !bit.IsSet(5, p1)

	switch {
	case selectButtons && !selectDpad:
		result |= m.joypadButtons & 0x0F
	case selectDpad && !selectButtons:
		result |= m.joypadDpad & 0x0F
	case selectButtons && selectDpad:
		result |= m.joypadButtons & m.joypadDpad & 0x0F
	default:
		// no selection
		result |= 0x0F
	}

	m.memory[addr.P1] = result
}

func (m *MMU) writeJoypad(value uint8) {
	// Only bits 4-5 are writable (selection bits)
	m.memory[addr.P1] = value & 0b00110000
	m.updateJoypadRegister()
}

func (m *MMU) HandleKeyPress(key JoypadKey) {
	oldButtons := m.joypadButtons
	oldDpad := m.joypadDpad

	switch key {
	case JoypadRight:
		m.joypadDpad = bit.Reset(0, m.joypadDpad)
	case JoypadLeft:
		m.joypadDpad = bit.Reset(1, m.joypadDpad)
	case JoypadUp:
		m.joypadDpad = bit.Reset(2, m.joypadDpad)
	case JoypadDown:
		m.joypadDpad = bit.Reset(3, m.joypadDpad)
	case JoypadA:
		m.joypadButtons = bit.Reset(0, m.joypadButtons)
	case JoypadB:
		m.joypadButtons = bit.Reset(1, m.joypadButtons)
	case JoypadSelect:
		m.joypadButtons = bit.Reset(2, m.joypadButtons)
	case JoypadStart:
		m.joypadButtons = bit.Reset(3, m.joypadButtons)
	}

	buttonTransitions := oldButtons & ^m.joypadButtons
	dpadTransitions := oldDpad & ^m.joypadDpad
	if buttonTransitions|dpadTransitions != 0 {
		m.RequestInterrupt(addr.JoypadInterrupt)
	}

	m.updateJoypadRegister()
}

func (m *MMU) HandleKeyRelease(key JoypadKey) {
	switch key {
	case JoypadRight:
		m.joypadDpad = bit.Set(0, m.joypadDpad)
	case JoypadLeft:
		m.joypadDpad = bit.Set(1, m.joypadDpad)
	case JoypadUp:
		m.joypadDpad = bit.Set(2, m.joypadDpad)
	case JoypadDown:
		m.joypadDpad = bit.Set(3, m.joypadDpad)
	case JoypadA:
		m.joypadButtons = bit.Set(0, m.joypadButtons)
	case JoypadB:
		m.joypadButtons = bit.Set(1, m.joypadButtons)
	case JoypadSelect:
		m.joypadButtons = bit.Set(2, m.joypadButtons)
	case JoypadStart:
		m.joypadButtons = bit.Set(3, m.joypadButtons)
	}

	m.updateJoypadRegister()
}
