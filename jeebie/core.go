package jeebie

import (
	"fmt"
	"log/slog"
	"os"
	"slices"
	"sync"

	"github.com/halvorsen/dmg-go/jeebie/cpu"
	"github.com/halvorsen/dmg-go/jeebie/debug"
	"github.com/halvorsen/dmg-go/jeebie/input/action"
	"github.com/halvorsen/dmg-go/jeebie/memory"
	"github.com/halvorsen/dmg-go/jeebie/timing"
	"github.com/halvorsen/dmg-go/jeebie/video"
)

// cyclesPerFrame is the number of T-cycles the DMG spends per frame
// (154 scanlines * 456 cycles/line).
const cyclesPerFrame = 70224

// DebuggerState represents the current debugger mode
type DebuggerState int

const (
	DebuggerRunning   DebuggerState = iota // Normal execution
	DebuggerPaused                         // Paused, waiting for commands
	DebuggerStep                           // Execute one instruction then pause
	DebuggerStepFrame                      // Execute one frame then pause
)

// DMG is the root struct and entry point for running the emulation. It wires
// together the CPU, PPU and memory bus and drives them in lockstep one
// instruction at a time.
type DMG struct {
	bus *Bus

	limiter timing.Limiter

	// Debugger state
	debuggerState    DebuggerState
	debuggerMutex    sync.RWMutex
	stepRequested    bool
	frameRequested   bool
	instructionCount uint64
	frameCount       uint64

	// completion detection, used by test-ROM harnesses that have no other
	// way to know a blargg-style test ROM has finished: most of them print
	// a result to the screen and then loop forever, so a frame whose
	// pixels are identical to the previous one, repeated enough times, is
	// taken as a sign the ROM is done.
	maxFrames    uint64
	minLoopCount int
	lastFrame    []uint32
	repeatCount  int
}

func (e *DMG) init(mem *memory.MMU) {
	e.bus = &Bus{
		CPU: cpu.New(mem),
		MMU: mem,
		GPU: video.NewGpu(mem),
	}
	e.limiter = timing.NewNoOpLimiter()
}

// New creates a new DMG instance with no cartridge loaded.
func New() *DMG {
	e := &DMG{}
	e.init(memory.NewWithCartridge(memory.NewCartridge()))
	return e
}

// NewWithFile creates a new DMG instance and loads the ROM file at path into it.
func NewWithFile(path string) (*DMG, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	slog.Debug("Loaded ROM data", "size", len(data))

	e := &DMG{}
	e.init(memory.NewWithCartridge(memory.NewCartridgeWithData(data)))

	return e, nil
}

// tickOne executes a single CPU instruction and advances every other
// component (timer, serial, GPU, APU) by the same number of cycles.
func (e *DMG) tickOne() int {
	cycles := e.bus.TickInstruction()
	e.instructionCount++
	return cycles
}

func (e *DMG) RunUntilFrame() error {
	e.debuggerMutex.RLock()
	state := e.debuggerState
	e.debuggerMutex.RUnlock()

	switch state {
	case DebuggerPaused:
		return nil

	case DebuggerStep:
		e.debuggerMutex.Lock()
		if !e.stepRequested {
			e.debuggerMutex.Unlock()
			return nil
		}
		e.stepRequested = false
		e.debuggerMutex.Unlock()

		oldPC := e.bus.CPU.GetPC()
		e.tickOne()
		slog.Debug("Step executed", "pc", fmt.Sprintf("0x%04X", oldPC), "new_pc", fmt.Sprintf("0x%04X", e.bus.CPU.GetPC()))
		e.SetDebuggerState(DebuggerPaused)
		return nil

	case DebuggerStepFrame:
		e.debuggerMutex.Lock()
		frameRequested := e.frameRequested
		e.frameRequested = false
		e.debuggerMutex.Unlock()

		if !frameRequested {
			return nil
		}

		e.runFrame()
		e.SetDebuggerState(DebuggerPaused)
		return nil

	default: // DebuggerRunning
		e.runFrame()
		e.limiter.WaitForNextFrame()
		return nil
	}
}

// runFrame executes CPU instructions until a full frame's worth of cycles
// (70224 T-cycles) has elapsed.
func (e *DMG) runFrame() {
	total := 0
	for total < cyclesPerFrame {
		total += e.tickOne()
	}
	e.frameCount++
	if e.frameCount%60 == 0 {
		slog.Debug("Frame completed", "frame", e.frameCount, "pc", fmt.Sprintf("0x%04X", e.bus.CPU.GetPC()))
	}
}

// ConfigureCompletionDetection sets the bounds RunUntilComplete uses to decide
// a headless run is finished: either maxFrames elapses, or the rendered frame
// stops changing for minLoopCount consecutive frames.
func (e *DMG) ConfigureCompletionDetection(maxFrames uint64, minLoopCount int) {
	e.maxFrames = maxFrames
	e.minLoopCount = minLoopCount
}

// RunUntilComplete runs frames until maxFrames frames have run or the rendered
// frame has stayed unchanged for minLoopCount consecutive frames, as set by
// ConfigureCompletionDetection. A zero value disables that check, so with
// neither configured it does not return.
func (e *DMG) RunUntilComplete() {
	for {
		e.runFrame()

		if e.maxFrames > 0 && e.frameCount >= e.maxFrames {
			return
		}

		if e.minLoopCount > 0 {
			frame := e.GetCurrentFrame().ToSlice()
			if e.lastFrame != nil && slices.Equal(e.lastFrame, frame) {
				e.repeatCount++
				if e.repeatCount >= e.minLoopCount {
					return
				}
			} else {
				e.repeatCount = 0
			}
			e.lastFrame = frame
		}
	}
}

func (e *DMG) GetCurrentFrame() *video.FrameBuffer {
	return e.bus.GPU.GetFrameBuffer()
}

// HandleAction routes a game-input action to the joypad; emulator-level
// actions (pause, step, snapshot, ...) are left to the caller.
func (e *DMG) HandleAction(act action.Action, pressed bool) {
	key, ok := joypadKeyFor(act)
	if !ok {
		return
	}
	if pressed {
		e.HandleKeyPress(key)
	} else {
		e.HandleKeyRelease(key)
	}
}

func joypadKeyFor(act action.Action) (memory.JoypadKey, bool) {
	switch act {
	case action.GBButtonA:
		return memory.JoypadA, true
	case action.GBButtonB:
		return memory.JoypadB, true
	case action.GBButtonStart:
		return memory.JoypadStart, true
	case action.GBButtonSelect:
		return memory.JoypadSelect, true
	case action.GBDPadUp:
		return memory.JoypadUp, true
	case action.GBDPadDown:
		return memory.JoypadDown, true
	case action.GBDPadLeft:
		return memory.JoypadLeft, true
	case action.GBDPadRight:
		return memory.JoypadRight, true
	default:
		return 0, false
	}
}

func (e *DMG) HandleKeyPress(key memory.JoypadKey) {
	e.bus.MMU.HandleKeyPress(key)
}

func (e *DMG) HandleKeyRelease(key memory.JoypadKey) {
	e.bus.MMU.HandleKeyRelease(key)
}

func (e *DMG) GetCPU() *cpu.CPU {
	return e.bus.CPU
}

func (e *DMG) GetMMU() *memory.MMU {
	return e.bus.MMU
}

func (e *DMG) SetFrameLimiter(limiter timing.Limiter) {
	if limiter == nil {
		e.limiter = timing.NewNoOpLimiter()
	} else {
		e.limiter = limiter
	}
}

func (e *DMG) ResetFrameTiming() {
	e.limiter.Reset()
}

// ExtractDebugData snapshots CPU registers, the interrupt registers and up
// to 200 bytes of memory starting 64 bytes before PC (cut off at 0xFFFF)
// for display by a debugger frontend.
func (e *DMG) ExtractDebugData() *debug.CompleteDebugData {
	if e.bus == nil || e.bus.CPU == nil || e.bus.MMU == nil {
		return nil
	}
	regs := e.bus.CPU.Registers()
	start := uint16(0)
	if regs.PC > 0x40 {
		start = regs.PC - 0x40
	}
	size := 200
	if int(start)+size > 0x10000 {
		size = 0x10000 - int(start)
	}
	mem := make([]uint8, size)
	for i := range mem {
		mem[i] = e.bus.MMU.Read(start + uint16(i))
	}
	return &debug.CompleteDebugData{
		Memory: &debug.MemorySnapshot{StartAddr: start, Bytes: mem},
		CPU: &debug.CPUState{
			A: regs.A, F: regs.F, B: regs.B, C: regs.C,
			D: regs.D, E: regs.E, H: regs.H, L: regs.L,
			SP: regs.SP, PC: regs.PC, IME: regs.IME, Cycles: regs.Cycles,
		},
		DebuggerState:   debug.DebuggerState(e.GetDebuggerState()),
		InterruptEnable: e.bus.MMU.Read(0xFFFF),
		InterruptFlags:  e.bus.MMU.Read(0xFF0F),
	}
}

// Debugger control methods
func (e *DMG) SetDebuggerState(state DebuggerState) {
	e.debuggerMutex.Lock()
	defer e.debuggerMutex.Unlock()
	e.debuggerState = state
	slog.Debug("Debugger state changed", "state", state)
}

func (e *DMG) GetDebuggerState() DebuggerState {
	e.debuggerMutex.RLock()
	defer e.debuggerMutex.RUnlock()
	return e.debuggerState
}

func (e *DMG) DebuggerPause() {
	e.SetDebuggerState(DebuggerPaused)
	slog.Info("Emulator paused")
}

func (e *DMG) DebuggerResume() {
	e.SetDebuggerState(DebuggerRunning)
	slog.Info("Emulator resumed")
}

func (e *DMG) DebuggerStepInstruction() {
	e.debuggerMutex.Lock()
	defer e.debuggerMutex.Unlock()
	e.stepRequested = true
	e.debuggerState = DebuggerStep
	slog.Info("Step instruction requested")
}

func (e *DMG) DebuggerStepFrame() {
	e.debuggerMutex.Lock()
	defer e.debuggerMutex.Unlock()
	e.frameRequested = true
	e.debuggerState = DebuggerStepFrame
	slog.Info("Step frame requested")
}

func (e *DMG) GetInstructionCount() uint64 {
	return e.instructionCount
}

func (e *DMG) GetFrameCount() uint64 {
	return e.frameCount
}
