package jeebie

import (
	"github.com/halvorsen/dmg-go/jeebie/debug"
	"github.com/halvorsen/dmg-go/jeebie/input/action"
	"github.com/halvorsen/dmg-go/jeebie/timing"
	"github.com/halvorsen/dmg-go/jeebie/video"
)

// Emulator is the interface for all emulator implementations
type Emulator interface {
	RunUntilFrame() error
	GetCurrentFrame() *video.FrameBuffer
	HandleAction(act action.Action, pressed bool)
	ExtractDebugData() *debug.CompleteDebugData
	SetFrameLimiter(limiter timing.Limiter)
	ResetFrameTiming()
}

var _ Emulator = (*DMG)(nil)
