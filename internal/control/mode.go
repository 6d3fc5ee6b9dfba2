package control

import "fmt"

// Mode is the firmware task mode a session is in.
// Transitions happen only through explicit enter/exit operations.
type Mode string

// Known modes. Any other string passed to EnterSubTask is accepted as a custom mode.
const (
	ModeIdle            Mode = ""
	ModeRaw             Mode = "raw"
	ModeCartridgeIO     Mode = "cartridge_io"
	ModeRedLaserMeasure Mode = "red_laser_measure"
	ModeZSpeedLimitTest Mode = "z_speed_limit_test"
	ModeMaintain        Mode = "maintain"
)

// String returns the mode name, "idle" for the empty mode.
func (m Mode) String() string {
	if m == ModeIdle {
		return "idle"
	}
	return string(m)
}

// requireMode fails with ErrModeMismatch unless current equals want.
func requireMode(current, want Mode) error {
	if current != want {
		return fmt.Errorf("%w: in %s mode, need %s", ErrModeMismatch, current, want)
	}
	return nil
}
