package control

import (
	"math"
	"strconv"
	"strings"
)

// FcodeV2 selects the M136/M137 command set; anything else uses the v1 B/R codes.
const FcodeV2 = 2

// defaultMoveFeedrate is used by MoveCommand when no feedrate is given.
const defaultMoveFeedrate = 6000

// MoveArgs are the axes of a raw move. Nil axes are left out of the command.
type MoveArgs struct {
	F float64
	X *float64
	Y *float64
	Z *float64
	A *float64
}

// MoveCommand builds "G1F<f>X..Y..Z..A.." with each axis rounded to 3 decimals.
func MoveCommand(args MoveArgs) string {
	f := args.F
	if f == 0 {
		f = defaultMoveFeedrate
	}
	var b strings.Builder
	b.WriteString("G1F")
	b.WriteString(formatNumber(f))
	for _, axis := range []struct {
		name string
		v    *float64
	}{{"X", args.X}, {"Y", args.Y}, {"Z", args.Z}, {"A", args.A}} {
		if axis.v == nil {
			continue
		}
		b.WriteString(axis.name)
		b.WriteString(formatNumber(round3(*axis.v)))
	}
	return b.String()
}

func round3(v float64) float64 {
	return math.Round(v*1000) / 1000
}

// formatNumber prints v without trailing zeros or exponent.
func formatNumber(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

func pick(on bool, onCmd, offCmd string) string {
	if on {
		return onCmd
	}
	return offCmd
}

// WaterPumpCommand switches the water pump.
func WaterPumpCommand(on bool, fcodeVersion int) string {
	if fcodeVersion == FcodeV2 {
		return pick(on, "M136P1", "M136P2")
	}
	return pick(on, "B1", "B2")
}

// AirPumpCommand switches the air assist pump.
func AirPumpCommand(on bool, fcodeVersion int) string {
	if fcodeVersion == FcodeV2 {
		return pick(on, "M136P3", "M136P4")
	}
	return pick(on, "B3", "B4")
}

// FanCommand switches the exhaust fan.
func FanCommand(on bool, fcodeVersion int) string {
	if fcodeVersion == FcodeV2 {
		return pick(on, "M136P5", "M136P6")
	}
	return pick(on, "B5", "B6")
}

// RotaryCommand switches the rotary axis.
func RotaryCommand(on bool, fcodeVersion int) string {
	if fcodeVersion == FcodeV2 {
		return pick(on, "M137P35", "M137P36")
	}
	return pick(on, "R1", "R0")
}

// LooseMotorCommand releases the stepper motors.
func LooseMotorCommand(fcodeVersion int) string {
	if fcodeVersion == FcodeV2 {
		return "M137P34"
	}
	return "B34"
}

// LaserCommand turns the laser on (M3) or off (M5), with an optional power.
func LaserCommand(on bool, power *float64) string {
	cmd := pick(on, "M3", "M5")
	if power != nil {
		cmd += "S" + formatNumber(*power)
	}
	return cmd
}

// RedLightCommand switches the red pointer.
func RedLightCommand(on bool) string {
	return pick(on, "M136P196", "M136P197")
}

// Power24VCommand switches the 24V rail.
func Power24VCommand(on bool) string {
	return pick(on, "M136P173", "M136P174")
}

// SetOriginCommand stores the current head position as origin.
func SetOriginCommand(fcodeVersion int) string {
	if fcodeVersion == FcodeV2 {
		return "M137P186"
	}
	return "B47"
}

// AutoFocusCommand starts auto focus. Version 2 is the M137 form.
func AutoFocusCommand(version int) string {
	if version == 2 {
		return "M137P179Q1"
	}
	return "B206"
}

// MoveZRelCommand moves Z relative to the current position.
func MoveZRelCommand(z float64) string {
	return "M137P184Q" + formatNumber(z)
}

// MoveZRelToLastHomeCommand moves Z relative to the last homed position.
func MoveZRelToLastHomeCommand(z float64) string {
	return "M137P185Q" + formatNumber(z)
}

// MeasureHeightCommand measures the work height, optionally from a base Z.
func MeasureHeightCommand(baseZ *float64) string {
	if baseZ == nil {
		return "B45"
	}
	return "B45Z" + formatNumber(*baseZ)
}

// HomeCommand picks the homing command.
func HomeCommand(cameraMode, zAxis bool) string {
	switch {
	case cameraMode:
		return "$HCAM"
	case zAxis:
		return "$HZ"
	default:
		return "raw home"
	}
}
