package control

import (
	"context"
	"time"

	"github.com/nerrad567/laserlink-core/internal/device"
)

// FirmwareType selects which board an update targets.
type FirmwareType string

// Firmware update targets.
const (
	FirmwareMain      FirmwareType = "firmware"
	FirmwareMainBoard FirmwareType = "mainboard"
	FirmwareHeadBoard FirmwareType = "headboard"
)

// Param names understood by GetParam and SetParam.
const (
	ParamLaserPower     = "laser_power"
	ParamLaserPowerTemp = "laser_power_temp"
	ParamLaserSpeed     = "laser_speed"
	ParamLaserSpeedTemp = "laser_speed_temp"
	ParamFan            = "fan"
	ParamFanTemp        = "fan_temp"
	ParamOriginX        = "origin_x"
	ParamOriginY        = "origin_y"
	ParamDoorOpen       = "door_open"
)

// Download is a file fetched from the device.
type Download struct {
	// Name is the requested path or log name.
	Name string

	// Metadata is the last JSON reply before the payload.
	Metadata map[string]any

	// Data is the binary payload.
	Data []byte
}

// Preview is the metadata and thumbnail images of the selected task.
type Preview struct {
	Metadata map[string]any
	Images   [][]byte
}

// DirectoryListing is the result of Ls.
type DirectoryListing struct {
	Directories []string `json:"directories"`
	Files       []string `json:"files"`
}

// RawController is the low-level motion surface available in raw mode.
// Every method fails with ErrModeMismatch outside raw mode, before any I/O.
type RawController interface {
	RawHome(ctx context.Context, opts HomeOptions) error
	RawUnlock(ctx context.Context) error
	RawStartLineCheck(ctx context.Context) error
	RawEndLineCheck(ctx context.Context) error
	RawMove(ctx context.Context, args MoveArgs) error
	RawMoveZRel(ctx context.Context, z float64) error
	RawMoveZRelToLastHome(ctx context.Context, z float64) error
	RawSetWaterPump(ctx context.Context, on bool, fcodeVersion int) error
	RawSetAirPump(ctx context.Context, on bool, fcodeVersion int) error
	RawSetFan(ctx context.Context, on bool, fcodeVersion int) error
	RawSetRotary(ctx context.Context, on bool, fcodeVersion int) error
	RawLooseMotor(ctx context.Context, fcodeVersion int) error
	RawSetLaser(ctx context.Context, on bool, power *float64) error
	RawSetRedLight(ctx context.Context, on bool) error
	RawSet24V(ctx context.Context, on bool) error
	RawSetOrigin(ctx context.Context, fcodeVersion int) error
	RawAutoFocus(ctx context.Context, version int, timeout time.Duration) error
	RawGetProbePos(ctx context.Context) (ProbePosition, error)
	RawGetLastPos(ctx context.Context) (Position, error)
	RawGetStatePos(ctx context.Context) (Position, error)
	RawGetDoorOpen(ctx context.Context) (DoorState, error)
	RawMeasureHeight(ctx context.Context, baseZ *float64, timeout time.Duration) (float64, error)
}

// Session is a control session bound to one device.
//
// Operations do not serialise themselves. Callers route them through
// AddTask (or Do) so that at most one runs at a time, in enqueue order.
type Session interface {
	RawController

	Connect(ctx context.Context) error
	Close() error
	Kill(ctx context.Context) error
	IsConnected() bool
	Mode() Mode
	LineCheck() (enabled bool, lineNumber int)
	RestoreLineCheck(enabled bool, lineNumber int)
	SetOnClose(fn func(err error))
	SetProgressListener(fn func(Progress))
	AddTask(ctx context.Context, fn TaskFunc) (any, error)

	Report(ctx context.Context) (device.Report, error)
	Start(ctx context.Context) error
	Pause(ctx context.Context) error
	Resume(ctx context.Context) error
	Restart(ctx context.Context) error
	Abort(ctx context.Context) error
	Quit(ctx context.Context) error
	Kick(ctx context.Context) error
	Select(ctx context.Context, path []string, fileName string) error
	GetPreview(ctx context.Context) (Preview, error)

	Upload(ctx context.Context, data []byte, path, fileName string) error
	DeleteFile(ctx context.Context, fileNameWithPath string) error
	DownloadFile(ctx context.Context, fileNameWithPath string) (Download, error)
	DownloadLog(ctx context.Context, logName string) (Download, error)
	Ls(ctx context.Context, path string) (DirectoryListing, error)
	Lsusb(ctx context.Context) (map[string]any, error)
	FileInfo(ctx context.Context, path, fileName string) ([]any, error)
	FetchAutoLevelingData(ctx context.Context, kind string) (map[string]float64, error)

	GetParam(ctx context.Context, name string) (any, error)
	SetParam(ctx context.Context, name string, value any) error
	GetDeviceSetting(ctx context.Context, name string) (map[string]any, error)
	SetDeviceSetting(ctx context.Context, name, value string) error
	DeleteDeviceSetting(ctx context.Context, name string) error
	DeviceDetailInfo(ctx context.Context) (map[string]any, error)

	EnterRawMode(ctx context.Context) error
	EnterSubTask(ctx context.Context, mode Mode, settle time.Duration) error
	EndSubTask(ctx context.Context) error
	QuitTask(ctx context.Context) error

	UpdateFirmware(ctx context.Context, data []byte, kind FirmwareType) error
}

// CameraTransfers is implemented by backends that move camera calibration data.
type CameraTransfers interface {
	FetchCameraCalibImage(ctx context.Context, fileName string) ([]byte, error)
	FetchFisheyeParams(ctx context.Context) (map[string]any, error)
	FetchFisheye3DRotation(ctx context.Context) (map[string]any, error)
	UploadFisheyeParams(ctx context.Context, data []byte) error
	UpdateFisheye3DRotation(ctx context.Context, rotation map[string]float64) error
}

// SubTaskOperations is implemented by backends that support the
// cartridge, red-laser measure and z-speed test sub-tasks.
type SubTaskOperations interface {
	GetCartridgeChipData(ctx context.Context) (map[string]any, error)
	CartridgeJSONRPC(ctx context.Context, method string, params any) (map[string]any, error)
	TakeReferenceZ(ctx context.Context, args MeasureArgs) (float64, error)
	MeasureZ(ctx context.Context, args MeasureArgs) (Measurement, error)
	ZSpeedLimitTestSetSpeed(ctx context.Context, speed float64) (bool, error)
	ZSpeedLimitTestStart(ctx context.Context) (bool, error)
	CheckTaskAlive(ctx context.Context) bool
}
