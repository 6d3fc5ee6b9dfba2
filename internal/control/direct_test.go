package control

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/nerrad567/laserlink-core/internal/device"
	"github.com/nerrad567/laserlink-core/internal/transport"
)

func TestDirectSession_Connect(t *testing.T) {
	s, fc := newTestSession(t, nil)

	if !s.IsConnected() {
		t.Error("IsConnected() = false after handshake")
	}
	if cmds := fc.commands(); len(cmds) != 1 || cmds[0] != testClientKey {
		t.Errorf("sent = %v, want only the client key", cmds)
	}
	if s.Mode() != ModeIdle {
		t.Errorf("Mode() = %v, want idle", s.Mode())
	}
}

func TestDirectSession_ConnectRejected(t *testing.T) {
	fc := newFakeChannel(func(int, string) []transport.Event {
		return []transport.Event{reply(`{"status":"fatal","error":["AUTH_ERROR"]}`)}
	})
	s := NewDirectSession(DirectConfig{UUID: "dev-1", ClientKey: testClientKey})
	s.timing = fastTiming()
	s.SetDialer(func(context.Context, transport.Config) (transport.Channel, error) { return fc, nil })

	err := s.Connect(context.Background())
	var cmdErr *CommandError
	if !errors.As(err, &cmdErr) || cmdErr.Code() != "AUTH_ERROR" || !cmdErr.Fatal {
		t.Fatalf("Connect() error = %v, want fatal AUTH_ERROR", err)
	}
	if s.IsConnected() {
		t.Error("IsConnected() = true after rejected handshake")
	}
	if !fc.closed {
		t.Error("channel left open after rejected handshake")
	}
}

func TestDirectSession_ConnectTimeout(t *testing.T) {
	fc := newFakeChannel(nil)
	s := NewDirectSession(DirectConfig{UUID: "dev-1", ClientKey: testClientKey, ConnectTimeout: 20 * time.Millisecond})
	s.SetDialer(func(context.Context, transport.Config) (transport.Channel, error) { return fc, nil })

	if err := s.Connect(context.Background()); !errors.Is(err, ErrTimeout) {
		t.Errorf("Connect() error = %v, want ErrTimeout", err)
	}
}

func TestDirectSession_DialFailure(t *testing.T) {
	s := NewDirectSession(DirectConfig{UUID: "dev-1"})
	s.SetDialer(func(context.Context, transport.Config) (transport.Channel, error) {
		return nil, errors.New("connection refused")
	})
	if err := s.Connect(context.Background()); !errors.Is(err, ErrDisconnected) {
		t.Errorf("Connect() error = %v, want ErrDisconnected", err)
	}
}

func TestDirectSession_CloseFailsPending(t *testing.T) {
	s, fc := newTestSession(t, nil)

	var mu sync.Mutex
	var closeErr error
	s.SetOnClose(func(err error) {
		mu.Lock()
		closeErr = err
		mu.Unlock()
	})

	errc := make(chan error, 1)
	go func() { errc <- s.Start(context.Background()) }()
	waitFor(t, func() bool { return s.waiters.len() == 1 })

	fc.drop(1006, errors.New("unexpected EOF"))

	select {
	case err := <-errc:
		if !errors.Is(err, ErrDisconnected) {
			t.Errorf("Start() error = %v, want ErrDisconnected", err)
		}
	case <-time.After(time.Second):
		t.Fatal("pending command did not settle")
	}

	mu.Lock()
	defer mu.Unlock()
	if !errors.Is(closeErr, ErrDisconnected) {
		t.Errorf("close listener error = %v, want ErrDisconnected", closeErr)
	}
	if s.IsConnected() {
		t.Error("IsConnected() = true after drop")
	}
}

func TestDirectSession_SendAfterClose(t *testing.T) {
	s, _ := newTestSession(t, nil)
	s.Close()

	if err := s.Start(context.Background()); !errors.Is(err, ErrDisconnected) {
		t.Errorf("Start() error = %v, want ErrDisconnected", err)
	}
	if _, err := s.AddTask(context.Background(), func(context.Context) (any, error) { return nil, nil }); !errors.Is(err, ErrClosed) {
		t.Errorf("AddTask() error = %v, want ErrClosed", err)
	}
}

const runningReport = `{"status":"ok","cmd":"play report","device_status":{"st_id":16,"st_label":"RUNNING","prog":0.5,"error":"HEAD_OFFLINE"}}`

func TestDirectSession_Report(t *testing.T) {
	s, fc := newTestSession(t, func(n int, _ string) []transport.Event {
		if n == 0 {
			return []transport.Event{reply(`{"status":"continue","cmd":"play info"}`)}
		}
		return []transport.Event{reply(runningReport)}
	})

	r, err := s.Report(context.Background())
	if err != nil {
		t.Fatalf("Report() error = %v", err)
	}
	if r.Status.StatusID != device.StatusRunning || r.Status.Progress != 0.5 {
		t.Errorf("status = %+v", r.Status)
	}
	if r.Status.Error.String() != "HEAD_OFFLINE" {
		t.Errorf("error = %v, want HEAD_OFFLINE", r.Status.Error)
	}
	if got := sentAfterHandshake(fc); !reflect.DeepEqual(got, []string{"play report", "play report"}) {
		t.Errorf("sent = %v", got)
	}
}

func TestDirectSession_ReportGivesUp(t *testing.T) {
	s, fc := newTestSession(t, func(int, string) []transport.Event {
		return []transport.Event{reply(`{"status":"continue"}`)}
	})

	if _, err := s.Report(context.Background()); err == nil {
		t.Fatal("Report() error = nil, want failure")
	}
	if n := len(sentAfterHandshake(fc)); n != maxPollRetries+1 {
		t.Errorf("sent %d reports, want %d", n, maxPollRetries+1)
	}
}

func TestDirectSession_ReportTimeout(t *testing.T) {
	s, _ := newTestSession(t, nil)

	if _, err := s.Report(context.Background()); !errors.Is(err, ErrTimeout) {
		t.Errorf("Report() error = %v, want ErrTimeout", err)
	}
}

func TestDirectSession_ErrorReply(t *testing.T) {
	s, _ := newTestSession(t, func(int, string) []transport.Event {
		return []transport.Event{reply(`{"status":"error","error":["RESOURCE_BUSY","x"]}`)}
	})

	err := s.Start(context.Background())
	var cmdErr *CommandError
	if !errors.As(err, &cmdErr) || cmdErr.Code() != "RESOURCE_BUSY_x" || cmdErr.Fatal {
		t.Errorf("Start() error = %v, want RESOURCE_BUSY_x", err)
	}
}

func TestDirectSession_Abort(t *testing.T) {
	s, fc := newTestSession(t, func(_ int, text string) []transport.Event {
		if text == "play abort" {
			return []transport.Event{reply(`{"status":"ok","cmd":"play abort"}`)}
		}
		return []transport.Event{reply(`{"status":"ok","cmd":"play report","device_status":{"st_id":128}}`)}
	})

	if err := s.Abort(context.Background()); err != nil {
		t.Fatalf("Abort() error = %v", err)
	}
	if got := sentAfterHandshake(fc); !reflect.DeepEqual(got, []string{"play abort", "play report"}) {
		t.Errorf("sent = %v", got)
	}
}

func TestDirectSession_QuitResendsUntilIdle(t *testing.T) {
	s, fc := newTestSession(t, func(n int, text string) []transport.Event {
		switch {
		case n == 0:
			return []transport.Event{reply(`{"status":"error","error":"OPERATION_ERROR"}`)}
		case text == "play report":
			return []transport.Event{reply(`{"status":"ok","cmd":"play report","device_status":{"st_id":0}}`)}
		}
		return nil
	})

	if err := s.Quit(context.Background()); err != nil {
		t.Fatalf("Quit() error = %v", err)
	}
	if got := sentAfterHandshake(fc); !reflect.DeepEqual(got, []string{"play quit", "play report"}) {
		t.Errorf("sent = %v", got)
	}
}

func TestDirectSession_Select(t *testing.T) {
	s, fc := newTestSession(t, func(int, string) []transport.Event {
		return []transport.Event{reply(`{"status":"ok"}`)}
	})

	if err := s.Select(context.Background(), []string{"SD", "jobs"}, "cut.fc"); err != nil {
		t.Fatalf("Select() error = %v", err)
	}
	if got := sentAfterHandshake(fc); !reflect.DeepEqual(got, []string{"play select SD/jobs/cut.fc"}) {
		t.Errorf("sent = %v", got)
	}
}

func TestDirectSession_GetPreview(t *testing.T) {
	s, _ := newTestSession(t, func(int, string) []transport.Event {
		return []transport.Event{
			reply(`{"status":"continue","TIME_COST":"120"}`),
			{Kind: transport.EventMessage, Message: transport.Message{Binary: []byte{0x89, 'P', 'N', 'G'}}},
			reply(`{"status":"ok"}`),
		}
	})

	p, err := s.GetPreview(context.Background())
	if err != nil {
		t.Fatalf("GetPreview() error = %v", err)
	}
	if p.Metadata["TIME_COST"] != "120" || len(p.Images) != 1 {
		t.Errorf("preview = %+v", p)
	}
}

func TestDirectSession_Params(t *testing.T) {
	s, fc := newTestSession(t, func(_ int, text string) []transport.Event {
		if strings.HasPrefix(text, "play get_") {
			return []transport.Event{reply(`{"status":"ok","value":0.8}`)}
		}
		return []transport.Event{reply(`{"status":"ok"}`)}
	})
	ctx := context.Background()

	v, err := s.GetParam(ctx, ParamLaserPower)
	if err != nil || v != 0.8 {
		t.Errorf("GetParam() = %v, %v; want 0.8", v, err)
	}
	if err := s.SetParam(ctx, ParamLaserSpeed, 20); err != nil {
		t.Errorf("SetParam() error = %v", err)
	}
	want := []string{"play get_laser_power", "play set_laser_speed 20"}
	if got := sentAfterHandshake(fc); !reflect.DeepEqual(got, want) {
		t.Errorf("sent = %v, want %v", got, want)
	}
}

func TestDirectSession_DeviceDetailInfoRequiresIdle(t *testing.T) {
	s, fc := newTestSession(t, nil)
	s.setMode(ModeRaw)

	if _, err := s.DeviceDetailInfo(context.Background()); !errors.Is(err, ErrModeMismatch) {
		t.Errorf("DeviceDetailInfo() error = %v, want ErrModeMismatch", err)
	}
	if n := len(sentAfterHandshake(fc)); n != 0 {
		t.Errorf("sent %d commands, want 0", n)
	}
}

func TestDirectSession_Modes(t *testing.T) {
	s, fc := newTestSession(t, func(int, string) []transport.Event {
		return []transport.Event{reply(`{"status":"ok","task":"raw"}`)}
	})
	ctx := context.Background()

	if err := s.EnterRawMode(ctx); err != nil {
		t.Fatalf("EnterRawMode() error = %v", err)
	}
	if s.Mode() != ModeRaw {
		t.Errorf("Mode() = %v, want raw", s.Mode())
	}
	if err := s.EndSubTask(ctx); err != nil {
		t.Fatalf("EndSubTask() error = %v", err)
	}
	if s.Mode() != ModeIdle {
		t.Errorf("Mode() = %v, want idle", s.Mode())
	}

	if err := s.EnterSubTask(ctx, ModeCartridgeIO, 0); err != nil {
		t.Fatalf("EnterSubTask() error = %v", err)
	}
	if s.Mode() != ModeCartridgeIO {
		t.Errorf("Mode() = %v, want cartridge_io", s.Mode())
	}

	want := []string{"task raw", "task quit", "task cartridge_io"}
	if got := sentAfterHandshake(fc); !reflect.DeepEqual(got, want) {
		t.Errorf("sent = %v, want %v", got, want)
	}
}

func TestDirectSession_CartridgeTaskID(t *testing.T) {
	s, fc := newTestSession(t, func(int, string) []transport.Event {
		return []transport.Event{reply(`{"status":"ok"}`)}
	})
	ctx := context.Background()

	if err := s.EnterSubTask(ctx, ModeCartridgeIO, 0); err != nil {
		t.Fatalf("EnterSubTask() error = %v", err)
	}
	id := s.cartridgeTaskID.Load()
	if id < 0 || id >= 2e9 {
		t.Fatalf("cartridge task id = %d, want within [0, 2e9)", id)
	}

	if _, err := s.CartridgeJSONRPC(ctx, "cartridge.get_info", nil); err != nil {
		t.Fatalf("CartridgeJSONRPC() error = %v", err)
	}
	sent := sentAfterHandshake(fc)
	want := fmt.Sprintf(`jsonrpc_req "{\"id\":%d,\"method\":\"cartridge.get_info\"}"`, id)
	if last := sent[len(sent)-1]; last != want {
		t.Errorf("sent %q, want %q", last, want)
	}

	if err := s.EndSubTask(ctx); err != nil {
		t.Fatalf("EndSubTask() error = %v", err)
	}
	if got := s.cartridgeTaskID.Load(); got != 0 {
		t.Errorf("cartridge task id after EndSubTask = %d, want 0", got)
	}
}

func TestDirectSession_MeasureZ(t *testing.T) {
	s, fc := newTestSession(t, func(int, string) []transport.Event {
		return []transport.Event{reply(`{"status":"ok","data":"ok measure_z(X:10.000,Y:20.000): 3.25,0.5,-0.25"}`)}
	})
	s.setMode(ModeRedLaserMeasure)

	m, err := s.MeasureZ(context.Background(), MeasureArgs{X: f64(10), Y: f64(20), H: f64(1)})
	if err != nil {
		t.Fatalf("MeasureZ() error = %v", err)
	}
	if m.Height != 3.25 || m.XOffset == nil || *m.XOffset != 0.5 || m.YOffset == nil || *m.YOffset != -0.25 {
		t.Errorf("measurement = %+v", m)
	}
	if got := sentAfterHandshake(fc); !reflect.DeepEqual(got, []string{"measure_z(X:10.000,Y:20.000)"}) {
		t.Errorf("sent = %v", got)
	}
}

func TestDirectSession_TakeReferenceZ(t *testing.T) {
	s, _ := newTestSession(t, func(int, string) []transport.Event {
		return []transport.Event{reply(`{"status":"ok","data":"ok take_reference_z(F:1.000): 7.5"}`)}
	})
	s.setMode(ModeRedLaserMeasure)

	z, err := s.TakeReferenceZ(context.Background(), MeasureArgs{F: f64(1)})
	if err != nil || z != 7.5 {
		t.Errorf("TakeReferenceZ() = %v, %v; want 7.5", z, err)
	}
}

func TestDirectSession_CheckTaskAlive(t *testing.T) {
	kicked := false
	s, _ := newTestSession(t, func(int, string) []transport.Event {
		if kicked {
			return []transport.Event{reply(`{"status":"error","data":"KICKED"}`)}
		}
		return []transport.Event{reply(`{"status":"ok","data":""}`)}
	})
	ctx := context.Background()

	if !s.CheckTaskAlive(ctx) {
		t.Error("CheckTaskAlive() = false, want true")
	}
	kicked = true
	if s.CheckTaskAlive(ctx) {
		t.Error("CheckTaskAlive() = true after kick")
	}
}

func TestDirectSession_Kill(t *testing.T) {
	s, fc := newTestSession(t, nil)

	if err := s.Kill(context.Background()); err != nil {
		t.Fatalf("Kill() error = %v", err)
	}
	if got := sentAfterHandshake(fc); !reflect.DeepEqual(got, []string{"kick"}) {
		t.Errorf("sent = %v", got)
	}
	if !fc.closed {
		t.Error("channel not closed")
	}
}

func TestDirectSession_RawOverSocket(t *testing.T) {
	s, fc := newTestSession(t, func(_ int, text string) []transport.Event {
		if text == "task raw" {
			return []transport.Event{reply(`{"status":"ok","task":"raw"}`)}
		}
		return []transport.Event{raw("LN1 0\n")}
	})
	ctx := context.Background()

	if err := s.EnterRawMode(ctx); err != nil {
		t.Fatalf("EnterRawMode() error = %v", err)
	}
	s.RestoreLineCheck(true, 1)
	if err := s.RawMove(ctx, MoveArgs{X: f64(10)}); err != nil {
		t.Fatalf("RawMove() error = %v", err)
	}
	want := []string{"task raw", "N1G1F6000X10*644"}
	if got := sentAfterHandshake(fc); !reflect.DeepEqual(got, want) {
		t.Errorf("sent = %v, want %v", got, want)
	}
}
