package station

import (
	"context"
	"errors"
	"runtime"
	"strings"
	"time"

	"github.com/depassivation-station/depassivation-controller/session"
	"github.com/godbus/dbus/v5"
	"github.com/godbus/dbus/v5/introspect"
)

const (
	dbusName = "org.depassivation.station"
	dbusPath = "/org/depassivation/station"

	callTimeout = 10 * time.Second
)

type service struct {
	st   *Station
	conn *dbus.Conn
}

func startService(st *Station) (*service, error) {
	log.Info("Starting D-Bus service")
	conn, err := dbus.SystemBus()
	if err != nil {
		return nil, err
	}
	reply, err := conn.RequestName(dbusName, dbus.NameFlagDoNotQueue)
	if err != nil {
		return nil, err
	}
	if reply != dbus.RequestNameReplyPrimaryOwner {
		return nil, errors.New("name already taken")
	}

	s := &service{st: st, conn: conn}
	if err := conn.Export(s, dbusPath, dbusName); err != nil {
		return nil, err
	}
	if err := conn.Export(genIntrospectable(s), dbusPath, "org.freedesktop.DBus.Introspectable"); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *service) ctx() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), callTimeout)
}

func (s *service) Status() (map[string]dbus.Variant, *dbus.Error) {
	ctx, cancel := s.ctx()
	defer cancel()
	st, err := s.st.Status(ctx)
	if err != nil {
		return nil, dbusErr(err)
	}
	return map[string]dbus.Variant{
		"connected":    dbus.MakeVariant(st.Connected),
		"device":       dbus.MakeVariant(st.Device),
		"state":        dbus.MakeVariant(st.State),
		"battery":      dbus.MakeVariant(st.Battery),
		"testId":       dbus.MakeVariant(st.TestID),
		"phase":        dbus.MakeVariant(st.Phase),
		"nextPhase":    dbus.MakeVariant(st.NextPhase),
		"mode":         dbus.MakeVariant(st.Mode),
		"loadOn":       dbus.MakeVariant(st.LoadOn),
		"legalActions": dbus.MakeVariant(st.LegalActions),
	}, nil
}

func (s *service) ListBatteries() ([]string, *dbus.Error) {
	ctx, cancel := s.ctx()
	defer cancel()
	names, err := s.st.Batteries(ctx)
	return names, dbusErr(err)
}

func (s *service) CreateBattery(name string) (int64, *dbus.Error) {
	ctx, cancel := s.ctx()
	defer cancel()
	id, err := s.st.CreateBattery(ctx, name)
	return id, dbusErr(err)
}

func (s *service) SelectBattery(name string) *dbus.Error {
	log.Infof("Got DBus message 'SelectBattery' (%s)", name)
	ctx, cancel := s.ctx()
	defer cancel()
	return dbusErr(s.st.SelectBattery(ctx, name))
}

func (s *service) StartNext() (int64, *dbus.Error) {
	log.Info("Got DBus message 'StartNext'")
	ctx, cancel := s.ctx()
	defer cancel()
	id, err := s.st.StartNext(ctx)
	return id, dbusErr(err)
}

func (s *service) StartPhase(phase, duration, voltage string) (int64, *dbus.Error) {
	log.Infof("Got DBus message 'StartPhase' (%s)", phase)
	ctx, cancel := s.ctx()
	defer cancel()
	id, err := s.st.StartPhase(ctx, phase, duration, voltage)
	return id, dbusErr(err)
}

func (s *service) StartProfile(phase, profile string) (int64, *dbus.Error) {
	log.Infof("Got DBus message 'StartProfile' (%s, %s)", phase, profile)
	ctx, cancel := s.ctx()
	defer cancel()
	id, err := s.st.StartProfile(ctx, phase, profile)
	return id, dbusErr(err)
}

func (s *service) Abort() *dbus.Error {
	log.Info("Got DBus message 'Abort'")
	ctx, cancel := s.ctx()
	defer cancel()
	return dbusErr(s.st.Abort(ctx))
}

func (s *service) SetMode(mode string) *dbus.Error {
	ctx, cancel := s.ctx()
	defer cancel()
	return dbusErr(s.st.SetMode(ctx, strings.ToUpper(mode)))
}

func (s *service) SetLoad(on bool) *dbus.Error {
	ctx, cancel := s.ctx()
	defer cancel()
	return dbusErr(s.st.SetLoad(ctx, on))
}

// emit forwards session events as D-Bus signals. It runs on the control
// loop so it must not call back into the station.
func (s *service) emit(e session.Event) {
	var err error
	switch ev := e.(type) {
	case session.StateChanged:
		err = s.conn.Emit(dbusPath, dbusName+".StateChanged", ev.To.String())
	case session.TestStarted:
		err = s.conn.Emit(dbusPath, dbusName+".TestStarted", ev.TestID, string(ev.Phase), int32(ev.DurationSeconds), ev.PassFailVoltage)
	case session.SampleReceived:
		snap := ev.Snapshot
		err = s.conn.Emit(dbusPath, dbusName+".Sample", snap.TestID, snap.TimeMs, snap.Voltage, snap.Current, snap.Progress)
	case session.LiveReceived:
		snap := ev.Snapshot
		err = s.conn.Emit(dbusPath, dbusName+".Live", snap.Voltage, snap.Current, snap.Power, snap.Resistance, snap.LoadOn)
	case session.TestFinished:
		err = s.conn.Emit(dbusPath, dbusName+".TestFinished", ev.TestID, ev.Result)
	case session.TestAborted:
		err = s.conn.Emit(dbusPath, dbusName+".TestAborted", ev.TestID, ev.Reason)
	case session.ButtonPressed:
		err = s.conn.Emit(dbusPath, dbusName+".Button", ev.Button)
	}
	if err != nil {
		log.Debugf("Could not emit signal: %v", err)
	}
}

func genIntrospectable(v interface{}) introspect.Introspectable {
	node := &introspect.Node{
		Interfaces: []introspect.Interface{{
			Name:    dbusName,
			Methods: introspect.Methods(v),
			Signals: []introspect.Signal{
				{Name: "StateChanged", Args: []introspect.Arg{{Name: "state", Type: "s"}}},
				{Name: "TestStarted", Args: []introspect.Arg{{Name: "testId", Type: "x"}, {Name: "phase", Type: "s"}, {Name: "duration", Type: "i"}, {Name: "passFailVoltage", Type: "d"}}},
				{Name: "Sample", Args: []introspect.Arg{{Name: "testId", Type: "x"}, {Name: "timeMs", Type: "x"}, {Name: "voltage", Type: "d"}, {Name: "current", Type: "d"}, {Name: "progress", Type: "d"}}},
				{Name: "Live", Args: []introspect.Arg{{Name: "voltage", Type: "d"}, {Name: "current", Type: "d"}, {Name: "power", Type: "d"}, {Name: "resistance", Type: "d"}, {Name: "loadOn", Type: "b"}}},
				{Name: "TestFinished", Args: []introspect.Arg{{Name: "testId", Type: "x"}, {Name: "result", Type: "s"}}},
				{Name: "TestAborted", Args: []introspect.Arg{{Name: "testId", Type: "x"}, {Name: "reason", Type: "s"}}},
				{Name: "Button", Args: []introspect.Arg{{Name: "button", Type: "s"}}},
			},
		}},
	}
	return introspect.NewIntrospectable(node)
}

func dbusErr(err error) *dbus.Error {
	if err == nil {
		return nil
	}
	return &dbus.Error{
		Name: dbusName + "." + getCallerName(),
		Body: []interface{}{err.Error()},
	}
}

func getCallerName() string {
	fpcs := make([]uintptr, 1)
	n := runtime.Callers(3, fpcs)
	if n == 0 {
		return ""
	}
	caller := runtime.FuncForPC(fpcs[0] - 1)
	if caller == nil {
		return ""
	}
	funcNames := strings.Split(caller.Name(), ".")
	return funcNames[len(funcNames)-1]
}
