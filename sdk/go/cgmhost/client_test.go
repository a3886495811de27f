package cgmhost

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"OpenCGM-Host/internal/api"
	"OpenCGM-Host/internal/auth"
	"OpenCGM-Host/pkg/plugin"
)

type stubPump struct {
	*plugin.Base
	calibrations []int
}

func (p *stubPump) GetBatteryStatus(context.Context) (plugin.BatteryStatus, error) {
	return plugin.BatteryStatus{Percent: 64, Charging: true}, nil
}

func (p *stubPump) GetReservoirMilliunits(context.Context) (int, error) { return 87000, nil }

func (p *stubPump) Calibrate(_ context.Context, v int) error {
	p.calibrations = append(p.calibrations, v)
	return nil
}

func newDaemon(t *testing.T, svc *auth.Service) (*httptest.Server, *stubPump) {
	t.Helper()
	reg := plugin.NewRegistry()
	t.Cleanup(func() { _ = reg.Shutdown(context.Background()) })

	meta := plugin.Metadata{ID: "org.test.pump", Name: "Pump", Version: "1.0.0", APIVersion: plugin.APIVersion}
	p := &stubPump{Base: plugin.NewBase(meta)}
	p.Provide(plugin.CapabilityPumpStatus, p)
	p.Provide(plugin.CapabilityCalibrationTarget, p)
	if err := reg.Register(context.Background(), plugin.NewFactory(meta, func(plugin.Context) (plugin.Plugin, error) { return p, nil })); err != nil {
		t.Fatalf("register: %v", err)
	}

	srv := httptest.NewServer(api.NewServer(":0", reg, api.WithAuth(svc)).Handler())
	t.Cleanup(srv.Close)
	return srv, p
}

func TestClientRoundTrip(t *testing.T) {
	ctx := context.Background()
	srv, pump := newDaemon(t, nil)
	client, err := NewClient(srv.URL, srv.Client())
	if err != nil {
		t.Fatalf("client: %v", err)
	}

	plugins, err := client.Plugins(ctx)
	if err != nil || len(plugins) != 1 || plugins[0].Metadata.ID != "org.test.pump" {
		t.Fatalf("unexpected plugins %+v err=%v", plugins, err)
	}

	active, err := client.Activate(ctx, plugin.CapabilityPumpStatus, "org.test.pump")
	if err != nil || len(active) != 1 {
		t.Fatalf("activate: %v %v", active, err)
	}
	status, err := client.PumpStatus(ctx)
	if err != nil || status.Battery.Percent != 64 || status.ReservoirMilliunits != 87000 {
		t.Fatalf("unexpected pump status %+v err=%v", status, err)
	}

	if _, err := client.Activate(ctx, plugin.CapabilityCalibrationTarget, "org.test.pump"); err != nil {
		t.Fatalf("activate calibration: %v", err)
	}
	if err := client.Calibrate(ctx, 118); err != nil {
		t.Fatalf("calibrate: %v", err)
	}
	if len(pump.calibrations) != 1 || pump.calibrations[0] != 118 {
		t.Fatalf("calibration not routed: %v", pump.calibrations)
	}

	caps, err := client.Capabilities(ctx)
	if err != nil || len(caps) != len(plugin.Capabilities()) {
		t.Fatalf("unexpected capabilities %+v err=%v", caps, err)
	}
	limits, err := client.SafetyLimits(ctx)
	if err != nil || limits.MaxGlucoseMgDl != 500 {
		t.Fatalf("unexpected limits %+v err=%v", limits, err)
	}
	if err := client.Deactivate(ctx, plugin.CapabilityPumpStatus, "org.test.pump"); err != nil {
		t.Fatalf("deactivate: %v", err)
	}
}

func TestClientErrors(t *testing.T) {
	ctx := context.Background()
	srv, _ := newDaemon(t, nil)
	client, _ := NewClient(srv.URL, srv.Client())

	_, err := client.Plugin(ctx, "org.test.missing")
	if !IsNotFound(err) {
		t.Fatalf("expected not found, got %v", err)
	}
	var apiErr *APIError
	if !errors.As(err, &apiErr) || apiErr.Code == "" {
		t.Fatalf("expected decoded error code, got %+v", err)
	}

	err = client.Calibrate(ctx, 900)
	if !errors.As(err, &apiErr) || apiErr.StatusCode != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422, got %v", err)
	}

	if _, err := NewClient("not a url", nil); err == nil {
		t.Fatal("expected invalid url error")
	}
}

func TestClientSendsToken(t *testing.T) {
	ctx := context.Background()
	svc, err := auth.NewService(auth.Config{
		Mode:   auth.ModeToken,
		Tokens: []auth.TokenConfig{{Name: "cli", SHA256: auth.HashToken("secret"), Permissions: []string{"*"}}},
	})
	if err != nil {
		t.Fatalf("auth: %v", err)
	}
	srv, _ := newDaemon(t, svc)
	client, _ := NewClient(srv.URL, srv.Client())

	_, err = client.Plugins(ctx)
	var apiErr *APIError
	if !errors.As(err, &apiErr) || apiErr.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 without token, got %v", err)
	}
	client.SetToken("secret")
	if _, err := client.Plugins(ctx); err != nil {
		t.Fatalf("expected success with token, got %v", err)
	}
}
