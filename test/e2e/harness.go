// Package e2e boots the complete runtime in-process and drives it the way
// operators and agents do: management calls over a real TCP listener, inbound
// agent traffic through the public proxy, gateway calls from inside fake
// containers back over HTTP. The container engine is the in-memory fake, so
// the suite runs without Docker; everything else is the production wiring
// from cmd/hirebay.
package e2e

import (
	"context"
	"net"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"

	"github.com/hirebay/hirebay/pkg/admission"
	"github.com/hirebay/hirebay/pkg/api"
	"github.com/hirebay/hirebay/pkg/cleanup"
	"github.com/hirebay/hirebay/pkg/config"
	"github.com/hirebay/hirebay/pkg/container"
	"github.com/hirebay/hirebay/pkg/deploy"
	"github.com/hirebay/hirebay/pkg/dispatch"
	"github.com/hirebay/hirebay/pkg/gateway"
	"github.com/hirebay/hirebay/pkg/hiring"
	"github.com/hirebay/hirebay/pkg/proxy"
	"github.com/hirebay/hirebay/pkg/sandbox"
	"github.com/hirebay/hirebay/pkg/store"
	"github.com/hirebay/hirebay/pkg/warnings"
)

// TestApp is one fully wired runtime instance.
type TestApp struct {
	Store      store.Store
	Engine     *container.Fake
	Routes     *proxy.Table
	Warnings   *warnings.Service
	Admissions *admission.Service
	Controller *deploy.Controller
	Dispatcher *dispatch.Service
	Hirings    *hiring.Service
	Gateway    *gateway.Service
	Janitor    *cleanup.Service

	// BaseURL is the management API; ProxyURL is the public agent surface.
	BaseURL  string
	ProxyURL string

	t *testing.T
}

type testAppConfig struct {
	runtime   func(*config.RuntimeConfig)
	providers map[string]*config.ProviderConfig
	rates     map[config.RateKey]config.Rate
	budget    config.BudgetDefaults
}

// TestAppOption customizes the runtime before it boots.
type TestAppOption func(*testAppConfig)

// WithRuntime tweaks the runtime config after the test defaults are applied.
func WithRuntime(tweak func(*config.RuntimeConfig)) TestAppOption {
	return func(tc *testAppConfig) { tc.runtime = tweak }
}

// WithProviders installs a gateway provider registry.
func WithProviders(providers map[string]*config.ProviderConfig) TestAppOption {
	return func(tc *testAppConfig) { tc.providers = providers }
}

// WithRates installs a gateway rate card.
func WithRates(rates map[config.RateKey]config.Rate) TestAppOption {
	return func(tc *testAppConfig) { tc.rates = rates }
}

// WithBudgetDefaults overrides the caps seeded for first-traffic users.
func WithBudgetDefaults(periodCap, perCallCap string) TestAppOption {
	return func(tc *testAppConfig) {
		tc.budget = config.BudgetDefaults{PeriodCap: dec(periodCap), PerCallCap: dec(perCallCap)}
	}
}

// NewTestApp boots a runtime instance and registers its teardown on t. Probe
// and startup timings are tightened so restart scenarios complete in
// milliseconds; WithRuntime can tighten or loosen further.
func NewTestApp(t *testing.T, opts ...TestAppOption) *TestApp {
	t.Helper()
	gin.SetMode(gin.TestMode)

	tc := &testAppConfig{
		budget: config.BudgetDefaults{PeriodCap: dec("25"), PerCallCap: dec("1")},
	}
	for _, opt := range opts {
		opt(tc)
	}

	rc := config.DefaultRuntimeConfig()
	rc.ProbeInterval = 20 * time.Millisecond
	rc.StartupProbeBudget = 5 * time.Second
	rc.DeployStartup = 15 * time.Second
	if tc.runtime != nil {
		tc.runtime(rc)
	}

	// 1. Store, container engine, route table and warnings surface.
	st := store.NewMemory()
	engine := container.NewFake()
	routes := proxy.NewTable()
	warn := warnings.NewService()

	// 2. Management listener before the services. Containers and sandboxes
	// get the gateway URL injected at provision time, so it must be final
	// before anything deploys.
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	baseURL := "http://" + ln.Addr().String()
	gatewayURL := baseURL + "/gateway/call"

	// 3. Domain services, wired exactly like cmd/hirebay.
	admissions := admission.NewService(st, t.TempDir())
	controller := deploy.NewController(st, engine, routes, rc, gatewayURL)
	runner := sandbox.NewRunner(config.DefaultCapsConfig(), t.TempDir(), gatewayURL)
	dispatcher := dispatch.NewService(st, admissions, controller, engine, runner, routes, rc)
	hirings := hiring.NewService(st, admissions, controller, dispatcher)

	// 4. Gateway with the per-test provider registry and rate card.
	keyring, err := gateway.NewKeyring("e2e-sealing-secret")
	require.NoError(t, err)
	cfg := &config.Config{
		Runtime:   rc,
		Caps:      config.DefaultCapsConfig(),
		Providers: config.NewProviderRegistry(tc.providers),
		RateCard:  config.NewRateCard("e2e", "USD", tc.rates),
		Budget:    tc.budget,
	}
	gw := gateway.NewService(st, cfg, keyring)
	gw.SetWarnings(warn)

	// 5. Janitor. Never started here; tests drive sweeps through RunOnce.
	janitor := cleanup.NewService(rc, st, engine, controller)
	janitor.SetWarnings(warn)

	// 6. Probe loop.
	controller.Start()

	// 7. Management API on the listener bound above.
	server := api.NewServer(st, admissions, hirings, dispatcher, controller, gw)
	server.SetWarnings(warn)
	server.SetEngine(engine)
	go func() {
		_ = server.StartWithListener(ln)
	}()

	// 8. Public proxy for inbound agent traffic.
	public := httptest.NewServer(proxy.NewServer(routes, rc).Handler())

	app := &TestApp{
		Store:      st,
		Engine:     engine,
		Routes:     routes,
		Warnings:   warn,
		Admissions: admissions,
		Controller: controller,
		Dispatcher: dispatcher,
		Hirings:    hirings,
		Gateway:    gw,
		Janitor:    janitor,
		BaseURL:    baseURL,
		ProxyURL:   public.URL,
		t:          t,
	}

	t.Cleanup(func() {
		public.Close()
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(ctx)
		_ = controller.Stop(ctx)
	})

	return app
}
