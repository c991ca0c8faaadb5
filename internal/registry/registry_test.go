package registry

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tributary-ai/llm-endpoint-router/internal/types"
)

func createTestRegistry(t *testing.T, opts Options) *Registry {
	t.Helper()
	logger := logrus.New()
	logger.SetLevel(logrus.WarnLevel)
	return New(opts, logger)
}

func newTestProvider(id string, priority int) *Provider {
	return &Provider{
		ID:           id,
		Type:         types.ProviderOpenAI,
		Enabled:      true,
		Priority:     priority,
		Weight:       1,
		Capabilities: []types.Capability{types.CapabilityChatCompletion},
		Models:       []types.ModelInfo{{Name: "gpt-4o-mini", CostPer1KTokens: 0.0006}},
		DefaultModel: "gpt-4o-mini",
		Configuration: Configuration{
			Timeout:  30 * time.Second,
			Settings: RESTSettings{APIKeyEnv: "OPENAI_API_KEY"},
		},
	}
}

// registerHealthy registers p and seeds one successful health observation
func registerHealthy(t *testing.T, r *Registry, p *Provider) {
	t.Helper()
	require.NoError(t, r.Register(p))
	require.True(t, r.RecordHealth(p.ID, 100, true, ""))
}

func TestRegistry_RegisterIsIdempotent(t *testing.T) {
	r := createTestRegistry(t, Options{})

	require.NoError(t, r.Register(newTestProvider("a", 1)))

	dup := newTestProvider("a", 99)
	dup.Type = types.ProviderOpenAICompatible
	err := r.Register(dup)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrAlreadyRegistered))

	got, ok := r.Get("a")
	require.True(t, ok)
	assert.Equal(t, 1, got.Priority)
	assert.Equal(t, types.ProviderOpenAI, got.Type)
	assert.Equal(t, StatusActive, got.Status)
	assert.Len(t, r.ListByType(types.ProviderOpenAICompatible), 0)
}

func TestRegistry_RegisterValidation(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(p *Provider)
	}{
		{name: "missing id", mutate: func(p *Provider) { p.ID = "" }},
		{name: "unknown type", mutate: func(p *Provider) { p.Type = "carrier-pigeon" }},
		{name: "missing settings", mutate: func(p *Provider) { p.Configuration.Settings = nil }},
		{name: "settings mismatch", mutate: func(p *Provider) {
			p.Configuration.Settings = APITokenSettings{APIKeyEnv: "ANTHROPIC_API_KEY"}
		}},
		{name: "missing api key reference", mutate: func(p *Provider) { p.Configuration.Settings = RESTSettings{} }},
		{name: "bad base url", mutate: func(p *Provider) {
			p.Configuration.Settings = RESTSettings{APIKeyEnv: "K", BaseURL: "not a url"}
		}},
		{name: "unknown capability", mutate: func(p *Provider) { p.Capabilities = []types.Capability{"telepathy"} }},
		{name: "unknown default model", mutate: func(p *Provider) { p.DefaultModel = "gpt-9" }},
		{name: "negative retries", mutate: func(p *Provider) { p.Configuration.MaxRetries = -1 }},
		{name: "unnamed model", mutate: func(p *Provider) { p.Models = append(p.Models, types.ModelInfo{}) }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := createTestRegistry(t, Options{})
			p := newTestProvider("a", 1)
			tt.mutate(p)

			err := r.Register(p)
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrInvalidProvider), "got %v", err)

			var regErr *RegistrationError
			assert.True(t, errors.As(err, &regErr))
			assert.Empty(t, r.ListAll())
		})
	}
}

func TestConfiguration_CredentialRef(t *testing.T) {
	assert.Equal(t, "OPENAI_API_KEY", Configuration{
		CredentialEnv: "FALLBACK",
		Settings:      RESTSettings{APIKeyEnv: "OPENAI_API_KEY"},
	}.CredentialRef())
	assert.Equal(t, "FALLBACK", Configuration{
		CredentialEnv: "FALLBACK",
		Settings:      APITokenSettings{},
	}.CredentialRef())
	assert.Empty(t, Configuration{Settings: RESTSettings{}}.CredentialRef())

	r := createTestRegistry(t, Options{})
	p := newTestProvider("a", 1)
	p.Configuration.Settings = RESTSettings{}
	p.Configuration.CredentialEnv = "FALLBACK"
	require.NoError(t, r.Register(p))

	assert.False(t, r.SetConfiguration("a", Configuration{Settings: RESTSettings{}}))
	assert.True(t, r.SetConfiguration("a", Configuration{CredentialEnv: "OTHER", Settings: RESTSettings{}}))
}

func TestRegistry_RegisterCopiesInput(t *testing.T) {
	r := createTestRegistry(t, Options{})
	p := newTestProvider("a", 1)
	require.NoError(t, r.Register(p))

	p.Priority = 50
	got, _ := r.Get("a")
	assert.Equal(t, 1, got.Priority)

	got.Priority = 70
	again, _ := r.Get("a")
	assert.Equal(t, 1, again.Priority)
}

func TestRegistry_IndexesAndUnregister(t *testing.T) {
	r := createTestRegistry(t, Options{})

	a := newTestProvider("a", 1)
	b := newTestProvider("b", 2)
	b.Type = types.ProviderAnthropic
	b.Capabilities = []types.Capability{types.CapabilityChatCompletion, types.CapabilityVision}
	b.Configuration.Settings = APITokenSettings{APIKeyEnv: "ANTHROPIC_API_KEY"}

	require.NoError(t, r.Register(a))
	require.NoError(t, r.Register(b))

	assert.Len(t, r.ListAll(), 2)
	assert.Len(t, r.ListByType(types.ProviderOpenAI), 1)
	assert.Len(t, r.ListByType(types.ProviderAnthropic), 1)
	assert.Len(t, r.ListByCapability(types.CapabilityChatCompletion), 2)
	vision := r.ListByCapability(types.CapabilityVision)
	require.Len(t, vision, 1)
	assert.Equal(t, "b", vision[0].ID)

	assert.True(t, r.Unregister("b"))
	assert.False(t, r.Unregister("b"))
	assert.Empty(t, r.ListByCapability(types.CapabilityVision))
	assert.Empty(t, r.ListByType(types.ProviderAnthropic))

	_, ok := r.Get("b")
	assert.False(t, ok)

	// ids are never reused by the registry but may be registered again explicitly
	assert.NoError(t, r.Register(b))
}

func TestRegistry_ListByPriorityIsDeterministic(t *testing.T) {
	r := createTestRegistry(t, Options{})
	registerHealthy(t, r, newTestProvider("A", 10))
	registerHealthy(t, r, newTestProvider("C", 5))
	registerHealthy(t, r, newTestProvider("B", 5))

	for i := 0; i < 20; i++ {
		ordered := r.ListByPriority()
		ids := make([]string, 0, len(ordered))
		for _, p := range ordered {
			ids = append(ids, p.ID)
		}
		assert.Equal(t, []string{"B", "C", "A"}, ids)
	}
}

func TestRegistry_ListAvailableFilters(t *testing.T) {
	r := createTestRegistry(t, Options{})

	registerHealthy(t, r, newTestProvider("healthy", 1))
	require.NoError(t, r.Register(newTestProvider("no-history", 1)))

	disabled := newTestProvider("disabled", 1)
	registerHealthy(t, r, disabled)
	require.True(t, r.Disable("disabled"))

	maint := newTestProvider("maintenance", 1)
	registerHealthy(t, r, maint)
	require.True(t, r.SetStatus("maintenance", StatusMaintenance))

	vision := newTestProvider("vision", 1)
	vision.Capabilities = append(vision.Capabilities, types.CapabilityVision)
	registerHealthy(t, r, vision)

	ids := func(ps []*Provider) []string {
		var out []string
		for _, p := range ps {
			out = append(out, p.ID)
		}
		return out
	}

	assert.Equal(t, []string{"healthy", "vision"}, ids(r.ListAvailable()))
	assert.Equal(t, []string{"vision"}, ids(r.ListAvailable(types.CapabilityVision)))
	assert.Equal(t, []string{"vision"}, ids(r.ListByPriority(types.CapabilityChatCompletion, types.CapabilityVision)))
	assert.Empty(t, r.ListAvailable(types.CapabilityEmbeddings))
}

func TestRegistry_MutatorsOnUnknownID(t *testing.T) {
	r := createTestRegistry(t, Options{})

	assert.False(t, r.SetStatus("x", StatusActive))
	assert.False(t, r.Enable("x"))
	assert.False(t, r.Disable("x"))
	assert.False(t, r.SetPriority("x", 1))
	assert.False(t, r.SetWeight("x", 1))
	assert.False(t, r.SetConfiguration("x", Configuration{Settings: RESTSettings{APIKeyEnv: "K"}}))
	assert.False(t, r.SetModels("x", nil, ""))
	assert.False(t, r.RecordHealth("x", 1, true, ""))
	assert.False(t, r.RecordUsage("x", 1, 0, 1))
	assert.False(t, r.RecordFailure("x"))
	assert.False(t, r.Unregister("x"))
}

func TestRegistry_MutatorsStampUpdatedAt(t *testing.T) {
	clock := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	r := createTestRegistry(t, Options{Clock: func() time.Time { return clock }})
	require.NoError(t, r.Register(newTestProvider("a", 1)))

	steps := []struct {
		name string
		run  func() bool
	}{
		{"status", func() bool { return r.SetStatus("a", StatusInactive) }},
		{"enable", func() bool { return r.Enable("a") }},
		{"disable", func() bool { return r.Disable("a") }},
		{"priority", func() bool { return r.SetPriority("a", 7) }},
		{"weight", func() bool { return r.SetWeight("a", 2.5) }},
		{"configuration", func() bool {
			return r.SetConfiguration("a", Configuration{MaxRetries: 2, Settings: RESTSettings{APIKeyEnv: "OTHER_KEY"}})
		}},
		{"health", func() bool { return r.RecordHealth("a", 10, true, "") }},
		{"usage", func() bool { return r.RecordUsage("a", 10, 0.1, 10) }},
	}

	for _, step := range steps {
		clock = clock.Add(time.Minute)
		require.True(t, step.run(), step.name)
		got, _ := r.Get("a")
		assert.Equal(t, clock, got.UpdatedAt, step.name)
	}

	got, _ := r.Get("a")
	assert.Equal(t, 7, got.Priority)
	assert.Equal(t, 2.5, got.Weight)
	assert.Equal(t, 2, got.Configuration.MaxRetries)
	assert.Equal(t, RESTSettings{APIKeyEnv: "OTHER_KEY"}, got.Configuration.Settings)
}

func TestRegistry_SetConfigurationRejectsWrongVariant(t *testing.T) {
	r := createTestRegistry(t, Options{})
	require.NoError(t, r.Register(newTestProvider("a", 1)))

	ok := r.SetConfiguration("a", Configuration{Settings: WebChatSettings{SessionURL: "https://chat.example.com"}})
	assert.False(t, ok)

	got, _ := r.Get("a")
	assert.Equal(t, RESTSettings{APIKeyEnv: "OPENAI_API_KEY"}, got.Configuration.Settings)
	assert.False(t, r.SetStatus("a", Status("bogus")))
	assert.False(t, r.SetWeight("a", -1))
}

func TestRegistry_RecordHealthEscalatesToError(t *testing.T) {
	r := createTestRegistry(t, Options{})
	require.NoError(t, r.Register(newTestProvider("a", 1)))

	for i := 0; i < 9; i++ {
		r.RecordHealth("a", 10, false, "connection refused")
	}
	got, _ := r.Get("a")
	assert.Equal(t, StatusActive, got.Status)
	assert.Equal(t, 9, got.Health.ConsecutiveFailures)

	r.RecordHealth("a", 10, false, "connection refused")
	got, _ = r.Get("a")
	assert.Equal(t, StatusError, got.Status)
	assert.Equal(t, "connection refused", got.Health.LastError)

	// the registry never deletes providers on its own
	assert.Len(t, r.ListAll(), 1)
}

func TestRegistry_ErrorThresholdIsConfigurable(t *testing.T) {
	r := createTestRegistry(t, Options{ErrorThreshold: 3})
	require.NoError(t, r.Register(newTestProvider("a", 1)))

	for i := 0; i < 3; i++ {
		r.RecordHealth("a", 10, false, "boom")
	}
	got, _ := r.Get("a")
	assert.Equal(t, StatusError, got.Status)
}

func TestRegistry_Stats(t *testing.T) {
	r := createTestRegistry(t, Options{})
	registerHealthy(t, r, newTestProvider("a", 1))
	require.NoError(t, r.Register(newTestProvider("b", 2)))

	c := newTestProvider("c", 3)
	c.Type = types.ProviderWebChat
	c.Capabilities = []types.Capability{types.CapabilityChatCompletion, types.CapabilityWebSearch}
	c.Configuration.Settings = WebChatSettings{SessionURL: "https://chat.example.com/session"}
	registerHealthy(t, r, c)
	require.True(t, r.Disable("c"))

	s := r.Stats()
	assert.Equal(t, 3, s.Total)
	assert.Equal(t, 2, s.Enabled)
	assert.Equal(t, 2, s.Healthy)
	assert.Equal(t, 1, s.Available)
	assert.Equal(t, 2, s.ByType[types.ProviderOpenAI])
	assert.Equal(t, 1, s.ByType[types.ProviderWebChat])
	assert.Equal(t, 3, s.ByCapability[types.CapabilityChatCompletion])
	assert.Equal(t, 1, s.ByCapability[types.CapabilityWebSearch])
	assert.Equal(t, 3, s.ByStatus[StatusActive])
}

func TestRegistry_ConcurrentRecordHealth(t *testing.T) {
	r := createTestRegistry(t, Options{ErrorThreshold: 1 << 30})
	require.NoError(t, r.Register(newTestProvider("a", 1)))

	const workers, perWorker = 8, 250
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < perWorker; i++ {
				r.RecordHealth("a", 5, false, "x")
				r.RecordUsage("a", 1, 0, 5)
				_ = r.ListByPriority()
			}
		}()
	}
	wg.Wait()

	got, _ := r.Get("a")
	assert.Equal(t, workers*perWorker, got.Health.ConsecutiveFailures)
	assert.Equal(t, int64(workers*perWorker), got.Health.ErrorCount)
	assert.Equal(t, int64(workers*perWorker), got.Usage.TotalTokens)
}

type funcProber func(ctx context.Context, p *Provider) error

func (f funcProber) HealthCheck(ctx context.Context, p *Provider) error { return f(ctx, p) }

func TestRegistry_SweepWithoutProberRefreshesLastCheck(t *testing.T) {
	clock := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	r := createTestRegistry(t, Options{Clock: func() time.Time { return clock }})
	registerHealthy(t, r, newTestProvider("a", 1))
	require.NoError(t, r.Register(newTestProvider("fresh", 1)))

	clock = clock.Add(time.Hour)
	require.NoError(t, r.SweepNow(context.Background()))

	a, _ := r.Get("a")
	assert.Equal(t, clock, a.Health.LastCheck)
	fresh, _ := r.Get("fresh")
	assert.Nil(t, fresh.Health, "a sweep without a prober records no observation")
}

func TestRegistry_SweepProbesActiveEnabledProviders(t *testing.T) {
	var probed sync.Map
	prober := funcProber(func(_ context.Context, p *Provider) error {
		probed.Store(p.ID, true)
		if p.ID == "broken" {
			return errors.New("dial tcp: connection refused")
		}
		return nil
	})

	r := createTestRegistry(t, Options{Prober: prober})
	require.NoError(t, r.Register(newTestProvider("ok", 1)))
	require.NoError(t, r.Register(newTestProvider("broken", 2)))
	require.NoError(t, r.Register(newTestProvider("off", 3)))
	require.True(t, r.Disable("off"))

	require.NoError(t, r.SweepNow(context.Background()))

	ok, _ := r.Get("ok")
	require.NotNil(t, ok.Health)
	assert.True(t, ok.IsAvailable())

	broken, _ := r.Get("broken")
	require.NotNil(t, broken.Health)
	assert.Equal(t, 1, broken.Health.ConsecutiveFailures)
	assert.Contains(t, broken.Health.LastError, "connection refused")

	_, wasProbed := probed.Load("off")
	assert.False(t, wasProbed)
}

func TestRegistry_SweepRecoversFromPanics(t *testing.T) {
	prober := funcProber(func(context.Context, *Provider) error { panic("probe exploded") })
	r := createTestRegistry(t, Options{Prober: prober})
	require.NoError(t, r.Register(newTestProvider("a", 1)))

	err := r.SweepNow(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "probe exploded")
}

func TestRegistry_StartStop(t *testing.T) {
	var calls atomic.Int32
	prober := funcProber(func(context.Context, *Provider) error {
		calls.Add(1)
		return nil
	})

	r := createTestRegistry(t, Options{Prober: prober, HealthCheckInterval: 10 * time.Millisecond})
	require.NoError(t, r.Register(newTestProvider("a", 1)))

	r.Start(context.Background())
	r.Start(context.Background())

	assert.Eventually(t, func() bool { return calls.Load() >= 2 }, time.Second, 5*time.Millisecond)

	r.Stop()
	stopped := calls.Load()
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, stopped, calls.Load())

	// a second stop is harmless
	r.Stop()
}

func TestRegistry_StopOnParentCancel(t *testing.T) {
	r := createTestRegistry(t, Options{HealthCheckInterval: time.Hour})
	ctx, cancel := context.WithCancel(context.Background())
	r.Start(ctx)
	cancel()

	done := make(chan struct{})
	go func() {
		r.Stop()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Stop did not return after the parent context was cancelled")
	}
}
