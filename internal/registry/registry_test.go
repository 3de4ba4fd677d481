package registry

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ehrlich-b/agentisland/internal/agent"
	"github.com/ehrlich-b/agentisland/internal/bus"
	"github.com/ehrlich-b/agentisland/internal/config"
	"github.com/ehrlich-b/agentisland/internal/logger"
	"github.com/ehrlich-b/agentisland/internal/session"
)

type fakeAdapter struct {
	id     string
	desc   *config.CustomAgent
	stream *agent.Stream

	mu         sync.Mutex
	installs   int
	uninstalls int
	stops      int
	installErr error
}

func newFake(id string) *fakeAdapter {
	return &fakeAdapter{id: id, stream: agent.NewStream(8)}
}

func (f *fakeAdapter) ID() string                 { return f.id }
func (f *fakeAdapter) Meta() agent.Meta           { return agent.Meta{ID: f.id, Name: "Fake " + f.id} }
func (f *fakeAdapter) Events() <-chan agent.Event { return f.stream.Events() }

func (f *fakeAdapter) Install(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.installErr != nil {
		return f.installErr
	}
	f.installs++
	return nil
}

func (f *fakeAdapter) Uninstall(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.uninstalls++
	return nil
}

func (f *fakeAdapter) Stop(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stops++
	return nil
}

func (f *fakeAdapter) ResolvePermission(context.Context, string, agent.Decision) error { return nil }

func (f *fakeAdapter) counts() (installs, uninstalls, stops int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.installs, f.uninstalls, f.stops
}

// fakeCustom carries a descriptor like the real custom adapter.
type fakeCustom struct {
	*fakeAdapter
}

func (f fakeCustom) Descriptor() config.CustomAgent { return *f.desc }

type fakeBuilder struct {
	mu       sync.Mutex
	builtins []*fakeAdapter
	customs  map[string]*fakeAdapter
}

func (b *fakeBuilder) Builtins() []agent.Adapter {
	out := make([]agent.Adapter, 0, len(b.builtins))
	for _, a := range b.builtins {
		out = append(out, a)
	}
	return out
}

func (b *fakeBuilder) Custom(desc config.CustomAgent) agent.Adapter {
	b.mu.Lock()
	defer b.mu.Unlock()
	f := newFake(desc.ID)
	f.desc = &desc
	b.customs[desc.ID] = f
	return fakeCustom{f}
}

func (b *fakeBuilder) custom(id string) *fakeAdapter {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.customs[id]
}

type harness struct {
	path    string
	reg     *Registry
	bus     *bus.Bus
	claude  *fakeAdapter
	codex   *fakeAdapter
	builder *fakeBuilder
}

func writeConfig(t *testing.T, path, body string) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte(body), 0644))
}

func newHarness(t *testing.T, configBody string) *harness {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	writeConfig(t, path, configBody)

	store := session.NewStore(session.WithLogger(logger.Nop()))
	t.Cleanup(store.Close)
	b := bus.New(store, bus.WithLogger(logger.Nop()))

	h := &harness{
		path:   path,
		bus:    b,
		claude: newFake(config.AgentClaude),
		codex:  newFake(config.AgentCodex),
	}
	h.builder = &fakeBuilder{builtins: []*fakeAdapter{h.claude, h.codex}, customs: map[string]*fakeAdapter{}}
	h.reg = New(path, b, h.builder, WithLogger(logger.Nop()))

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(func() {
		h.reg.Shutdown(context.Background())
		cancel()
	})
	require.NoError(t, h.reg.Bootstrap(ctx))
	return h
}

func (h *harness) persisted(t *testing.T) []string {
	t.Helper()
	cfg, err := config.Load(h.path)
	require.NoError(t, err)
	return cfg.EnabledAgents
}

func TestBootstrapInstallsEnabledAgents(t *testing.T) {
	h := newHarness(t, "enabled_agents: [codex]\n")

	assert.Equal(t, []string{"codex"}, h.reg.Enabled())
	assert.Equal(t, []string{"codex"}, h.bus.Registered())
	installs, _, _ := h.claude.counts()
	assert.Zero(t, installs)
	installs, _, _ = h.codex.counts()
	assert.Equal(t, 1, installs)

	agents := h.reg.Agents()
	require.Len(t, agents, 2)
	assert.Equal(t, "claude", agents[0].ID)
	assert.False(t, agents[0].Enabled)
	assert.True(t, agents[1].Enabled)
	assert.Equal(t, "Fake codex", agents[1].Name)
}

func TestEnableTwiceInstallsOnce(t *testing.T) {
	h := newHarness(t, "enabled_agents: []\n")
	ctx := context.Background()

	require.NoError(t, h.reg.EnableID(ctx, "claude"))
	require.NoError(t, h.reg.EnableID(ctx, "claude"))

	installs, _, _ := h.claude.counts()
	assert.Equal(t, 1, installs)
	assert.Equal(t, []string{"claude"}, h.bus.Registered())
	assert.Equal(t, []string{"claude"}, h.persisted(t))
}

func TestDisableUninstallsAndPersists(t *testing.T) {
	h := newHarness(t, "enabled_agents: [claude, codex]\n")
	ctx := context.Background()

	require.NoError(t, h.reg.DisableID(ctx, "claude"))
	require.NoError(t, h.reg.DisableID(ctx, "claude"))

	_, uninstalls, _ := h.claude.counts()
	assert.Equal(t, 1, uninstalls)
	assert.Equal(t, []string{"codex"}, h.bus.Registered())
	assert.Equal(t, []string{"codex"}, h.reg.Enabled())
	assert.Equal(t, []string{"codex"}, h.persisted(t))
}

func TestPersistKeepsRawConfig(t *testing.T) {
	t.Setenv("ISLAND_LOG_LEVEL", "debug")
	h := newHarness(t, "enabled_agents: []\nsocket_path: ~/island.sock\nlogging:\n  file: ~/island.log\n")

	require.NoError(t, h.reg.EnableID(context.Background(), "codex"))

	data, err := os.ReadFile(h.path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "~/island.sock")
	assert.Contains(t, string(data), "~/island.log")
	assert.NotContains(t, string(data), "debug")
	assert.Equal(t, []string{"codex"}, h.persisted(t))
}

func TestInstallFailureLeavesAgentDisabled(t *testing.T) {
	h := newHarness(t, "enabled_agents: []\n")
	h.codex.installErr = errors.New("no home directory")

	err := h.reg.EnableID(context.Background(), "codex")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no home directory")
	assert.Empty(t, h.reg.Enabled())
	assert.Empty(t, h.bus.Registered())
	assert.Empty(t, h.persisted(t))
}

func TestEnableRejectsSecondInstance(t *testing.T) {
	h := newHarness(t, "enabled_agents: []\n")
	ctx := context.Background()
	impostor := newFake(config.AgentCodex)

	assert.ErrorIs(t, h.reg.Enable(ctx, impostor), ErrAgentConflict)
	installs, _, _ := impostor.counts()
	assert.Zero(t, installs)
	assert.Empty(t, h.bus.Registered())

	require.NoError(t, h.reg.Enable(ctx, h.codex))
	a, ok := h.reg.Adapter(config.AgentCodex)
	require.True(t, ok)
	assert.Same(t, h.codex, a)
	assert.Equal(t, []string{"codex"}, h.bus.Registered())
}

func TestUnknownAgentID(t *testing.T) {
	h := newHarness(t, "enabled_agents: []\n")
	ctx := context.Background()

	assert.ErrorIs(t, h.reg.EnableID(ctx, "ghost"), ErrUnknownAgent)
	assert.ErrorIs(t, h.reg.DisableID(ctx, "ghost"), ErrUnknownAgent)
}

func TestReloadReconcilesCustomAgents(t *testing.T) {
	h := newHarness(t, "enabled_agents: [claude]\n")
	ctx := context.Background()
	sock := filepath.Join(t.TempDir(), "aider.sock")

	writeConfig(t, h.path, "enabled_agents: [aider]\ncustom_agents:\n  - id: aider\n    socket_path: "+sock+"\n")
	require.NoError(t, h.reg.Reload(ctx))

	assert.Equal(t, []string{"aider"}, h.reg.Enabled())
	assert.ElementsMatch(t, []string{"aider"}, h.bus.Registered())
	_, uninstalls, _ := h.claude.counts()
	assert.Equal(t, 1, uninstalls)
	aider := h.builder.custom("aider")
	require.NotNil(t, aider)
	installs, _, _ := aider.counts()
	assert.Equal(t, 1, installs)

	agents := h.reg.Agents()
	require.Len(t, agents, 3)
	assert.True(t, agents[2].Custom)

	// unchanged file: nothing reinstalled
	require.NoError(t, h.reg.Reload(ctx))
	installs, _, _ = aider.counts()
	assert.Equal(t, 1, installs)
	assert.Same(t, aider, h.builder.custom("aider"))

	// descriptor removed: adapter uninstalled and forgotten
	writeConfig(t, h.path, "enabled_agents: [aider]\n")
	require.NoError(t, h.reg.Reload(ctx))
	_, uninstalls, _ = aider.counts()
	assert.Equal(t, 1, uninstalls)
	_, ok := h.reg.Adapter("aider")
	assert.False(t, ok)
	assert.Empty(t, h.reg.Enabled())
}

func TestReloadDoesNotWriteConfig(t *testing.T) {
	h := newHarness(t, "enabled_agents: [claude]\n")
	body := "# hand edited\nenabled_agents: [codex]\n"
	writeConfig(t, h.path, body)

	require.NoError(t, h.reg.Reload(context.Background()))
	got, err := os.ReadFile(h.path)
	require.NoError(t, err)
	assert.Equal(t, body, string(got))
	assert.Equal(t, []string{"codex"}, h.reg.Enabled())
}

func TestSubscribeCoalescesChanges(t *testing.T) {
	h := newHarness(t, "enabled_agents: []\n")
	ch, cancel := h.reg.Subscribe()
	defer cancel()
	ctx := context.Background()

	require.NoError(t, h.reg.EnableID(ctx, "claude"))
	require.NoError(t, h.reg.EnableID(ctx, "codex"))

	select {
	case <-ch:
	case <-time.After(time.Second):
		t.Fatal("no change signal")
	}
	select {
	case <-ch:
		t.Fatal("signals should coalesce")
	default:
	}
}

func TestShutdownStopsWithoutUninstalling(t *testing.T) {
	h := newHarness(t, "enabled_agents: [claude]\n")
	h.reg.Shutdown(context.Background())

	_, uninstalls, stops := h.claude.counts()
	assert.Zero(t, uninstalls)
	assert.Equal(t, 1, stops)
	assert.Equal(t, []string{"claude"}, h.persisted(t))

	// reloads after shutdown are ignored
	writeConfig(t, h.path, "enabled_agents: []\n")
	require.NoError(t, h.reg.Reload(context.Background()))
	_, uninstalls, _ = h.claude.counts()
	assert.Zero(t, uninstalls)
}
