package taskengine

import (
	"context"
	"io"
	"strings"
	"testing"

	"github.com/cuemby/moorage/pkg/agentbridge"
	"github.com/cuemby/moorage/pkg/broker"
	"github.com/cuemby/moorage/pkg/discovery"
	"github.com/cuemby/moorage/pkg/dockerdriver"
	"github.com/cuemby/moorage/pkg/errs"
	"github.com/cuemby/moorage/pkg/health"
	"github.com/cuemby/moorage/pkg/ippool"
	"github.com/cuemby/moorage/pkg/ledger"
	"github.com/cuemby/moorage/pkg/monitoring"
	"github.com/cuemby/moorage/pkg/storage"
	"github.com/cuemby/moorage/pkg/taskstore"
	"github.com/cuemby/moorage/pkg/types"
	"github.com/stretchr/testify/require"
)

func linesOf(ss ...string) <-chan string {
	ch := make(chan string, len(ss))
	for _, s := range ss {
		ch <- s
	}
	close(ch)
	return ch
}

type fakeDocker struct {
	pullLines, buildLines, pushLines []string
	createErr                        error
	createdID, createdName           string
	removedCIDs                      [][]string
}

func (f *fakeDocker) PullImage(ctx context.Context, host types.Host, repo, tag string) (<-chan string, error) {
	return linesOf(f.pullLines...), nil
}
func (f *fakeDocker) BuildImage(ctx context.Context, host types.Host, buildCtx io.Reader, dockerfile, tag string) (<-chan string, error) {
	return linesOf(f.buildLines...), nil
}
func (f *fakeDocker) PushImage(ctx context.Context, host types.Host, tag, registryAuth string) (<-chan string, error) {
	return linesOf(f.pushLines...), nil
}
func (f *fakeDocker) RemoveImage(ctx context.Context, host types.Host, imageURL string) error { return nil }
func (f *fakeDocker) CreateOneContainer(ctx context.Context, host types.Host, p dockerdriver.CreateParams) (string, string, error) {
	if f.createErr != nil {
		return "", "", f.createErr
	}
	id := f.createdID
	if id == "" {
		id = "cid1"
	}
	return id, p.Name, nil
}
func (f *fakeDocker) RemoveHostContainers(ctx context.Context, host types.Host, containers []types.Container) error {
	return nil
}
func (f *fakeDocker) RemoveContainerByCID(ctx context.Context, host types.Host, cids []string) error {
	f.removedCIDs = append(f.removedCIDs, cids)
	return nil
}

type fakeBridge struct {
	results []agentbridge.AttachResult
	err     error

	addedContainers []agentbridge.ContainerInfo
}

func (f *fakeBridge) AttachVLANs(taskID string, host types.Host, containerID string, reqs []agentbridge.AttachRequest) ([]agentbridge.AttachResult, error) {
	return f.results, f.err
}

func (f *fakeBridge) AddContainer(host types.Host, container agentbridge.ContainerInfo) error {
	f.addedContainers = append(f.addedContainers, container)
	return nil
}

type fakeSource struct{}

func (fakeSource) Fetch(ctx context.Context, app types.App, version types.Version) (io.Reader, string, error) {
	return strings.NewReader("build context"), "Dockerfile", nil
}

func alwaysHealthy(url string) health.Checker { return stubChecker{healthy: true} }

type stubChecker struct{ healthy bool }

func (s stubChecker) Check(ctx context.Context) health.Result {
	return health.Result{Healthy: s.healthy, Message: "stub"}
}
func (s stubChecker) Type() health.CheckType { return health.CheckTypeHTTP }

func newTestEngine(t *testing.T, docker dockerDriver, bridge agentbridge.Bridge) (*Engine, storage.Store, *broker.MemBroker, *taskstore.Store) {
	t.Helper()
	store, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	mem := broker.NewMemBroker()
	tasks := taskstore.New(store)
	e := newForTest(store, tasks, ledger.New(store), ippool.New(store), docker, bridge,
		discovery.New(mem), monitoring.NoopRegistrar{}, mem, fakeSource{}, "registry.local", alwaysHealthy)
	return e, store, mem, tasks
}

func seedApp(t *testing.T, store storage.Store, app *types.App, version *types.Version, host *types.Host) {
	t.Helper()
	require.NoError(t, store.CreateApp(app))
	require.NoError(t, store.CreateVersion(version))
	require.NoError(t, store.CreateHost(host))
}

func TestIterCoresEvenSplit(t *testing.T) {
	full := []types.Core{{ID: "f0"}, {ID: "f1"}, {ID: "f2"}, {ID: "f3"}}
	chunks := iterCores(full, nil, 2)
	require.Len(t, chunks, 2)
	require.Len(t, chunks[0].Full, 2)
	require.Len(t, chunks[1].Full, 2)
	require.Equal(t, "f0", chunks[0].Full[0].ID)
	require.Equal(t, "f2", chunks[1].Full[0].ID)
}

func TestIterCoresCeilingDivisionRemainder(t *testing.T) {
	full := []types.Core{{ID: "f0"}, {ID: "f1"}, {ID: "f2"}}
	chunks := iterCores(full, nil, 2)
	require.Len(t, chunks, 2)
	// ceil(3/2) = 2, so slot 0 takes 2 cores and slot 1 takes the remainder.
	require.Len(t, chunks[0].Full, 2)
	require.Len(t, chunks[1].Full, 1)
	require.Equal(t, "f2", chunks[1].Full[0].ID)
}

func TestIterCoresEmptyYieldsPairsOfEmptySlices(t *testing.T) {
	chunks := iterCores(nil, nil, 3)
	require.Len(t, chunks, 3)
	for _, c := range chunks {
		require.Empty(t, c.Full)
		require.Empty(t, c.Part)
	}
}

func TestIterCoresMoreSlotsThanCoresLeavesTrailingSlotsEmpty(t *testing.T) {
	full := []types.Core{{ID: "f0"}}
	chunks := iterCores(full, nil, 3)
	require.Len(t, chunks, 3)
	require.Len(t, chunks[0].Full, 1)
	require.Empty(t, chunks[1].Full)
	require.Empty(t, chunks[2].Full)
}

func TestBuildImageSuccessRecordsImage(t *testing.T) {
	docker := &fakeDocker{pushLines: []string{"pushed", "latest: digest: Digest: sha256:deadbeef size: 123"}}
	e, store, mem, tasks := newTestEngine(t, docker, nil)

	app := &types.App{ID: "app1", Name: "demo"}
	version := &types.Version{ID: "v1", AppID: "app1", SHA: "abcdef1234567890abcdef1234567890abcdef12"}
	host := &types.Host{ID: "h1", Addr: "10.0.0.1:2375", Name: "host1"}
	seedApp(t, store, app, version, host)

	task := &types.Task{ID: "t1", Kind: types.TaskBuildImage, HostID: "h1", VersionID: "v1", AppID: "app1",
		Props: types.TaskProps{BaseImage: "golang:1.21"}}
	require.NoError(t, tasks.Create(task))

	ch, cancel, err := mem.Subscribe(context.Background(), "eru:task:t1:pub")
	require.NoError(t, err)
	defer cancel()
	go func() { _ = e.BuildImage(context.Background(), "t1") }()
	require.Equal(t, "pushed", <-ch)
	require.Equal(t, "latest: digest: Digest: sha256:deadbeef size: 123", <-ch)
	require.Equal(t, "build-finish", <-ch)

	got, err := tasks.Get("t1")
	require.NoError(t, err)
	require.Equal(t, types.TaskSuccess, got.Status)

	img, err := store.GetImageByVersion("v1")
	require.NoError(t, err)
	require.Equal(t, "registry.local/demo:abcdef1", img.URL)
}

func TestBuildImageFailedPushMarksTaskFailed(t *testing.T) {
	docker := &fakeDocker{pushLines: []string{"no digest here"}}
	e, store, _, tasks := newTestEngine(t, docker, nil)

	app := &types.App{ID: "app1", Name: "demo"}
	version := &types.Version{ID: "v1", AppID: "app1", SHA: "abcdef1234567890abcdef1234567890abcdef12"}
	host := &types.Host{ID: "h1", Addr: "10.0.0.1:2375", Name: "host1"}
	seedApp(t, store, app, version, host)

	task := &types.Task{ID: "t1", Kind: types.TaskBuildImage, HostID: "h1", VersionID: "v1", AppID: "app1",
		Props: types.TaskProps{BaseImage: "golang:1.21"}}
	require.NoError(t, tasks.Create(task))

	require.NoError(t, e.BuildImage(context.Background(), "t1"))

	got, err := tasks.Get("t1")
	require.NoError(t, err)
	require.Equal(t, types.TaskFailed, got.Status)
	require.Equal(t, "failed to push image to image hub", got.Reason)
}

func TestCreateContainersHappyPathAttachesAndRegisters(t *testing.T) {
	docker := &fakeDocker{createdID: "cid1"}
	bridge := &fakeBridge{results: []agentbridge.AttachResult{
		{Success: true, ContainerID: "cid1", Vethname: "veth0", Address: "10.1.0.5"},
	}}
	e, store, _, tasks := newTestEngine(t, docker, bridge)

	app := &types.App{ID: "app1", Name: "demo"}
	version := &types.Version{ID: "v1", AppID: "app1", SHA: "abcdef1234567890abcdef1234567890abcdef12"}
	host := &types.Host{ID: "h1", Addr: "10.0.0.1:2375", Name: "host1"}
	seedApp(t, store, app, version, host)
	require.NoError(t, store.CreateNetwork(&types.Network{ID: "n1", CIDR: "10.1.0.0/24", VLANSeqID: 1}))
	require.NoError(t, store.CreateIPs([]types.IP{{ID: "ip1", NetworkID: "n1", Address: "10.1.0.5"}}))

	task := &types.Task{ID: "t2", Kind: types.TaskCreateContainer, HostID: "h1", VersionID: "v1", AppID: "app1",
		Props: types.TaskProps{
			Entrypoint: "web", Image: "demo:v1", NetworkIDs: []string{"n1"}, NContainer: 1,
			CoresFull: []types.Core{{ID: "c0", Label: "0"}},
			Ports:     []types.PortSpec{{ContainerPort: 8080, HostPort: 8080, Protocol: "tcp"}},
		}}
	require.NoError(t, tasks.Create(task))

	require.NoError(t, e.CreateContainers(context.Background(), "t2"))

	got, err := tasks.Get("t2")
	require.NoError(t, err)
	require.Equal(t, types.TaskSuccess, got.Status)
	require.Equal(t, []string{"cid1"}, got.ContainerIDs)

	c, err := store.GetContainer("cid1")
	require.NoError(t, err)
	require.Equal(t, []string{"10.0.0.1:8080"}, c.Backends)

	ip, err := store.GetIP("ip1")
	require.NoError(t, err)
	require.Equal(t, "cid1", ip.ContainerID)
	require.Equal(t, "veth0", ip.Vethname)

	require.Len(t, bridge.addedContainers, 1)
	require.Equal(t, "cid1", bridge.addedContainers[0].ContainerID)
}

func TestCreateContainersAttachFailureUnwindsCoresAndIPsAndDoesNotPersistContainer(t *testing.T) {
	docker := &fakeDocker{createdID: "cid1"}
	bridge := &fakeBridge{err: &errs.AgentRejected{ContainerID: "cid1", Reason: "agent reported failure"}}
	e, store, _, tasks := newTestEngine(t, docker, bridge)

	app := &types.App{ID: "app1", Name: "demo"}
	version := &types.Version{ID: "v1", AppID: "app1", SHA: "abcdef1234567890abcdef1234567890abcdef12"}
	host := &types.Host{ID: "h1", Addr: "10.0.0.1:2375", Name: "host1"}
	seedApp(t, store, app, version, host)
	require.NoError(t, store.CreateNetwork(&types.Network{ID: "n1", CIDR: "10.1.0.0/24", VLANSeqID: 1}))
	require.NoError(t, store.CreateIPs([]types.IP{{ID: "ip1", NetworkID: "n1", Address: "10.1.0.5"}}))
	require.NoError(t, store.CreateCores([]types.Core{{ID: "c0", HostID: "h1", Label: "0", Used: true, ContainerID: "placeholder"}}))

	task := &types.Task{ID: "t5", Kind: types.TaskCreateContainer, HostID: "h1", VersionID: "v1", AppID: "app1",
		Props: types.TaskProps{
			Entrypoint: "web", Image: "demo:v1", NetworkIDs: []string{"n1"}, NContainer: 1,
			CoresFull: []types.Core{{ID: "c0", HostID: "h1", Label: "0"}},
			Ports:     []types.PortSpec{{ContainerPort: 8080, HostPort: 8080, Protocol: "tcp"}},
		}}
	require.NoError(t, tasks.Create(task))

	require.NoError(t, e.CreateContainers(context.Background(), "t5"))

	got, err := tasks.Get("t5")
	require.NoError(t, err)
	// The one slot failed to attach, but that's recovered locally, not a
	// whole-task failure.
	require.Equal(t, types.TaskSuccess, got.Status)
	require.Empty(t, got.ContainerIDs)

	_, err = store.GetContainer("cid1")
	require.Error(t, err)

	require.Len(t, docker.removedCIDs, 1)
	require.Equal(t, []string{"cid1"}, docker.removedCIDs[0])

	free, err := store.ListFreeCores("h1")
	require.NoError(t, err)
	require.Len(t, free, 1)

	ip, err := store.GetIP("ip1")
	require.NoError(t, err)
	require.Empty(t, ip.ContainerID)

	require.Empty(t, bridge.addedContainers)
}

func TestCreateContainersPerSlotFailureDoesNotFailTask(t *testing.T) {
	e, store, _, tasks := newTestEngine(t, &fakeDocker{createErr: errCreate}, nil)

	app := &types.App{ID: "app1", Name: "demo"}
	version := &types.Version{ID: "v1", AppID: "app1", SHA: "abcdef1234567890abcdef1234567890abcdef12"}
	host := &types.Host{ID: "h1", Addr: "10.0.0.1:2375", Name: "host1"}
	seedApp(t, store, app, version, host)

	task := &types.Task{ID: "t3", Kind: types.TaskCreateContainer, HostID: "h1", VersionID: "v1", AppID: "app1",
		Props: types.TaskProps{Entrypoint: "web", Image: "demo:v1", NContainer: 1,
			CoresFull: []types.Core{{ID: "c0", Label: "0"}}}}
	require.NoError(t, tasks.Create(task))

	require.NoError(t, e.CreateContainers(context.Background(), "t3"))

	got, err := tasks.Get("t3")
	require.NoError(t, err)
	// No containers were created, but that isn't a health-check failure, so
	// the task still finishes SUCCESS with an empty container list.
	require.Equal(t, types.TaskSuccess, got.Status)
	require.Empty(t, got.ContainerIDs)
}

func TestRemoveContainersHappyPath(t *testing.T) {
	e, store, mem, tasks := newTestEngine(t, &fakeDocker{}, nil)

	host := &types.Host{ID: "h1", Addr: "10.0.0.1:2375", Name: "host1"}
	version := &types.Version{ID: "v1", AppID: "app1", SHA: "abcdef1234567890abcdef1234567890abcdef12"}
	require.NoError(t, store.CreateHost(host))
	require.NoError(t, store.CreateVersion(version))
	require.NoError(t, store.CreateContainer(&types.Container{
		ID: "cid1", HostID: "h1", VersionID: "v1", AppID: "app1", Name: "demo_web_0",
		Entrypoint: "web", Backends: []string{"10.0.0.1:8080"},
	}))
	require.NoError(t, mem.HSet(context.Background(), "eru:app:demo:backends", "web", "eru:app:demo:entrypoint:web:backends"))
	require.NoError(t, mem.SAdd(context.Background(), "eru:app:demo:entrypoint:web:backends", "10.0.0.1:8080"))

	task := &types.Task{ID: "t4", Kind: types.TaskRemoveContainer, HostID: "h1", VersionID: "v1", AppID: "app1",
		Props: types.TaskProps{Cids: []string{"cid1"}}}
	require.NoError(t, tasks.Create(task))

	require.NoError(t, e.RemoveContainers(context.Background(), "t4"))

	got, err := tasks.Get("t4")
	require.NoError(t, err)
	require.Equal(t, types.TaskSuccess, got.Status)

	_, err = store.GetContainer("cid1")
	require.Error(t, err)

	members, err := mem.SMembers(context.Background(), "eru:app:demo:entrypoint:web:backends")
	require.NoError(t, err)
	require.Empty(t, members)
}

var errCreate = createError("create failed")

type createError string

func (e createError) Error() string { return string(e) }
