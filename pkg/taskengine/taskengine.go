// Package taskengine implements the Task Engine: the three long-running
// operations a worker runs after dequeuing a Task — build an image, create
// containers with MACVLAN attachment, and remove containers. Each operation
// is grounded in the same shape: resolve the task's entities, do the work,
// and finish the task exactly once, notifying the broker-side Notifier.
// When the task record cannot be loaded, or when the create or remove
// task cannot load its host, version or app, the operation logs the error
// and returns without finishing the task or publishing a result.
package taskengine

import (
	"context"
	"io"
	"strings"

	"github.com/cuemby/moorage/pkg/agentbridge"
	"github.com/cuemby/moorage/pkg/broker"
	"github.com/cuemby/moorage/pkg/discovery"
	"github.com/cuemby/moorage/pkg/dockerdriver"
	"github.com/cuemby/moorage/pkg/health"
	"github.com/cuemby/moorage/pkg/ippool"
	"github.com/cuemby/moorage/pkg/ledger"
	"github.com/cuemby/moorage/pkg/monitoring"
	"github.com/cuemby/moorage/pkg/notifier"
	"github.com/cuemby/moorage/pkg/storage"
	"github.com/cuemby/moorage/pkg/taskstore"
	"github.com/cuemby/moorage/pkg/types"
)

// dockerDriver is the subset of *dockerdriver.Driver the engine calls,
// narrowed to an interface so tests can substitute a fake.
type dockerDriver interface {
	PullImage(ctx context.Context, host types.Host, repo, tag string) (<-chan string, error)
	BuildImage(ctx context.Context, host types.Host, buildCtx io.Reader, dockerfile, tag string) (<-chan string, error)
	PushImage(ctx context.Context, host types.Host, tag, registryAuth string) (<-chan string, error)
	RemoveImage(ctx context.Context, host types.Host, imageURL string) error
	CreateOneContainer(ctx context.Context, host types.Host, p dockerdriver.CreateParams) (containerID, containerName string, err error)
	RemoveHostContainers(ctx context.Context, host types.Host, containers []types.Container) error
	RemoveContainerByCID(ctx context.Context, host types.Host, cids []string) error
}

// SourceFetcher retrieves the build context for an App's Version checkout
// (e.g. a shallow git clone packed as a tar stream) plus the Dockerfile path
// within it. The task engine has no opinion on how source is fetched; it
// only needs a reader Docker's build API can consume.
type SourceFetcher interface {
	Fetch(ctx context.Context, app types.App, version types.Version) (buildCtx io.Reader, dockerfile string, err error)
}

// Engine runs the three task operations against the wired backends.
type Engine struct {
	store      storage.Store
	tasks      *taskstore.Store
	ledger     *ledger.Ledger
	ippool     *ippool.Pool
	docker     dockerDriver
	bridge     agentbridge.Bridge
	discovery  *discovery.Publisher
	monitoring monitoring.Registrar
	broker     broker.Broker
	source     SourceFetcher
	registry   string
	newChecker func(url string) health.Checker
}

// Config collects Engine's dependencies.
type Config struct {
	Store      storage.Store
	Tasks      *taskstore.Store
	Ledger     *ledger.Ledger
	IPPool     *ippool.Pool
	Docker     *dockerdriver.Driver
	Bridge     agentbridge.Bridge
	Discovery  *discovery.Publisher
	Monitoring monitoring.Registrar
	Broker     broker.Broker
	Source     SourceFetcher
	Registry   string // e.g. "registry.example.com", prefixed onto every pushed image tag
}

// New returns an Engine wired per cfg.
func New(cfg Config) *Engine {
	return &Engine{
		store:      cfg.Store,
		tasks:      cfg.Tasks,
		ledger:     cfg.Ledger,
		ippool:     cfg.IPPool,
		docker:     cfg.Docker,
		bridge:     cfg.Bridge,
		discovery:  cfg.Discovery,
		monitoring: cfg.Monitoring,
		broker:     cfg.Broker,
		source:     cfg.Source,
		registry:   cfg.Registry,
		newChecker: func(url string) health.Checker { return health.NewHTTPChecker(url) },
	}
}

// newForTest builds an Engine directly from interfaces, bypassing Config's
// concrete *dockerdriver.Driver field so tests can inject fakes.
func newForTest(store storage.Store, tasks *taskstore.Store, l *ledger.Ledger, pool *ippool.Pool,
	docker dockerDriver, bridge agentbridge.Bridge, disc *discovery.Publisher, mon monitoring.Registrar,
	b broker.Broker, source SourceFetcher, registry string, checker func(url string) health.Checker) *Engine {
	return &Engine{
		store: store, tasks: tasks, ledger: l, ippool: pool, docker: docker, bridge: bridge,
		discovery: disc, monitoring: mon, broker: b, source: source, registry: registry, newChecker: checker,
	}
}

// splitBase splits a "repo:tag" base image reference. A base with no colon
// is treated as an untagged repo ("latest" is Docker's own default, the
// engine doesn't need to supply it explicitly).
func splitBase(base string) (repo, tag string) {
	if i := strings.LastIndex(base, ":"); i >= 0 {
		return base[:i], base[i+1:]
	}
	return base, ""
}

// containerMeta is the agent-facing JSON blob stored per container in the
// host's containers-meta hash, matching the wire shape the original agent
// integration reads.
type containerMeta struct {
	ContainerID string `json:"container_id"`
	Name        string `json:"name"`
	Entrypoint  string `json:"entrypoint"`
	AppID       string `json:"app_id"`
	VersionID   string `json:"version_id"`
}
