// Package types defines the entities placed, reserved and tracked by the
// deployment task engine.
package types

import "time"

// App is a deployable application. Name is globally unique.
type App struct {
	ID        string
	Name      string
	Repo      string // source-repo URL
	OwnerID   string
	CreatedAt time.Time
}

// Version is a specific build of an App, identified by a 40-char content
// hash. (AppID, SHA) is unique.
type Version struct {
	ID        string
	AppID     string
	SHA       string // 40 chars
	CreatedAt time.Time
}

// ShortSHA is the 7-char prefix used in user-visible names and image URLs.
func (v Version) ShortSHA() string {
	if len(v.SHA) < 7 {
		return v.SHA
	}
	return v.SHA[:7]
}

// Image is a published build of a Version. At most one per Version.
type Image struct {
	ID        string
	VersionID string
	AppID     string
	URL       string // <registry>/<app>:<short_sha>
	CreatedAt time.Time
}

// Host is a Docker-enabled machine containers are placed on.
type Host struct {
	ID        string
	Addr      string // host:port
	Name      string
	UID       string
	CoreCount int
	MemBytes  int64
	Pod       string // named core_share accounting group
	Count     int    // live container count, engine-maintained
}

// Core is one CPU core slot on a Host, either reserved whole (full) or
// shared fractionally (part) by the owning container.
type Core struct {
	ID          string
	HostID      string
	Label       string // "0".."N-1"
	Used        bool
	ContainerID string // owning container, empty when free
}

// Port is one reservable port number on a Host.
type Port struct {
	ID          string
	HostID      string
	Number      int
	Used        bool
	ContainerID string
}

// Network is a MACVLAN-capable network IPs are drawn from.
type Network struct {
	ID        string
	CIDR      string
	VLANSeqID int
}

// IP is one address on a Network. Vethname is set only after the
// out-of-band agent confirms attachment.
type IP struct {
	ID          string
	NetworkID   string
	Address     string
	VLANSeqID   int
	ContainerID string // assigned container, empty when free
	Vethname    string
}

// Container is a running placement of a Version's entrypoint on a Host.
type Container struct {
	ID         string // Docker container id, 64 chars
	HostID     string
	VersionID  string
	AppID      string
	Name       string
	Entrypoint string
	CreatedAt  time.Time
	IsAlive    bool

	// Backends are the "host:port" endpoints this container publishes,
	// computed at creation time and persisted so the remove task can
	// deregister them without re-deriving port bindings.
	Backends []string
}

// AppName is the Container's name split at the first underscore, matching
// the original model's appname derivation.
func (c Container) AppName() string {
	for i := 0; i < len(c.Name); i++ {
		if c.Name[i] == '_' {
			return c.Name[:i]
		}
	}
	return c.Name
}

// TaskStatus is the terminal state of a Task. Once non-Pending it never
// changes.
type TaskStatus string

const (
	TaskPending TaskStatus = "PENDING"
	TaskSuccess TaskStatus = "SUCCESS"
	TaskFailed  TaskStatus = "FAILED"
)

// TaskProps carries the per-task parameters the engine reads out of a
// Task's props blob: entrypoint, env, ports, args, route, image, callback
// URL and the cpu_shares scaling factor.
type TaskProps struct {
	Entrypoint    string
	Env           []string
	Ports         []PortSpec
	Args          []string
	Route         string
	Image         string
	CallbackURL   string
	CoreShare     float64 // pod.core_share
	HealthCheck   string  // path, empty if none
	NetworkIDs    []string
	SpecIPs       []string // same arity as NetworkIDs, optional
	NContainer    int
	NShare        int
	RMI           bool // remove-task: also delete the image

	// CoresFull and CoresPart are already reserved against the Ledger by the
	// caller before the task was enqueued; the create task only partitions
	// and assigns them per container.
	CoresFull []Core
	CoresPart []Core

	// Cids and BaseImage carry the remove/build task's extra inputs: the
	// container ids to remove, and the "repo:tag" base image to pull before
	// building.
	Cids      []string
	BaseImage string
}

// PortSpec is one container port to publish.
type PortSpec struct {
	ContainerPort int
	HostPort      int
	Protocol      string // "tcp" or "udp"
}

// TaskKind names which of the three task engine operations a Task runs.
type TaskKind string

const (
	TaskBuildImage      TaskKind = "build_image"
	TaskCreateContainer TaskKind = "create_container"
	TaskRemoveContainer TaskKind = "remove_container"
)

// Task is a unit of orchestration work: build an image, create containers,
// or remove containers.
type Task struct {
	ID           string
	Kind         TaskKind
	HostID       string
	VersionID    string
	AppID        string
	Props        TaskProps
	Status       TaskStatus
	Reason       string
	ContainerIDs []string
	CreatedAt    time.Time
}

// CoreReservation is the placement plan handed to a create task: already
// reserved full and part cores.
type CoreReservation struct {
	Full []Core
	Part []Core
}
