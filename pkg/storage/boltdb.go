package storage

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"sync"

	"github.com/cuemby/moorage/pkg/types"
	bolt "go.etcd.io/bbolt"
)

var (
	bucketApps       = []byte("apps")
	bucketVersions   = []byte("versions")
	bucketImages     = []byte("images")
	bucketHosts      = []byte("hosts")
	bucketCores      = []byte("cores")
	bucketPorts      = []byte("ports")
	bucketNetworks   = []byte("networks")
	bucketIPs        = []byte("ips")
	bucketContainers = []byte("containers")
	bucketTasks      = []byte("tasks")
)

// BoltStore implements Store on top of bbolt. It is the dev/single-node
// backend: no separate database process, one file on disk. bbolt's single
// writer already serializes the reservation methods below, so no extra
// row-lock machinery is needed here (see postgres.go for the multi-process
// equivalent).
type BoltStore struct {
	db *bolt.DB
	mu sync.Mutex // serializes the read-modify-write reservation methods
}

// NewBoltStore creates a new bbolt-backed store.
func NewBoltStore(dataDir string) (*BoltStore, error) {
	dbPath := filepath.Join(dataDir, "moorage.db")

	db, err := bolt.Open(dbPath, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		buckets := [][]byte{
			bucketApps, bucketVersions, bucketImages, bucketHosts,
			bucketCores, bucketPorts, bucketNetworks, bucketIPs,
			bucketContainers, bucketTasks,
		}
		for _, b := range buckets {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", b, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &BoltStore{db: db}, nil
}

func (s *BoltStore) Close() error { return s.db.Close() }

func put(tx *bolt.Tx, bucket []byte, key string, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return tx.Bucket(bucket).Put([]byte(key), data)
}

func get(tx *bolt.Tx, bucket []byte, key string, v interface{}) error {
	data := tx.Bucket(bucket).Get([]byte(key))
	if data == nil {
		return fmt.Errorf("not found: %s", key)
	}
	return json.Unmarshal(data, v)
}

// App

func (s *BoltStore) CreateApp(a *types.App) error {
	return s.db.Update(func(tx *bolt.Tx) error { return put(tx, bucketApps, a.ID, a) })
}

func (s *BoltStore) GetApp(id string) (*types.App, error) {
	var a types.App
	err := s.db.View(func(tx *bolt.Tx) error { return get(tx, bucketApps, id, &a) })
	if err != nil {
		return nil, err
	}
	return &a, nil
}

func (s *BoltStore) GetAppByName(name string) (*types.App, error) {
	var found *types.App
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketApps).ForEach(func(k, v []byte) error {
			var a types.App
			if err := json.Unmarshal(v, &a); err != nil {
				return err
			}
			if a.Name == name {
				found = &a
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	if found == nil {
		return nil, fmt.Errorf("app not found: %s", name)
	}
	return found, nil
}

// Version

func (s *BoltStore) CreateVersion(v *types.Version) error {
	return s.db.Update(func(tx *bolt.Tx) error { return put(tx, bucketVersions, v.ID, v) })
}

func (s *BoltStore) GetVersion(id string) (*types.Version, error) {
	var v types.Version
	err := s.db.View(func(tx *bolt.Tx) error { return get(tx, bucketVersions, id, &v) })
	if err != nil {
		return nil, err
	}
	return &v, nil
}

func (s *BoltStore) GetVersionByAppSHA(appID, sha string) (*types.Version, error) {
	var found *types.Version
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketVersions).ForEach(func(k, val []byte) error {
			var v types.Version
			if err := json.Unmarshal(val, &v); err != nil {
				return err
			}
			if v.AppID == appID && v.SHA == sha {
				found = &v
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	if found == nil {
		return nil, fmt.Errorf("version not found: %s/%s", appID, sha)
	}
	return found, nil
}

func (s *BoltStore) CountContainersByVersion(versionID string) (int, error) {
	count := 0
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketContainers).ForEach(func(k, v []byte) error {
			var c types.Container
			if err := json.Unmarshal(v, &c); err != nil {
				return err
			}
			if c.VersionID == versionID {
				count++
			}
			return nil
		})
	})
	return count, err
}

// Image

func (s *BoltStore) CreateImage(img *types.Image) error {
	return s.db.Update(func(tx *bolt.Tx) error { return put(tx, bucketImages, img.ID, img) })
}

func (s *BoltStore) GetImageByVersion(versionID string) (*types.Image, error) {
	var found *types.Image
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketImages).ForEach(func(k, v []byte) error {
			var img types.Image
			if err := json.Unmarshal(v, &img); err != nil {
				return err
			}
			if img.VersionID == versionID {
				found = &img
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	if found == nil {
		return nil, fmt.Errorf("image not found for version: %s", versionID)
	}
	return found, nil
}

// Host

func (s *BoltStore) CreateHost(h *types.Host) error {
	return s.db.Update(func(tx *bolt.Tx) error { return put(tx, bucketHosts, h.ID, h) })
}

func (s *BoltStore) GetHost(id string) (*types.Host, error) {
	var h types.Host
	err := s.db.View(func(tx *bolt.Tx) error { return get(tx, bucketHosts, id, &h) })
	if err != nil {
		return nil, err
	}
	return &h, nil
}

func (s *BoltStore) UpdateHost(h *types.Host) error {
	return s.db.Update(func(tx *bolt.Tx) error { return put(tx, bucketHosts, h.ID, h) })
}

func (s *BoltStore) IncrementHostCount(hostID string, delta int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.db.Update(func(tx *bolt.Tx) error { return incrementHostCountTx(tx, hostID, delta) })
}

// incrementHostCountTx adjusts a host's live container count within an
// already-open transaction, so CreateContainer/DeleteContainer can bump it
// atomically alongside the container row itself.
func incrementHostCountTx(tx *bolt.Tx, hostID string, delta int) error {
	var h types.Host
	if err := get(tx, bucketHosts, hostID, &h); err != nil {
		return err
	}
	h.Count += delta
	return put(tx, bucketHosts, hostID, &h)
}

// Core

func (s *BoltStore) CreateCores(cores []types.Core) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		for i := range cores {
			if err := put(tx, bucketCores, cores[i].ID, &cores[i]); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *BoltStore) GetCore(id string) (*types.Core, error) {
	var c types.Core
	err := s.db.View(func(tx *bolt.Tx) error { return get(tx, bucketCores, id, &c) })
	if err != nil {
		return nil, err
	}
	return &c, nil
}

func (s *BoltStore) ListFreeCores(hostID string) ([]types.Core, error) {
	var out []types.Core
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketCores).ForEach(func(k, v []byte) error {
			var c types.Core
			if err := json.Unmarshal(v, &c); err != nil {
				return err
			}
			if c.HostID == hostID && !c.Used {
				out = append(out, c)
			}
			return nil
		})
	})
	return out, err
}

func (s *BoltStore) OccupyCores(ids []string, containerID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.db.Update(func(tx *bolt.Tx) error {
		for _, id := range ids {
			var c types.Core
			if err := get(tx, bucketCores, id, &c); err != nil {
				return err
			}
			c.Used = true
			c.ContainerID = containerID
			if err := put(tx, bucketCores, id, &c); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *BoltStore) ReleaseCores(ids []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.db.Update(func(tx *bolt.Tx) error {
		for _, id := range ids {
			var c types.Core
			if err := get(tx, bucketCores, id, &c); err != nil {
				continue // already gone: release is idempotent
			}
			if !c.Used {
				continue // already free: release is idempotent
			}
			c.Used = false
			c.ContainerID = ""
			if err := put(tx, bucketCores, id, &c); err != nil {
				return err
			}
		}
		return nil
	})
}

// Port

func (s *BoltStore) CreatePorts(ports []types.Port) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		for i := range ports {
			if err := put(tx, bucketPorts, ports[i].ID, &ports[i]); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *BoltStore) ListFreePorts(hostID string, limit int) ([]types.Port, error) {
	var out []types.Port
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketPorts).ForEach(func(k, v []byte) error {
			if limit > 0 && len(out) >= limit {
				return nil
			}
			var p types.Port
			if err := json.Unmarshal(v, &p); err != nil {
				return err
			}
			if p.HostID == hostID && !p.Used {
				out = append(out, p)
			}
			return nil
		})
	})
	return out, err
}

func (s *BoltStore) OccupyPorts(ids []string, containerID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.db.Update(func(tx *bolt.Tx) error {
		for _, id := range ids {
			var p types.Port
			if err := get(tx, bucketPorts, id, &p); err != nil {
				return err
			}
			p.Used = true
			p.ContainerID = containerID
			if err := put(tx, bucketPorts, id, &p); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *BoltStore) ReleasePorts(ids []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.db.Update(func(tx *bolt.Tx) error {
		for _, id := range ids {
			var p types.Port
			if err := get(tx, bucketPorts, id, &p); err != nil {
				continue
			}
			if !p.Used {
				continue
			}
			p.Used = false
			p.ContainerID = ""
			if err := put(tx, bucketPorts, id, &p); err != nil {
				return err
			}
		}
		return nil
	})
}

// Network

func (s *BoltStore) CreateNetwork(n *types.Network) error {
	return s.db.Update(func(tx *bolt.Tx) error { return put(tx, bucketNetworks, n.ID, n) })
}

func (s *BoltStore) GetNetwork(id string) (*types.Network, error) {
	var n types.Network
	err := s.db.View(func(tx *bolt.Tx) error { return get(tx, bucketNetworks, id, &n) })
	if err != nil {
		return nil, err
	}
	return &n, nil
}

// IP

func (s *BoltStore) CreateIPs(ips []types.IP) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		for i := range ips {
			if err := put(tx, bucketIPs, ips[i].ID, &ips[i]); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *BoltStore) GetIP(id string) (*types.IP, error) {
	var ip types.IP
	err := s.db.View(func(tx *bolt.Tx) error { return get(tx, bucketIPs, id, &ip) })
	if err != nil {
		return nil, err
	}
	return &ip, nil
}

func (s *BoltStore) GetIPByAddress(networkID, address string) (*types.IP, error) {
	var found *types.IP
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketIPs).ForEach(func(k, v []byte) error {
			var ip types.IP
			if err := json.Unmarshal(v, &ip); err != nil {
				return err
			}
			if ip.NetworkID == networkID && ip.Address == address {
				found = &ip
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	if found == nil {
		return nil, fmt.Errorf("ip not found: %s/%s", networkID, address)
	}
	return found, nil
}

func (s *BoltStore) ListFreeIPs(networkID string) ([]types.IP, error) {
	var out []types.IP
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketIPs).ForEach(func(k, v []byte) error {
			var ip types.IP
			if err := json.Unmarshal(v, &ip); err != nil {
				return err
			}
			if ip.NetworkID == networkID && ip.ContainerID == "" {
				out = append(out, ip)
			}
			return nil
		})
	})
	return out, err
}

func (s *BoltStore) AcquireIP(id, containerID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ok := false
	err := s.db.Update(func(tx *bolt.Tx) error {
		var ip types.IP
		if err := get(tx, bucketIPs, id, &ip); err != nil {
			return err
		}
		if ip.ContainerID != "" {
			return nil // already taken, ok stays false
		}
		ip.ContainerID = containerID
		ok = true
		return put(tx, bucketIPs, id, &ip)
	})
	return ok, err
}

func (s *BoltStore) AcquireSpecificIP(networkID, address, containerID string) (*types.IP, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var result *types.IP
	ok := false
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketIPs)
		var target *types.IP
		var targetKey string
		cursorErr := b.ForEach(func(k, v []byte) error {
			var ip types.IP
			if err := json.Unmarshal(v, &ip); err != nil {
				return err
			}
			if ip.NetworkID == networkID && ip.Address == address {
				t := ip
				target = &t
				targetKey = string(k)
			}
			return nil
		})
		if cursorErr != nil {
			return cursorErr
		}
		if target == nil {
			return fmt.Errorf("ip not found: %s/%s", networkID, address)
		}
		if target.ContainerID != "" {
			return nil // taken, ok stays false
		}
		target.ContainerID = containerID
		if err := put(tx, bucketIPs, targetKey, target); err != nil {
			return err
		}
		result = target
		ok = true
		return nil
	})
	return result, ok, err
}

func (s *BoltStore) ReleaseIP(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.db.Update(func(tx *bolt.Tx) error {
		var ip types.IP
		if err := get(tx, bucketIPs, id, &ip); err != nil {
			return nil // already gone: idempotent
		}
		ip.ContainerID = ""
		ip.Vethname = ""
		return put(tx, bucketIPs, id, &ip)
	})
}

func (s *BoltStore) SetIPVeth(id, vethname string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.db.Update(func(tx *bolt.Tx) error {
		var ip types.IP
		if err := get(tx, bucketIPs, id, &ip); err != nil {
			return err
		}
		ip.Vethname = vethname
		return put(tx, bucketIPs, id, &ip)
	})
}

// Container

func (s *BoltStore) CreateContainer(c *types.Container) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.db.Update(func(tx *bolt.Tx) error {
		if err := put(tx, bucketContainers, c.ID, c); err != nil {
			return err
		}
		return incrementHostCountTx(tx, c.HostID, 1)
	})
}

func (s *BoltStore) GetContainer(id string) (*types.Container, error) {
	var c types.Container
	err := s.db.View(func(tx *bolt.Tx) error { return get(tx, bucketContainers, id, &c) })
	if err != nil {
		return nil, err
	}
	return &c, nil
}

func (s *BoltStore) DeleteContainer(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.db.Update(func(tx *bolt.Tx) error {
		var c types.Container
		if err := get(tx, bucketContainers, id, &c); err != nil {
			return err
		}
		if err := tx.Bucket(bucketContainers).Delete([]byte(id)); err != nil {
			return err
		}
		return incrementHostCountTx(tx, c.HostID, -1)
	})
}

func (s *BoltStore) ListContainersByHost(hostID string) ([]types.Container, error) {
	var out []types.Container
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketContainers).ForEach(func(k, v []byte) error {
			var c types.Container
			if err := json.Unmarshal(v, &c); err != nil {
				return err
			}
			if c.HostID == hostID {
				out = append(out, c)
			}
			return nil
		})
	})
	return out, err
}

func (s *BoltStore) CountContainersByHost(hostID string) (int, error) {
	containers, err := s.ListContainersByHost(hostID)
	return len(containers), err
}

// Task

func (s *BoltStore) CreateTask(t *types.Task) error {
	return s.db.Update(func(tx *bolt.Tx) error { return put(tx, bucketTasks, t.ID, t) })
}

func (s *BoltStore) GetTask(id string) (*types.Task, error) {
	var t types.Task
	err := s.db.View(func(tx *bolt.Tx) error { return get(tx, bucketTasks, id, &t) })
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func (s *BoltStore) UpdateTask(t *types.Task) error {
	return s.db.Update(func(tx *bolt.Tx) error { return put(tx, bucketTasks, t.ID, t) })
}

// Dump is every record in the store, grouped by entity. It exists for the
// bolt-to-postgres migration path only; the Store interface intentionally
// has no general list-all methods since nothing in normal operation needs
// to enumerate a whole bucket.
type Dump struct {
	Apps       []types.App
	Versions   []types.Version
	Images     []types.Image
	Hosts      []types.Host
	Cores      []types.Core
	Ports      []types.Port
	Networks   []types.Network
	IPs        []types.IP
	Containers []types.Container
	Tasks      []types.Task
}

func forEach[T any](tx *bolt.Tx, bucket []byte, out *[]T) error {
	return tx.Bucket(bucket).ForEach(func(_, v []byte) error {
		var item T
		if err := json.Unmarshal(v, &item); err != nil {
			return err
		}
		*out = append(*out, item)
		return nil
	})
}

// DumpAll reads every bucket into memory. Intended for one-shot migration
// of dev/single-node deployments, not for routine use on a live store.
func (s *BoltStore) DumpAll() (*Dump, error) {
	var d Dump
	err := s.db.View(func(tx *bolt.Tx) error {
		for _, step := range []func() error{
			func() error { return forEach(tx, bucketApps, &d.Apps) },
			func() error { return forEach(tx, bucketVersions, &d.Versions) },
			func() error { return forEach(tx, bucketImages, &d.Images) },
			func() error { return forEach(tx, bucketHosts, &d.Hosts) },
			func() error { return forEach(tx, bucketCores, &d.Cores) },
			func() error { return forEach(tx, bucketPorts, &d.Ports) },
			func() error { return forEach(tx, bucketNetworks, &d.Networks) },
			func() error { return forEach(tx, bucketIPs, &d.IPs) },
			func() error { return forEach(tx, bucketContainers, &d.Containers) },
			func() error { return forEach(tx, bucketTasks, &d.Tasks) },
		} {
			if err := step(); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &d, nil
}
