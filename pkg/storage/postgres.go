package storage

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/cuemby/moorage/pkg/types"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// PostgresStore implements Store on Postgres via gorm. Unlike BoltStore,
// this is the backend that can actually express the data model's relational
// invariants: unique (app_id, sha) on versions, unique name on apps, and
// row-level locking on the reservation tables so two workers racing on the
// same host can't double-assign a core, port, or IP.
type PostgresStore struct {
	db *gorm.DB
}

// gormApp etc. mirror pkg/types but carry gorm tags; conversion happens at
// the Store boundary so the rest of the engine only ever sees pkg/types.
type gormApp struct {
	ID        string `gorm:"primaryKey"`
	Name      string `gorm:"uniqueIndex"`
	Repo      string
	OwnerID   string
	CreatedAt time.Time
}

type gormVersion struct {
	ID        string `gorm:"primaryKey"`
	AppID     string `gorm:"index:idx_app_sha,unique"`
	SHA       string `gorm:"index:idx_app_sha,unique"`
	CreatedAt time.Time
}

type gormImage struct {
	ID        string `gorm:"primaryKey"`
	VersionID string `gorm:"uniqueIndex"`
	AppID     string
	URL       string
	CreatedAt time.Time
}

type gormHost struct {
	ID        string `gorm:"primaryKey"`
	Addr      string
	Name      string
	UID       string
	CoreCount int
	MemBytes  int64
	Pod       string
	Count     int
}

type gormCore struct {
	ID          string `gorm:"primaryKey"`
	HostID      string `gorm:"index"`
	Label       string
	Used        bool
	ContainerID string
}

type gormPort struct {
	ID          string `gorm:"primaryKey"`
	HostID      string `gorm:"index"`
	Number      int
	Used        bool
	ContainerID string
}

type gormNetwork struct {
	ID        string `gorm:"primaryKey"`
	CIDR      string
	VLANSeqID int
}

type gormIP struct {
	ID          string `gorm:"primaryKey"`
	NetworkID   string `gorm:"index:idx_network_addr,unique"`
	Address     string `gorm:"index:idx_network_addr,unique"`
	VLANSeqID   int
	ContainerID string
	Vethname    string
}

type gormContainer struct {
	ID         string `gorm:"primaryKey"`
	HostID     string `gorm:"index"`
	VersionID  string `gorm:"index"`
	AppID      string
	Name       string
	Entrypoint string
	CreatedAt  time.Time
	IsAlive    bool
	Backends   string // comma-joined "host:port" endpoints
}

type gormTask struct {
	ID           string `gorm:"primaryKey"`
	Kind         string
	HostID       string
	VersionID    string
	AppID        string
	PropsJSON    string
	Status       string
	Reason       string
	ContainerIDs string // comma-joined; tasks don't need a join table for this
	CreatedAt    time.Time
}

// NewPostgresStore opens a Postgres connection and migrates the schema.
func NewPostgresStore(dsn string) (*PostgresStore, error) {
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to postgres: %w", err)
	}

	if err := db.AutoMigrate(
		&gormApp{}, &gormVersion{}, &gormImage{}, &gormHost{},
		&gormCore{}, &gormPort{}, &gormNetwork{}, &gormIP{},
		&gormContainer{}, &gormTask{},
	); err != nil {
		return nil, fmt.Errorf("failed to migrate schema: %w", err)
	}

	sqlDB, err := db.DB()
	if err == nil {
		sqlDB.SetMaxOpenConns(50)
		sqlDB.SetMaxIdleConns(10)
		sqlDB.SetConnMaxLifetime(time.Hour)
	}

	return &PostgresStore{db: db}, nil
}

func (s *PostgresStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func notFound(err error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return fmt.Errorf("not found")
	}
	return err
}

// App

func (s *PostgresStore) CreateApp(a *types.App) error {
	return s.db.Create(&gormApp{ID: a.ID, Name: a.Name, Repo: a.Repo, OwnerID: a.OwnerID, CreatedAt: a.CreatedAt}).Error
}

func (s *PostgresStore) GetApp(id string) (*types.App, error) {
	var g gormApp
	if err := s.db.First(&g, "id = ?", id).Error; err != nil {
		return nil, notFound(err)
	}
	return &types.App{ID: g.ID, Name: g.Name, Repo: g.Repo, OwnerID: g.OwnerID, CreatedAt: g.CreatedAt}, nil
}

func (s *PostgresStore) GetAppByName(name string) (*types.App, error) {
	var g gormApp
	if err := s.db.First(&g, "name = ?", name).Error; err != nil {
		return nil, notFound(err)
	}
	return &types.App{ID: g.ID, Name: g.Name, Repo: g.Repo, OwnerID: g.OwnerID, CreatedAt: g.CreatedAt}, nil
}

// Version

func (s *PostgresStore) CreateVersion(v *types.Version) error {
	return s.db.Create(&gormVersion{ID: v.ID, AppID: v.AppID, SHA: v.SHA, CreatedAt: v.CreatedAt}).Error
}

func (s *PostgresStore) GetVersion(id string) (*types.Version, error) {
	var g gormVersion
	if err := s.db.First(&g, "id = ?", id).Error; err != nil {
		return nil, notFound(err)
	}
	return &types.Version{ID: g.ID, AppID: g.AppID, SHA: g.SHA, CreatedAt: g.CreatedAt}, nil
}

func (s *PostgresStore) GetVersionByAppSHA(appID, sha string) (*types.Version, error) {
	var g gormVersion
	if err := s.db.First(&g, "app_id = ? AND sha = ?", appID, sha).Error; err != nil {
		return nil, notFound(err)
	}
	return &types.Version{ID: g.ID, AppID: g.AppID, SHA: g.SHA, CreatedAt: g.CreatedAt}, nil
}

func (s *PostgresStore) CountContainersByVersion(versionID string) (int, error) {
	var count int64
	err := s.db.Model(&gormContainer{}).Where("version_id = ?", versionID).Count(&count).Error
	return int(count), err
}

// Image

func (s *PostgresStore) CreateImage(img *types.Image) error {
	return s.db.Create(&gormImage{ID: img.ID, VersionID: img.VersionID, AppID: img.AppID, URL: img.URL, CreatedAt: img.CreatedAt}).Error
}

func (s *PostgresStore) GetImageByVersion(versionID string) (*types.Image, error) {
	var g gormImage
	if err := s.db.First(&g, "version_id = ?", versionID).Error; err != nil {
		return nil, notFound(err)
	}
	return &types.Image{ID: g.ID, VersionID: g.VersionID, AppID: g.AppID, URL: g.URL, CreatedAt: g.CreatedAt}, nil
}

// Host

func (s *PostgresStore) CreateHost(h *types.Host) error {
	return s.db.Create(&gormHost{
		ID: h.ID, Addr: h.Addr, Name: h.Name, UID: h.UID,
		CoreCount: h.CoreCount, MemBytes: h.MemBytes, Pod: h.Pod, Count: h.Count,
	}).Error
}

func (s *PostgresStore) GetHost(id string) (*types.Host, error) {
	var g gormHost
	if err := s.db.First(&g, "id = ?", id).Error; err != nil {
		return nil, notFound(err)
	}
	return &types.Host{
		ID: g.ID, Addr: g.Addr, Name: g.Name, UID: g.UID,
		CoreCount: g.CoreCount, MemBytes: g.MemBytes, Pod: g.Pod, Count: g.Count,
	}, nil
}

func (s *PostgresStore) UpdateHost(h *types.Host) error {
	return s.db.Save(&gormHost{
		ID: h.ID, Addr: h.Addr, Name: h.Name, UID: h.UID,
		CoreCount: h.CoreCount, MemBytes: h.MemBytes, Pod: h.Pod, Count: h.Count,
	}).Error
}

func (s *PostgresStore) IncrementHostCount(hostID string, delta int) error {
	return s.db.Transaction(func(tx *gorm.DB) error {
		return tx.Model(&gormHost{}).Where("id = ?", hostID).
			Update("count", gorm.Expr("count + ?", delta)).Error
	})
}

// Core

func (s *PostgresStore) CreateCores(cores []types.Core) error {
	rows := make([]gormCore, len(cores))
	for i, c := range cores {
		rows[i] = gormCore{ID: c.ID, HostID: c.HostID, Label: c.Label, Used: c.Used, ContainerID: c.ContainerID}
	}
	return s.db.Create(&rows).Error
}

func (s *PostgresStore) GetCore(id string) (*types.Core, error) {
	var g gormCore
	if err := s.db.First(&g, "id = ?", id).Error; err != nil {
		return nil, notFound(err)
	}
	return &types.Core{ID: g.ID, HostID: g.HostID, Label: g.Label, Used: g.Used, ContainerID: g.ContainerID}, nil
}

func (s *PostgresStore) ListFreeCores(hostID string) ([]types.Core, error) {
	var rows []gormCore
	if err := s.db.Where("host_id = ? AND used = ?", hostID, false).Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]types.Core, len(rows))
	for i, g := range rows {
		out[i] = types.Core{ID: g.ID, HostID: g.HostID, Label: g.Label, Used: g.Used, ContainerID: g.ContainerID}
	}
	return out, nil
}

// OccupyCores locks each row (SELECT ... FOR UPDATE) before flipping it, so
// two workers racing on the same host's free-core list can't both win the
// same core.
func (s *PostgresStore) OccupyCores(ids []string, containerID string) error {
	return s.db.Transaction(func(tx *gorm.DB) error {
		for _, id := range ids {
			var g gormCore
			if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).First(&g, "id = ?", id).Error; err != nil {
				return err
			}
			g.Used = true
			g.ContainerID = containerID
			if err := tx.Save(&g).Error; err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *PostgresStore) ReleaseCores(ids []string) error {
	return s.db.Transaction(func(tx *gorm.DB) error {
		for _, id := range ids {
			res := tx.Model(&gormCore{}).Where("id = ? AND used = ?", id, true).
				Updates(map[string]interface{}{"used": false, "container_id": ""})
			if res.Error != nil {
				return res.Error
			}
			// res.RowsAffected == 0 means already free or gone: idempotent no-op.
		}
		return nil
	})
}

// Port

func (s *PostgresStore) CreatePorts(ports []types.Port) error {
	rows := make([]gormPort, len(ports))
	for i, p := range ports {
		rows[i] = gormPort{ID: p.ID, HostID: p.HostID, Number: p.Number, Used: p.Used, ContainerID: p.ContainerID}
	}
	return s.db.Create(&rows).Error
}

func (s *PostgresStore) ListFreePorts(hostID string, limit int) ([]types.Port, error) {
	q := s.db.Where("host_id = ? AND used = ?", hostID, false)
	if limit > 0 {
		q = q.Limit(limit)
	}
	var rows []gormPort
	if err := q.Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]types.Port, len(rows))
	for i, g := range rows {
		out[i] = types.Port{ID: g.ID, HostID: g.HostID, Number: g.Number, Used: g.Used, ContainerID: g.ContainerID}
	}
	return out, nil
}

func (s *PostgresStore) OccupyPorts(ids []string, containerID string) error {
	return s.db.Transaction(func(tx *gorm.DB) error {
		for _, id := range ids {
			var g gormPort
			if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).First(&g, "id = ?", id).Error; err != nil {
				return err
			}
			g.Used = true
			g.ContainerID = containerID
			if err := tx.Save(&g).Error; err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *PostgresStore) ReleasePorts(ids []string) error {
	return s.db.Transaction(func(tx *gorm.DB) error {
		for _, id := range ids {
			if err := tx.Model(&gormPort{}).Where("id = ? AND used = ?", id, true).
				Updates(map[string]interface{}{"used": false, "container_id": ""}).Error; err != nil {
				return err
			}
		}
		return nil
	})
}

// Network

func (s *PostgresStore) CreateNetwork(n *types.Network) error {
	return s.db.Create(&gormNetwork{ID: n.ID, CIDR: n.CIDR, VLANSeqID: n.VLANSeqID}).Error
}

func (s *PostgresStore) GetNetwork(id string) (*types.Network, error) {
	var g gormNetwork
	if err := s.db.First(&g, "id = ?", id).Error; err != nil {
		return nil, notFound(err)
	}
	return &types.Network{ID: g.ID, CIDR: g.CIDR, VLANSeqID: g.VLANSeqID}, nil
}

// IP

func (s *PostgresStore) CreateIPs(ips []types.IP) error {
	rows := make([]gormIP, len(ips))
	for i, ip := range ips {
		rows[i] = gormIP{
			ID: ip.ID, NetworkID: ip.NetworkID, Address: ip.Address,
			VLANSeqID: ip.VLANSeqID, ContainerID: ip.ContainerID, Vethname: ip.Vethname,
		}
	}
	return s.db.Create(&rows).Error
}

func (s *PostgresStore) GetIP(id string) (*types.IP, error) {
	var g gormIP
	if err := s.db.First(&g, "id = ?", id).Error; err != nil {
		return nil, notFound(err)
	}
	return toTypesIP(g), nil
}

func (s *PostgresStore) GetIPByAddress(networkID, address string) (*types.IP, error) {
	var g gormIP
	if err := s.db.First(&g, "network_id = ? AND address = ?", networkID, address).Error; err != nil {
		return nil, notFound(err)
	}
	return toTypesIP(g), nil
}

func (s *PostgresStore) ListFreeIPs(networkID string) ([]types.IP, error) {
	var rows []gormIP
	if err := s.db.Where("network_id = ? AND container_id = ?", networkID, "").Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]types.IP, len(rows))
	for i, g := range rows {
		out[i] = *toTypesIP(g)
	}
	return out, nil
}

// AcquireIP locks the row before assigning, preventing the two-parallel-
// tasks collision scenario from assigning the same address twice.
func (s *PostgresStore) AcquireIP(id, containerID string) (bool, error) {
	ok := false
	err := s.db.Transaction(func(tx *gorm.DB) error {
		var g gormIP
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).First(&g, "id = ?", id).Error; err != nil {
			return err
		}
		if g.ContainerID != "" {
			return nil
		}
		g.ContainerID = containerID
		ok = true
		return tx.Save(&g).Error
	})
	return ok, err
}

func (s *PostgresStore) AcquireSpecificIP(networkID, address, containerID string) (*types.IP, bool, error) {
	var result *types.IP
	ok := false
	err := s.db.Transaction(func(tx *gorm.DB) error {
		var g gormIP
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			First(&g, "network_id = ? AND address = ?", networkID, address).Error; err != nil {
			return err
		}
		if g.ContainerID != "" {
			return nil
		}
		g.ContainerID = containerID
		if err := tx.Save(&g).Error; err != nil {
			return err
		}
		result = toTypesIP(g)
		ok = true
		return nil
	})
	return result, ok, err
}

func (s *PostgresStore) ReleaseIP(id string) error {
	return s.db.Model(&gormIP{}).Where("id = ?", id).
		Updates(map[string]interface{}{"container_id": "", "vethname": ""}).Error
}

func (s *PostgresStore) SetIPVeth(id, vethname string) error {
	return s.db.Model(&gormIP{}).Where("id = ?", id).Update("vethname", vethname).Error
}

func toTypesIP(g gormIP) *types.IP {
	return &types.IP{
		ID: g.ID, NetworkID: g.NetworkID, Address: g.Address,
		VLANSeqID: g.VLANSeqID, ContainerID: g.ContainerID, Vethname: g.Vethname,
	}
}

// Container

func (s *PostgresStore) CreateContainer(c *types.Container) error {
	return s.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&gormContainer{
			ID: c.ID, HostID: c.HostID, VersionID: c.VersionID, AppID: c.AppID,
			Name: c.Name, Entrypoint: c.Entrypoint, CreatedAt: c.CreatedAt, IsAlive: c.IsAlive,
			Backends: strings.Join(c.Backends, ","),
		}).Error; err != nil {
			return err
		}
		return tx.Model(&gormHost{}).Where("id = ?", c.HostID).
			Update("count", gorm.Expr("count + 1")).Error
	})
}

func (s *PostgresStore) GetContainer(id string) (*types.Container, error) {
	var g gormContainer
	if err := s.db.First(&g, "id = ?", id).Error; err != nil {
		return nil, notFound(err)
	}
	return gormToContainer(g), nil
}

func (s *PostgresStore) DeleteContainer(id string) error {
	return s.db.Transaction(func(tx *gorm.DB) error {
		var g gormContainer
		if err := tx.First(&g, "id = ?", id).Error; err != nil {
			return notFound(err)
		}
		if err := tx.Delete(&gormContainer{}, "id = ?", id).Error; err != nil {
			return err
		}
		return tx.Model(&gormHost{}).Where("id = ?", g.HostID).
			Update("count", gorm.Expr("count - 1")).Error
	})
}

func (s *PostgresStore) ListContainersByHost(hostID string) ([]types.Container, error) {
	var rows []gormContainer
	if err := s.db.Where("host_id = ?", hostID).Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]types.Container, len(rows))
	for i, g := range rows {
		out[i] = *gormToContainer(g)
	}
	return out, nil
}

func gormToContainer(g gormContainer) *types.Container {
	var backends []string
	if g.Backends != "" {
		backends = strings.Split(g.Backends, ",")
	}
	return &types.Container{
		ID: g.ID, HostID: g.HostID, VersionID: g.VersionID, AppID: g.AppID,
		Name: g.Name, Entrypoint: g.Entrypoint, CreatedAt: g.CreatedAt, IsAlive: g.IsAlive,
		Backends: backends,
	}
}

func (s *PostgresStore) CountContainersByHost(hostID string) (int, error) {
	var count int64
	err := s.db.Model(&gormContainer{}).Where("host_id = ?", hostID).Count(&count).Error
	return int(count), err
}

// Task

func (s *PostgresStore) CreateTask(t *types.Task) error {
	return s.db.Create(taskToGorm(t)).Error
}

func (s *PostgresStore) GetTask(id string) (*types.Task, error) {
	var g gormTask
	if err := s.db.First(&g, "id = ?", id).Error; err != nil {
		return nil, notFound(err)
	}
	return gormToTask(g), nil
}

func (s *PostgresStore) UpdateTask(t *types.Task) error {
	return s.db.Save(taskToGorm(t)).Error
}

func taskToGorm(t *types.Task) *gormTask {
	propsJSON, _ := json.Marshal(t.Props)
	return &gormTask{
		ID:           t.ID,
		Kind:         string(t.Kind),
		HostID:       t.HostID,
		VersionID:    t.VersionID,
		AppID:        t.AppID,
		PropsJSON:    string(propsJSON),
		Status:       string(t.Status),
		Reason:       t.Reason,
		ContainerIDs: strings.Join(t.ContainerIDs, ","),
		CreatedAt:    t.CreatedAt,
	}
}

func gormToTask(g gormTask) *types.Task {
	var props types.TaskProps
	_ = json.Unmarshal([]byte(g.PropsJSON), &props)
	var cids []string
	if g.ContainerIDs != "" {
		cids = strings.Split(g.ContainerIDs, ",")
	}
	return &types.Task{
		ID:           g.ID,
		Kind:         types.TaskKind(g.Kind),
		HostID:       g.HostID,
		VersionID:    g.VersionID,
		AppID:        g.AppID,
		Props:        props,
		Status:       types.TaskStatus(g.Status),
		Reason:       g.Reason,
		ContainerIDs: cids,
		CreatedAt:    g.CreatedAt,
	}
}
