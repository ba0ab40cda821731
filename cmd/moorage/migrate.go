package main

import (
	"fmt"

	"github.com/cuemby/moorage/pkg/storage"
)

// migrateStore copies every record out of a bbolt dump and into dst via the
// Store interface's normal Create calls, in dependency order (apps before
// versions, hosts before cores/ports, and so on) so foreign-key-style
// lookups in dst succeed on first pass.
func migrateStore(src *storage.BoltStore, dst storage.Store) error {
	dump, err := src.DumpAll()
	if err != nil {
		return fmt.Errorf("dump source store: %w", err)
	}

	for _, a := range dump.Apps {
		a := a
		if err := dst.CreateApp(&a); err != nil {
			return fmt.Errorf("migrate app %s: %w", a.ID, err)
		}
	}
	for _, v := range dump.Versions {
		v := v
		if err := dst.CreateVersion(&v); err != nil {
			return fmt.Errorf("migrate version %s: %w", v.ID, err)
		}
	}
	for _, h := range dump.Hosts {
		h := h
		if err := dst.CreateHost(&h); err != nil {
			return fmt.Errorf("migrate host %s: %w", h.ID, err)
		}
	}
	if len(dump.Cores) > 0 {
		if err := dst.CreateCores(dump.Cores); err != nil {
			return fmt.Errorf("migrate cores: %w", err)
		}
	}
	if len(dump.Ports) > 0 {
		if err := dst.CreatePorts(dump.Ports); err != nil {
			return fmt.Errorf("migrate ports: %w", err)
		}
	}
	for _, n := range dump.Networks {
		n := n
		if err := dst.CreateNetwork(&n); err != nil {
			return fmt.Errorf("migrate network %s: %w", n.ID, err)
		}
	}
	if len(dump.IPs) > 0 {
		if err := dst.CreateIPs(dump.IPs); err != nil {
			return fmt.Errorf("migrate ips: %w", err)
		}
	}
	for _, img := range dump.Images {
		img := img
		if err := dst.CreateImage(&img); err != nil {
			return fmt.Errorf("migrate image %s: %w", img.ID, err)
		}
	}
	for _, c := range dump.Containers {
		c := c
		if err := dst.CreateContainer(&c); err != nil {
			return fmt.Errorf("migrate container %s: %w", c.ID, err)
		}
	}
	for _, t := range dump.Tasks {
		t := t
		if err := dst.CreateTask(&t); err != nil {
			return fmt.Errorf("migrate task %s: %w", t.ID, err)
		}
	}

	fmt.Printf("migrated %d apps, %d versions, %d hosts, %d cores, %d ports, %d networks, %d ips, %d images, %d containers, %d tasks\n",
		len(dump.Apps), len(dump.Versions), len(dump.Hosts), len(dump.Cores), len(dump.Ports),
		len(dump.Networks), len(dump.IPs), len(dump.Images), len(dump.Containers), len(dump.Tasks))
	return nil
}
