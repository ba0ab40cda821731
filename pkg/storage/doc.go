/*
Package storage implements the Store interface used by the Resource
Ledger, IP Pool Manager, and Task Record Store, with two interchangeable
backends: a bbolt-backed single-process store and a Postgres/gorm-backed
relational store.

# Entities

Apps, versions, and images describe what to run; hosts, cores, ports,
networks, and IPs describe where capacity lives; containers and tasks
record what's actually running and the work queued to change it. Every
method that reserves or releases a shared resource (cores, ports, IPs)
commits in its own transaction: bbolt serializes writers per process,
Postgres serializes per row with SELECT ... FOR UPDATE.

# BoltStore

NewBoltStore opens (creating if absent) a single bbolt database file and
provisions one bucket per entity kind -- apps, versions, images, hosts,
cores, ports, networks, ips, containers, tasks. Reads run in db.View,
writes in db.Update; bbolt gives each process a single writer, so calls
that occupy/release cores, ports, or IPs serialize automatically within
one BoltStore.

The Store interface intentionally has no list-all method per entity --
callers look things up by ID, by a narrower index (ListFreeCores,
ListFreeIPs, ListContainersByHost), or not at all. BoltStore.DumpAll is
the one exception: it walks every bucket via Bucket.ForEach and returns
a Dump of all ten entity slices, used only by the bbolt-to-Postgres
migration path in cmd/moorage -- it is not part of the Store interface
and nothing else should depend on it.

# PostgresStore

NewPostgresStore opens a gorm connection over the postgres driver and
auto-migrates the same ten entity types as GORM models. Reservation
methods (OccupyCores, AcquireIP, AcquireSpecificIP, ...) wrap their
read-then-write in a single gorm transaction with row locking so two
concurrent create-container tasks can't double-book the same core or
address.

# Usage

	store, err := storage.NewBoltStore("/var/lib/moorage")
	// or: store, err := storage.NewPostgresStore(dsn)
	if err != nil {
		log.Fatal(err.Error())
	}
	defer store.Close()

	host := &types.Host{ID: "host-1", Addr: "10.0.1.5"}
	if err := store.CreateHost(host); err != nil {
		log.Error(err.Error())
	}

	free, err := store.ListFreeCores(host.ID)

# Design Notes

Create/Update are separate methods, not an upsert, because several
entities (apps, versions, images) are immutable once written -- only
Host, Container state, and Task state change after creation. Deletes are
narrow (DeleteContainer only) since the task engine's own terminal
states, not a cleanup job, retire containers and tasks.
*/
package storage
