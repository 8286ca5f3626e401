package tinyportal

/*
TinyPortal is a portal network service: named teleportation endpoints grouped into networks, persisted in a SQL
database and optionally shared with sibling servers through a message relay.

Building TinyPortal produces two executables: portal-server and portalctl. The first owns the in-memory registry,
writes through to storage and serves a small HTTP status API. The second inspects and maintains the storage tables
directly and offers an interactive shell.

The `tinyportal` module is organized into the following packages:

* `portal`: portal and flag model, name rules, gate footprints and the error codes shared by every layer.
* `registry`: networks, the spatial index and the uniqueness rules that keep them consistent.
* `storage`: dialect specific SQL, schema upgrades and the persistence engine for SQLite, MySQL, MariaDB and PostgreSQL.
* `replication`: the versioned wire format, in-memory and Redis relays and the channel that replicates cross-server
  portals as virtual portals.
* `server`: configuration, the owner and storage workers, the request API and the status service.
*/
