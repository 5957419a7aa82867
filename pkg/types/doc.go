/*
Package types provides the interfaces and wire structures shared by the
remotefs client, filesystem bridge and reference server.

# Architecture Overview

	┌─────────────────────────────────────────────┐
	│              FUSE Interface                 │
	│      (internal/fuse Bridge, MountManager)   │
	└─────────────────────────────────────────────┘
	          │                        │
	┌─────────┴──────────┐   ┌─────────┴──────────┐
	│   State Tracker    │   │     RemoteAPI      │
	│  (internal/state)  │   │ (internal/remote)  │
	└────────────────────┘   └────────────────────┘
	                                   │ HTTP
	                         ┌─────────┴──────────┐
	                         │  Reference server  │
	                         │ (internal/server)  │
	                         └────────────────────┘

RemoteAPI is what the bridge depends on; remote.Client implements it over
HTTP and tests may substitute their own implementation.

# Wire format

GET /list/<path> returns

	{"entries": [{"name": "a.txt", "is_dir": false, "size": 2,
	              "mtime": 1700000000.25, "ctime": 1700000000.25, "mode": 420}]}

POST /rename takes {"from": "/a", "to": "/b"}. Non-2xx responses carry
{"error": "..."}.
*/
package types
