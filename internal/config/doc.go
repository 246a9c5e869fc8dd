/*
Package config provides configuration management for the objmapper daemon
with multi-source support.

Configuration is loaded in layers with increasing precedence: compiled-in
defaults, a YAML configuration file, then OBJMAPPER_* environment variable
overrides. Validate must be called after loading; it enforces the backend
designation rules (at most one default, one ephemeral, one cache backend;
the default backend may not be ephemeral-only; the ephemeral backend must
be ephemeral-only; the cache backend must be a memory tier) as well as
watermark ordering and socket/promoter sanity checks.

A minimal configuration for a two-tier daemon:

	socket:
	  path: /tmp/objmapper.sock
	  permissions: 0666

	backends:
	  - name: mem0
	    type: memory
	    mount_path: /dev/shm/objmapper
	    capacity: 1GB
	    ephemeral_only: true
	    ephemeral: true
	    cache: true
	  - name: ssd0
	    type: ssd
	    mount_path: /srv/objmapper
	    capacity: 100GB
	    default: true

	promoter:
	  enabled: true
	  check_interval: 1s
	  threshold: 0.7

Example usage:

	cfg := config.NewDefault()
	if err := cfg.LoadFromFile("/etc/objmapper/config.yaml"); err != nil {
		log.Fatal(err)
	}
	if err := cfg.LoadFromEnv(); err != nil {
		log.Fatal(err)
	}
	if err := cfg.Validate(); err != nil {
		log.Fatal(err)
	}
*/
package config
