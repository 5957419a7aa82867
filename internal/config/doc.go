/*
Package config provides configuration management for remotefs.

Settings are resolved from several sources, lowest priority first:

 1. Compiled-in defaults (NewDefault)
 2. A YAML file passed with --config (LoadFromFile)
 3. REMOTEFS_* environment variables (LoadFromEnv)
 4. Command-line flags, applied by the CLI after loading

# Sections

	global:
	  log_level: INFO          # DEBUG, INFO, WARN, ERROR
	  log_file: ""             # empty logs to stderr
	  log_format: text         # text or json
	  metrics_port: 0          # 0 disables the prometheus endpoint
	  log_max_size: 100MiB     # rotate log_file past this size
	  log_max_backups: 3
	  log_compress: false
	remote:
	  server_url: http://localhost:9000
	  timeout: 30s             # bound on every HTTP round trip
	  health_interval: 30s     # 0 disables probing while mounted
	  health_failures: 3
	mount:
	  mount_point: /mnt/remote
	  max_write: 128KiB
	  max_file_size: 1GiB      # writes and truncates past this fail with EFBIG
	  attr_timeout: 1s
	  entry_timeout: 1s
	cache:
	  attr_ttl: 1s
	  max_entries: 100000
	network:
	  retry:
	    max_attempts: 3
	  circuit_breaker:
	    enabled: true
	    failure_threshold: 5
	    timeout: 10s
	server:
	  listen: ":9000"
	  root: /tmp/remote_fs
	  store: disk              # disk or s3
	  s3:
	    bucket: my-bucket

Sizes such as max_write, max_file_size, max_body and log_max_size accept human readable values
("128KiB", "1GiB").

# Usage

	cfg := config.NewDefault()
	if path != "" {
		if err := cfg.LoadFromFile(path); err != nil {
			return err
		}
	}
	if err := cfg.LoadFromEnv(); err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
*/
package config
