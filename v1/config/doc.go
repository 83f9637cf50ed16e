// Package config loads the warp-cluster configuration from a YAML file,
// a .env file and WARP_CLUSTER_* environment variables, and watches the
// file for hot reloads of the cache defaults and the log level.
package config
