// Package supervisor forks worker processes and tells a process which role
// it plays. Workers are the same program re-executed with WARP_CLUSTER_ROLE
// set; with the stdio transport each worker talks to the primary over its
// standard input and output.
package supervisor
