package instance

import "os"

// GetID returns the worker instance identifier. Falls back to the hostname
// so consumer group members stay distinguishable in logs without extra
// configuration.
func GetID() string {
	if id := os.Getenv("WORKER_ID"); id != "" {
		return id
	}
	if host, err := os.Hostname(); err == nil && host != "" {
		return host
	}
	return "worker-0"
}
