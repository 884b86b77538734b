// Package redis connects to Redis with go-redis and exposes a health probe.
package redis
