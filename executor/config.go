package executor

import "time"

// Options bounds the scheduler.
type Options struct {
	QueueSize      int
	ConnectTimeout time.Duration
	KillTimeout    time.Duration
}

// DefaultOptions returns the production defaults.
func DefaultOptions() Options {
	return Options{
		QueueSize:      10,
		ConnectTimeout: 5 * time.Second,
		KillTimeout:    10 * time.Second,
	}
}

func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.QueueSize <= 0 {
		o.QueueSize = d.QueueSize
	}
	if o.ConnectTimeout <= 0 {
		o.ConnectTimeout = d.ConnectTimeout
	}
	if o.KillTimeout <= 0 {
		o.KillTimeout = d.KillTimeout
	}
	return o
}

// ContainerOptions configures the worker containers started by the
// ContainerManager.
type ContainerOptions struct {
	Image         string
	AdvertiseAddr string
	MemoryMB      int64
	NanoCPUs      int64
	PidsLimit     int64
}

func DefaultContainerOptions() ContainerOptions {
	return ContainerOptions{
		Image:         "ignition",
		AdvertiseAddr: "host.docker.internal:6090",
		MemoryMB:      256,
		NanoCPUs:      1000000000, // 1 CPU
		PidsLimit:     128,
	}
}
