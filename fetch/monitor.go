/*
	This file implements a monitor for remote reads.  It exposes channels
	that fetch operations feed and per-second tallies the console reports.
*/

package fetch

import (
	"time"
)

const MonitorBuffer = 10000

var (
	// Number of bytes read from remote sources in the last second.
	BytesReadPerSec int

	// Number of fetch operations completed in the last second.
	OpsPerSec int

	// Channel to notify bytes read from a remote source.
	BytesRead chan int

	// Current tallies up to a second.
	bytesReadPerSec int
	opsPerSec       int
)

func init() {
	BytesRead = make(chan int, MonitorBuffer)
	go loadMonitor()
}

// Tallies remote reads per second.
func loadMonitor() {
	secondTick := time.Tick(1 * time.Second)
	for {
		select {
		case b := <-BytesRead:
			bytesReadPerSec += b
			opsPerSec++
		case <-secondTick:
			BytesReadPerSec = bytesReadPerSec
			bytesReadPerSec = 0
			OpsPerSec = opsPerSec
			opsPerSec = 0
		}
	}
}
