// Command spatiald runs a spatial-tracking session against a synthetic
// sensor, archives its world maps in sqlite and relays collaboration
// packets between peers.
package main

import "os"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
