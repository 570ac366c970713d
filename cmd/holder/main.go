// cmd/holder is the child process spawned once per reservation by
// internal/holder.Supervisor. Its sole job is to occupy a GPU device until
// told to exit over its control channel (stdin).
//
// Handshake: exactly one line is written to stdout before blocking —
// "READY" on success or "ERROR: <cause>" on device failure — matching the
// synchronous rendezvous internal/holder.Supervisor.Spawn waits on.
package main

import (
	"bufio"
	"flag"
	"fmt"
	"os"
	"os/exec"
	"runtime"
	"strconv"
	"strings"
)

func main() {
	device := flag.Int("device", -1, "device index to occupy")
	exclusive := flag.Bool("exclusive", false, "exclusive-mode reservation")
	flag.Parse()

	if *device < 0 {
		fmt.Println("ERROR: missing -device")
		os.Exit(1)
	}

	var squat []byte
	if !*exclusive {
		// Non-exclusive holder: attach, query free memory, allocate a
		// fixed 70% of it, then block. Occupancy is a same-sized host
		// buffer held alive for the reservation's lifetime; the broker only
		// cares that this process exists and answers its control channel.
		freeMiB, err := queryFreeMiB(*device)
		if err != nil {
			fmt.Printf("ERROR: %v\n", err)
			os.Exit(1)
		}
		targetMiB := uint64(float64(freeMiB) * 0.7)
		squat = make([]byte, targetMiB*1024*1024)
		for i := range squat {
			squat[i] = 0
		}
	}
	// Exclusive holder: the compute-mode flip is done by the allocating
	// broker, not by this process; it only needs to attach and hold until
	// released.

	fmt.Println("READY")
	waitForStop()
	runtime.KeepAlive(squat)
}

func waitForStop() {
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		if strings.TrimSpace(scanner.Text()) == "STOP" {
			return
		}
	}
}

func queryFreeMiB(device int) (uint64, error) {
	out, err := exec.Command("nvidia-smi", "--query-gpu=memory.free", "--format=csv,noheader,nounits", "-i", strconv.Itoa(device)).Output()
	if err != nil {
		return 0, fmt.Errorf("nvidia-smi query failed: %w", err)
	}
	v, err := strconv.ParseUint(strings.TrimSpace(string(out)), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("unparseable nvidia-smi output: %w", err)
	}
	return v, nil
}
