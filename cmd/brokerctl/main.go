// Command brokerctl is a flag-and-subcommand CLI that speaks the broker's
// TCP wire protocol directly.
package main

import (
	"flag"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/aiserve/gpubroker/internal/wire"
)

func main() {
	addr := flag.String("addr", "localhost:13105", "broker host:port")
	numGPUs := flag.Int("n", 1, "number of GPUs to allocate")
	exclusive := flag.Bool("exclusive", false, "request exclusive-mode reservation")
	memSize := flag.String("mem", "", "minimum free memory required, e.g. 2GiB (omit for the default 70% free-memory predicate)")
	handles := flag.String("handles", "", "comma-separated handles to release")
	timeout := flag.Duration("timeout", 10*time.Second, "connection timeout")
	flag.Parse()

	if flag.NArg() < 1 {
		printUsage()
		os.Exit(1)
	}

	var req wire.Request
	switch flag.Arg(0) {
	case "allocate":
		allocReq := wire.AllocateGpusRequest{NumGPUs: *numGPUs, Exclusive: *exclusive}
		if *memSize != "" {
			bytes, err := parseMemSize(*memSize)
			if err != nil {
				fmt.Fprintf(os.Stderr, "invalid -mem: %v\n", err)
				os.Exit(1)
			}
			allocReq.MemSize = &bytes
		}
		req = wire.Request{Allocate: &allocReq}
	case "release":
		if *handles == "" {
			fmt.Fprintln(os.Stderr, "release requires -handles")
			os.Exit(1)
		}
		req = wire.Request{Release: &wire.ReleaseGpusRequest{Handles: strings.Split(*handles, ",")}}
	case "info":
		req = wire.Request{Info: &wire.GetSystemInfoRequest{}}
	default:
		printUsage()
		os.Exit(1)
	}

	result, err := roundTrip(*addr, req, *timeout)
	if err != nil {
		fmt.Fprintf(os.Stderr, "brokerctl: %v\n", err)
		os.Exit(1)
	}

	printResult(result)
}

func roundTrip(addr string, req wire.Request, timeout time.Duration) (wire.Result, error) {
	conn, err := net.DialTimeout("tcp", addr, timeout)
	if err != nil {
		return wire.Result{}, fmt.Errorf("dial %s: %w", addr, err)
	}
	defer conn.Close()

	encoded, err := wire.EncodeRequest(req)
	if err != nil {
		return wire.Result{}, err
	}
	if _, err := conn.Write(encoded); err != nil {
		return wire.Result{}, fmt.Errorf("write request: %w", err)
	}

	body, err := wire.ReadUntilSentinel(conn)
	if err != nil {
		return wire.Result{}, fmt.Errorf("read result: %w", err)
	}
	return wire.DecodeResult(body)
}

func printResult(res wire.Result) {
	switch {
	case res.Allocate != nil:
		r := res.Allocate
		fmt.Printf("success=%v device_indices=%v pids=%v handles=%v\n", r.Success, r.DeviceIndices, r.Pids, r.Handles)
	case res.Release != nil:
		r := res.Release
		fmt.Printf("success=%v failed_handles=%v\n", r.Success, r.FailedHandles)
	case res.Info != nil:
		fmt.Printf("info: %v\n", res.Info.Info)
	default:
		fmt.Println("empty result")
	}
}

// parseMemSize accepts plain byte counts or a "<N>GiB"/"<N>MiB" suffix.
func parseMemSize(s string) (int64, error) {
	s = strings.TrimSpace(s)
	multiplier := int64(1)
	switch {
	case strings.HasSuffix(s, "GiB"):
		multiplier = 1024 * 1024 * 1024
		s = strings.TrimSuffix(s, "GiB")
	case strings.HasSuffix(s, "MiB"):
		multiplier = 1024 * 1024
		s = strings.TrimSuffix(s, "MiB")
	}
	n, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
	if err != nil {
		return 0, err
	}
	return n * multiplier, nil
}

func printUsage() {
	fmt.Fprintln(os.Stderr, `brokerctl - GPU allocation broker client

Usage (flags come before the subcommand):
  brokerctl -addr host:port -n 2 [-exclusive] [-mem 2GiB] allocate
  brokerctl -addr host:port -handles <handle>[,<handle>...] release
  brokerctl -addr host:port info

Flags:`)
	flag.PrintDefaults()
}
