package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/anvil-platform/anvil-mgmt/internal/transport"
)

type result struct {
	name    string
	latency time.Duration
	err     error
}

func main() {
	var target string
	var numStores int
	var numEntries int
	var timeout time.Duration
	var keep bool

	flag.StringVar(&target, "target", "127.0.0.1:9990", "Management daemon address")
	flag.IntVar(&numStores, "stores", 10, "Number of key stores to create concurrently")
	flag.IntVar(&numEntries, "entries", 5, "Aliases seeded into each key store")
	flag.DurationVar(&timeout, "timeout", 2*time.Minute, "Deadline for each store's cycle")
	flag.BoolVar(&keep, "keep", false, "Leave the created key stores in place")
	flag.Parse()

	conn, err := transport.Dial(target)
	if err != nil {
		log.Fatalf("Error dialing %s: %v", target, err)
	}
	defer conn.Close()
	client := transport.NewClient(conn)

	runID := strings.Split(uuid.NewString(), "-")[0]
	fmt.Printf("Starting load test %s: %d key stores against %s\n", runID, numStores, target)

	var wg sync.WaitGroup
	start := time.Now()
	results := make(chan result, numStores)

	for i := 0; i < numStores; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			name := fmt.Sprintf("load-%s-%d", runID, id)
			ctx, cancel := context.WithTimeout(context.Background(), timeout)
			defer cancel()
			began := time.Now()
			err := cycle(ctx, client, name, numEntries, keep)
			results <- result{name: name, latency: time.Since(began), err: err}
		}(i)
	}

	wg.Wait()
	close(results)
	totalDuration := time.Since(start)

	var latencies []time.Duration
	failures := 0
	for r := range results {
		if r.err != nil {
			failures++
			fmt.Printf("Key store %s failed: %v\n", r.name, r.err)
			continue
		}
		latencies = append(latencies, r.latency)
	}

	if len(latencies) == 0 {
		fmt.Printf("Load test completed in %v. No cycle succeeded (%d failures).\n", totalDuration, failures)
		return
	}
	sort.Slice(latencies, func(i, j int) bool { return latencies[i] < latencies[j] })
	var total time.Duration
	for _, l := range latencies {
		total += l
	}
	fmt.Printf("Load test completed in %v. %d ok, %d failed. Avg cycle %v, p50 %v, max %v\n",
		totalDuration, len(latencies), failures,
		total/time.Duration(len(latencies)), latencies[len(latencies)/2], latencies[len(latencies)-1])
}

// cycle adds a key store, rewrites its entries and waits until the live aliases follow.
func cycle(ctx context.Context, client *transport.Client, name string, numEntries int, keep bool) error {
	addr := "/subsystem=elytron/key-store=" + name
	entries := make([]interface{}, numEntries)
	for i := range entries {
		entries[i] = fmt.Sprintf("alias%d", i)
	}
	if _, err := client.Add(ctx, addr, map[string]interface{}{"entries": entries}); err != nil {
		return fmt.Errorf("add: %w", err)
	}

	want := append(entries[:len(entries):len(entries)], "extra")
	out, err := client.WriteAttribute(ctx, addr, "entries", want)
	if err != nil {
		return fmt.Errorf("write-attribute: %w", err)
	}
	if out.ReloadRequired {
		return fmt.Errorf("write-attribute unexpectedly requires a reload")
	}

	for {
		names, err := client.ReadChildrenNames(ctx, addr, "alias")
		if err == nil && len(names) == len(want) {
			break
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("waiting for aliases: %w", ctx.Err())
		case <-time.After(100 * time.Millisecond):
		}
	}

	if keep {
		return nil
	}
	if _, err := client.Remove(ctx, addr); err != nil {
		return fmt.Errorf("remove: %w", err)
	}
	return nil
}
