// Command vanity searches for Tor v3 onion addresses starting with a
// chosen prefix, writing the winning keypair in Tor's hidden-service key
// layout. Exit code 2 means the search hit its attempt or time limit
// without a match.
package main

import (
	"crypto/ed25519"
	"crypto/rand"
	"flag"
	"fmt"
	"os"
	"runtime"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cerberus-gate/fortify/internal/onion"
)

type match struct {
	priv    ed25519.PrivateKey
	address string
}

func main() {
	var (
		prefix      = flag.String("prefix", "", "address prefix to search for (base32: a-z, 2-7)")
		workers     = flag.Int("workers", 0, "number of workers (0 = all CPUs)")
		output      = flag.String("output", "", "directory to save keys into")
		maxAttempts = flag.Uint64("max-attempts", 0, "give up after this many attempts (0 = unlimited)")
		timeout     = flag.Duration("timeout", 0, "give up after this duration (0 = unlimited)")
	)
	flag.Parse()

	p := strings.ToLower(*prefix)
	if p == "" {
		fmt.Fprintln(os.Stderr, "Error: --prefix is required")
		os.Exit(1)
	}
	if !onion.ValidPrefix(p) {
		fmt.Fprintln(os.Stderr, "Error: prefix must contain only base32 characters (a-z, 2-7)")
		os.Exit(1)
	}

	n := *workers
	if n <= 0 {
		n = runtime.NumCPU()
	}

	difficulty := uint64(1)
	for range p {
		difficulty *= 32
	}
	fmt.Printf("Searching for %q with %d workers (difficulty 1 in %d)\n", p, n, difficulty)

	start := time.Now()
	var (
		attempts atomic.Uint64
		stop     atomic.Bool
		foundCh  = make(chan match, 1)
		wg       sync.WaitGroup
	)

	deadline := time.Time{}
	if *timeout > 0 {
		deadline = start.Add(*timeout)
	}

	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for !stop.Load() {
				count := attempts.Add(1)
				if *maxAttempts > 0 && count > *maxAttempts {
					stop.Store(true)
					return
				}
				// Check the clock occasionally, not per keypair.
				if !deadline.IsZero() && count%4096 == 0 && time.Now().After(deadline) {
					stop.Store(true)
					return
				}

				pub, priv, err := ed25519.GenerateKey(rand.Reader)
				if err != nil {
					continue
				}
				addr := onion.Address(pub)
				if strings.HasPrefix(addr, p) {
					stop.Store(true)
					select {
					case foundCh <- match{priv: priv, address: addr}:
					default:
					}
					return
				}
			}
		}()
	}

	// Progress line once a second.
	progressDone := make(chan struct{})
	go func() {
		ticker := time.NewTicker(time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-progressDone:
				return
			case <-ticker.C:
				elapsed := time.Since(start).Seconds()
				count := attempts.Load()
				fmt.Printf("\rAttempts: %d | Rate: %.0f/s | Elapsed: %.0fs",
					count, float64(count)/elapsed, elapsed)
			}
		}
	}()

	wg.Wait()
	close(progressDone)
	fmt.Println()

	select {
	case m := <-foundCh:
		elapsed := time.Since(start)
		fmt.Printf("Found: %s.onion\n", m.address)
		fmt.Printf("Attempts: %d in %s (%.0f/s)\n",
			attempts.Load(), elapsed.Round(time.Millisecond),
			float64(attempts.Load())/elapsed.Seconds())

		if *output != "" {
			if err := onion.SaveKeys(*output, m.priv, m.address); err != nil {
				fmt.Fprintf(os.Stderr, "Error saving keys: %v\n", err)
				os.Exit(1)
			}
			fmt.Printf("Keys saved to %s/\n", *output)
		} else {
			fmt.Println("Keys not saved; rerun with --output <dir> to keep them.")
		}
	default:
		fmt.Printf("Search stopped after %d attempts without a match.\n", attempts.Load())
		os.Exit(2)
	}
}
