// Command shbench drives the scenarios spec.md §8 names against a real
// smallheap.Heap and reports how long each one takes, grounded on
// original_source/nemalloc/main.cpp's own hand-timed scenarios
// (Hello World, then the page-boundary allocate/free loop).
package main

import (
	"fmt"
	"log/slog"
	"math/rand"
	"net/http"
	"os"
	"runtime"
	"sync"
	"time"
	"unsafe"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	kingpin "gopkg.in/alecthomas/kingpin.v2"

	"github.com/iansmith/smallheap/pageprovider"
	"github.com/iansmith/smallheap/smallheap"
)

var (
	reserveBytes = kingpin.Flag("reserve-bytes", "Size of the virtual-address reservation.").
			Default("536870912").Uint64()
	listenAddress = kingpin.Flag("web.listen-address", "Address to serve /metrics on; empty disables it.").
			Default("").String()
	scenario = kingpin.Flag("scenario", "Scenario to run: hello, fill-page, churn, thrash, concurrent, fallback, all.").
			Default("all").String()
	churnCount = kingpin.Flag("churn-count", "Allocations driven by the mass-churn scenario.").
			Default("8388608").Uint64()
	thrashLoops = kingpin.Flag("thrash-loops", "Iterations driven by the page-boundary thrash scenario.").
			Default("1048576").Uint64()
)

func main() {
	kingpin.Version("shbench (smallheap benchmark harness)")
	kingpin.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))

	var registerer prometheus.Registerer
	if *listenAddress != "" {
		reg := prometheus.NewRegistry()
		registerer = reg
		http.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
		go func() {
			logger.Info("serving metrics", "address", *listenAddress)
			if err := http.ListenAndServe(*listenAddress, nil); err != nil {
				logger.Error("metrics server exited", "err", err)
			}
		}()
	}

	heap, err := smallheap.New(smallheap.Config{
		ReserveBytes: *reserveBytes,
		Provider:     pageprovider.NewPosix(),
		Logger:       logger,
		Registerer:   registerer,
	})
	if err != nil {
		logger.Error("init failed", "err", err)
		os.Exit(1)
	}

	run := func(name string, fn func()) {
		start := time.Now()
		fn()
		logger.Info("scenario complete", "scenario", name, "elapsed", time.Since(start))
	}

	tc := heap.Acquire()
	all := *scenario == "all"

	if all || *scenario == "hello" {
		run("hello", func() { scenarioHello(heap, tc) })
	}
	if all || *scenario == "fill-page" {
		run("fill-page", func() { scenarioFillPage(heap, tc) })
	}
	if all || *scenario == "churn" {
		run("churn", func() { scenarioChurn(heap, tc, *churnCount) })
	}
	if all || *scenario == "thrash" {
		run("thrash", func() { scenarioThrash(heap, tc, *thrashLoops) })
	}
	if all || *scenario == "fallback" {
		run("fallback", func() { scenarioFallback(heap, tc) })
	}
	if all || *scenario == "concurrent" {
		run("concurrent", func() { scenarioConcurrent(heap, *churnCount) })
	}

	if err := heap.Finalize(); err != nil {
		logger.Error("finalize failed", "err", err)
		os.Exit(1)
	}

	if *listenAddress != "" {
		select {}
	}
}

// scenarioHello is E1: one small, aligned allocation, written through,
// freed.
func scenarioHello(h *smallheap.Heap, tc *smallheap.ThreadCache) {
	p, err := h.Allocate(tc, 16, 16)
	if err != nil {
		panic(err)
	}
	msg := []byte("Hello, World\x00\x00\x00\x00")
	copy(unsafe.Slice((*byte)(p), len(msg)), msg)
	fmt.Println(string(unsafe.Slice((*byte)(p), 12)))
	h.Free(tc, p)
}

// scenarioFillPage is E2: fill exactly one page of 8-byte slots.
func scenarioFillPage(h *smallheap.Heap, tc *smallheap.ThreadCache) {
	const elementSize = 8
	pageSize := os.Getpagesize()
	slots := pageSize/elementSize - 1

	ptrs := make([]unsafe.Pointer, slots)
	for i := range ptrs {
		p, err := h.Allocate(tc, elementSize, elementSize)
		if err != nil {
			panic(err)
		}
		ptrs[i] = p
	}
	for _, p := range ptrs {
		h.Free(tc, p)
	}
}

// scenarioChurn is E3: allocate n one-byte requests, then free them all
// in allocation order.
func scenarioChurn(h *smallheap.Heap, tc *smallheap.ThreadCache, n uint64) {
	ptrs := make([]unsafe.Pointer, n)
	for i := range ptrs {
		p, err := h.Allocate(tc, 1, 1)
		if err != nil {
			panic(err)
		}
		*(*byte)(p) = byte(rand.Intn(256))
		ptrs[i] = p
	}
	for _, p := range ptrs {
		h.Free(tc, p)
	}
}

// scenarioThrash is E4: hold one page live, then allocate-write-free a
// single 8-byte slot in a tight loop. With the hysteresis in
// smallheap/margin.go, the committed-page count should stay flat across
// the whole loop rather than oscillating with every iteration.
func scenarioThrash(h *smallheap.Heap, tc *smallheap.ThreadCache, loops uint64) {
	const elementSize = 8
	pageSize := os.Getpagesize()
	slots := pageSize/elementSize - 1

	held := make([]unsafe.Pointer, slots)
	for i := range held {
		p, err := h.Allocate(tc, elementSize, elementSize)
		if err != nil {
			panic(err)
		}
		held[i] = p
	}

	for i := uint64(0); i < loops; i++ {
		p, err := h.Allocate(tc, elementSize, elementSize)
		if err != nil {
			panic(err)
		}
		*(*uint64)(p) = rand.Uint64()
		h.Free(tc, p)
	}

	for _, p := range held {
		h.Free(tc, p)
	}
}

// scenarioFallback is E6: a request above SmallMax must come back from
// the large path, aligned, and outside the small-object reservation.
func scenarioFallback(h *smallheap.Heap, tc *smallheap.ThreadCache) {
	p, err := h.Allocate(tc, 1024, 64)
	if err != nil {
		panic(err)
	}
	h.Free(tc, p)
}

// scenarioConcurrent is E5: run the mass-churn scenario on every
// available core at once, each with its own ThreadCache.
func scenarioConcurrent(h *smallheap.Heap, n uint64) {
	workers := runtime.GOMAXPROCS(0)
	perWorker := n / uint64(workers)

	var wg sync.WaitGroup
	wg.Add(workers)
	for i := 0; i < workers; i++ {
		go func() {
			defer wg.Done()
			scenarioChurn(h, h.Acquire(), perWorker)
		}()
	}
	wg.Wait()
}
