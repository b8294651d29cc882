package main

import (
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"math/rand"
	"net/http"
	"os"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/Adarsh-Kmt/DragonCore/buffercache"
	"github.com/Adarsh-Kmt/DragonCore/config"
	"github.com/Adarsh-Kmt/DragonCore/disk"
	"github.com/Adarsh-Kmt/DragonCore/metrics"
	"github.com/Adarsh-Kmt/DragonCore/pageallocator"
)

func main() {

	configPath := flag.String("config", "", "path of the YAML config file, defaults are used if empty")
	rounds := flag.Int("rounds", 10000, "operations each simulated CPU performs")
	verbose := flag.Bool("verbose", false, "enable debug logging")
	flag.Parse()

	level := slog.LevelInfo
	if *verbose {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	if err := run(*configPath, *rounds); err != nil {
		slog.Error(err.Error(), "msg", "dragoncore failed")
		os.Exit(1)
	}
}

func loadConfig(path string) (*config.Config, error) {

	if path == "" {
		return config.Default(), nil
	}
	return config.Load(path)
}

// openDisk opens the configured device images, or in-memory devices 0 and 1 if none are configured.
func openDisk(cfg *config.Config) (disk.BlockDevice, []uint32, error) {

	if len(cfg.Devices) == 0 {

		memory, err := disk.NewMemoryDisk(cfg.Cache.BlockSize, []disk.Device{
			{ID: 0, Blocks: config.DEFAULT_DEVICE_BLOCKS},
			{ID: 1, Blocks: config.DEFAULT_DEVICE_BLOCKS},
		})
		return memory, []uint32{0, 1}, err
	}

	ids := make([]uint32, 0, len(cfg.Devices))
	for _, device := range cfg.Devices {
		ids = append(ids, device.ID)
	}

	file, err := disk.NewFileDisk(cfg.Cache.BlockSize, cfg.DiskDevices())
	return file, ids, err
}

func run(configPath string, rounds int) (err error) {

	cfg, err := loadConfig(configPath)

	if err != nil {
		return err
	}

	allocator, err := pageallocator.NewPageAllocator(cfg.CPUs, cfg.Memory.Size, cfg.Memory.KernelReserved)

	if err != nil {
		return err
	}

	defer func() {
		err = errors.Join(err, allocator.Close())
	}()

	device, devices, err := openDisk(cfg)

	if err != nil {
		return err
	}

	defer func() {
		err = errors.Join(err, device.Close())
	}()

	cache, err := buffercache.NewBufferCache(cfg.Cache.Buffers, cfg.Cache.Buckets, device)

	if err != nil {
		return err
	}

	registry := prometheus.NewRegistry()

	if err := metrics.NewCollector(allocator, cache).Register(registry); err != nil {
		return err
	}

	if cfg.Metrics.Address != "" {

		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))

		go func() {
			slog.Info("serving metrics", "address", cfg.Metrics.Address, "function", "run", "at", "main")
			if err := http.ListenAndServe(cfg.Metrics.Address, mux); err != nil {
				slog.Error(err.Error(), "msg", "metrics server stopped")
			}
		}()
	}

	blocks := uint32(config.DEFAULT_DEVICE_BLOCKS)
	for _, configured := range cfg.Devices {
		if configured.Blocks < blocks {
			blocks = configured.Blocks
		}
	}

	var (
		wg       sync.WaitGroup
		errMutex sync.Mutex
		errs     []error
	)

	for cpu := 0; cpu < cfg.CPUs; cpu++ {

		wg.Add(1)

		go func(cpu int) {
			defer wg.Done()

			if err := simulateCPU(cpu, rounds, allocator, cache, devices, blocks); err != nil {
				errMutex.Lock()
				errs = append(errs, fmt.Errorf("cpu %d: %w", cpu, err))
				errMutex.Unlock()
			}
		}(cpu)
	}

	wg.Wait()

	pageStats := allocator.Stats()
	cacheStats := cache.Stats()

	slog.Info("page allocator", "allocations", pageStats.Allocations, "frees", pageStats.Frees, "steals", pageStats.Steals, "failures", pageStats.Failures, "freePages", fmt.Sprint(pageStats.FreePages))
	slog.Info("buffer cache", "hits", cacheStats.Hits, "misses", cacheStats.Misses, "migrations", cacheStats.Migrations, "diskReads", cacheStats.DiskReads, "diskWrites", cacheStats.DiskWrites)

	return errors.Join(errs...)
}

// simulateCPU plays the part of the kernel running on one CPU: it grabs and returns pages the way process
// creation and exit would, and reads, updates and writes back file system blocks.
func simulateCPU(cpu int, rounds int, allocator *pageallocator.PageAllocator, cache *buffercache.BufferCache, devices []uint32, blocks uint32) error {

	random := rand.New(rand.NewSource(int64(cpu)))
	held := make([]pageallocator.PageAddr, 0)

	for round := 0; round < rounds; round++ {

		if random.Intn(2) == 0 || len(held) == 0 {

			if addr, ok := allocator.Allocate(cpu); ok {
				allocator.Page(addr)[0] = byte(cpu)
				held = append(held, addr)
			}

		} else {

			// processes exit on whatever CPU they last ran on.
			i := random.Intn(len(held))
			allocator.Free(random.Intn(allocator.CPUs()), held[i])
			held = append(held[:i], held[i+1:]...)
		}

		dev := devices[random.Intn(len(devices))]
		blockNo := uint32(random.Intn(int(blocks)))

		guard, err := cache.NewWriteGuard(dev, blockNo)

		if err != nil {
			return err
		}

		if random.Intn(4) == 0 {
			guard.GetData()[0]++
			if err := guard.Flush(); err != nil {
				guard.Done()
				return err
			}
		}

		guard.Done()
	}

	for _, addr := range held {
		allocator.Free(cpu, addr)
	}

	return nil
}
