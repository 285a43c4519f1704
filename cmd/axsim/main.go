// Package main provides the entry point for AXSim.
// AXSim is a concurrent-pipeline Alpha AXP CPU simulator.
package main

import (
	"flag"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/davecgh/go-spew/spew"
	"github.com/joho/godotenv"

	"github.com/sarchlab/axsim/insts"
	"github.com/sarchlab/axsim/loader"
	"github.com/sarchlab/axsim/monitoring"
	"github.com/sarchlab/axsim/recording"
	"github.com/sarchlab/axsim/timing/cache"
	"github.com/sarchlab/axsim/timing/core"
	"github.com/sarchlab/axsim/timing/latency"
)

var (
	base         *uint64
	configPath   *string
	noCache      *bool
	hotThreshold *uint64
	commits      *uint64
	runFor       *time.Duration
	monitorPort  *int
	recordPath   *string
	dumpCount    *int
	verbose      *bool
)

// declareFlags runs after the .env file is loaded so environment
// variables can supply flag defaults.
func declareFlags() {
	base = flag.Uint64("base", envUint("AXSIM_BASE", loader.DefaultBase),
		"Load address for the program image")
	configPath = flag.String("config", os.Getenv("AXSIM_CONFIG"),
		"Path to timing configuration JSON file")
	noCache = flag.Bool("no-cache", false,
		"Run on flat memory instead of the cache hierarchy")
	hotThreshold = flag.Uint64("hot", 50,
		"Execution count before a block is compiled (0 disables)")
	commits = flag.Uint64("commits", 0,
		"Stop once this many instructions commit (0 = run for -run)")
	runFor = flag.Duration("run", 2*time.Second,
		"Wall-clock simulation duration")
	monitorPort = flag.Int("monitor", envInt("AXSIM_MONITOR_PORT", 0),
		"Serve the monitoring API on this port (0 disables)")
	recordPath = flag.String("record", os.Getenv("AXSIM_RECORD"),
		"Record snapshots and events into this SQLite file")
	dumpCount = flag.Int("dump", 0,
		"Dump the first N decoded instructions and exit")
	verbose = flag.Bool("v", false, "Verbose output")
}

func main() {
	// A .env file supplies flag defaults; missing files are fine.
	_ = godotenv.Load()
	declareFlags()
	flag.Parse()

	if flag.NArg() < 1 {
		fmt.Fprintf(os.Stderr, "Usage: axsim [options] <program.bin>\n")
		fmt.Fprintf(os.Stderr, "\nOptions:\n")
		flag.PrintDefaults()
		os.Exit(1)
	}

	programPath := flag.Arg(0)
	prog, err := loader.Load(programPath, *base)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading program: %v\n", err)
		os.Exit(1)
	}

	if *verbose {
		fmt.Printf("Loaded: %s\n", programPath)
		fmt.Printf("Entry point: 0x%X\n", prog.EntryPoint)
		fmt.Printf("Image end: 0x%X\n", prog.End())
	}

	if *dumpCount > 0 {
		dumpProgram(prog, *dumpCount)
		return
	}

	os.Exit(run(prog, programPath))
}

func run(prog *loader.Program, programPath string) int {
	config := core.DefaultConfig()
	config.StartPC = prog.EntryPoint
	config.UseHierarchy = !*noCache
	config.HotThreshold = *hotThreshold

	if *configPath != "" {
		timingConfig, err := latency.LoadConfig(*configPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error loading timing config: %v\n", err)
			return 1
		}
		config.Timing = timingConfig
	}

	c := core.NewCore(config)
	c.LoadProgram(prog)

	var pipelineRecorder *recording.PipelineRecorder
	if *recordPath != "" {
		recorder, err := recording.New(*recordPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error opening recording: %v\n", err)
			return 1
		}
		defer recorder.Close()

		pipelineRecorder, err = recording.NewPipelineRecorder(recorder)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error preparing recording: %v\n", err)
			return 1
		}
		pipelineRecorder.Attach(c.Controller)
	}

	if *monitorPort != 0 {
		monitor := monitoring.NewMonitor().WithPortNumber(*monitorPort)
		monitor.RegisterCore(c)
		monitor.StartServer()
	}

	if err := c.Start(); err != nil {
		fmt.Fprintf(os.Stderr, "Error starting pipeline: %v\n", err)
		return 1
	}

	if *commits > 0 {
		if !c.WaitForCommits(*commits, *runFor) {
			fmt.Fprintf(os.Stderr,
				"Warning: only %d of %d instructions committed within %v\n",
				c.Stats().Pipeline.Commit.Committed, *commits, *runFor)
		}
	} else {
		time.Sleep(*runFor)
	}

	if err := c.Stop(); err != nil {
		fmt.Fprintf(os.Stderr, "Error stopping pipeline: %v\n", err)
		return 1
	}

	if pipelineRecorder != nil {
		pipelineRecorder.Stop()
	}

	printStats(c, programPath)

	return 0
}

func printStats(c *core.Core, programPath string) {
	stats := c.Stats()

	fmt.Printf("\nProgram: %s\n", programPath)
	fmt.Printf("Committed instructions: %d\n", stats.Pipeline.Commit.Committed)
	fmt.Printf("Fetched: %d (icache hits %d, misses %d)\n",
		stats.Pipeline.Fetch.Fetched,
		stats.Pipeline.Fetch.CacheHits,
		stats.Pipeline.Fetch.CacheMisses)
	fmt.Printf("Branches: %d taken, %d not taken, %d redirects\n",
		stats.Pipeline.Commit.BranchesTaken,
		stats.Pipeline.Commit.BranchesNotTaken,
		stats.Pipeline.BranchRedirects)
	fmt.Printf("Flushes: %d, circuit breaker trips: %d\n",
		stats.Pipeline.Flushes, stats.Pipeline.CircuitBreakerTrips)
	fmt.Printf("Compiled blocks: %d (runs %d, misses %d)\n",
		stats.CompiledBlocks,
		stats.Pipeline.ExecuteDetail.CompiledRuns,
		stats.Pipeline.ExecuteDetail.JITMisses)

	if c.Hierarchy() != nil {
		printCacheStats("L1I", stats.Cache.L1I)
		printCacheStats("L1D", stats.Cache.L1D)
		printCacheStats("L2", stats.Cache.L2)
		printCacheStats("L3", stats.Cache.L3)
	}

	if *verbose {
		spew.Fdump(os.Stdout, stats)
	}
}

func printCacheStats(name string, stats cache.Statistics) {
	fmt.Printf("%-4s hit rate: %6.2f%%\n", name, 100*stats.HitRate())
}

// dumpProgram decodes the leading words of the image and dumps the
// resulting instruction structs.
func dumpProgram(prog *loader.Program, n int) {
	decoder := insts.NewDecoder()
	seg := prog.Segments[0]

	for i := 0; i < n && 4*i+3 < len(seg.Data); i++ {
		word := uint32(seg.Data[4*i]) |
			uint32(seg.Data[4*i+1])<<8 |
			uint32(seg.Data[4*i+2])<<16 |
			uint32(seg.Data[4*i+3])<<24
		pc := seg.Base + uint64(4*i)

		inst := decoder.Decode(word, pc)
		fmt.Printf("%#x: %#08x\n", pc, word)
		spew.Dump(inst)
	}
}

func envUint(key string, fallback uint64) uint64 {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseUint(v, 0, 64); err == nil {
			return n
		}
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}
