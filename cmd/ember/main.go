// Ember CLI - runs chunk files and assembly listings
package main

import (
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"
	"text/tabwriter"

	"github.com/dustin/go-humanize"
	"github.com/mattn/go-isatty"
	"github.com/tliron/commonlog"
	_ "github.com/tliron/commonlog/simple"

	"github.com/chazu/ember/config"
	"github.com/chazu/ember/engine"
	"github.com/chazu/ember/vm"
	"github.com/chazu/ember/vm/wire"
)

func main() {
	asm := flag.Bool("asm", false, "Treat the input as an assembly listing (default: detect)")
	disasm := flag.Bool("disasm", false, "Print the disassembly and exit")
	output := flag.String("o", "", "Write the loaded chunk as a chunk file and exit")
	noJIT := flag.Bool("no-jit", false, "Interpret only")
	trace := flag.Bool("trace", false, "Trace JIT events and interpreted instructions")
	stats := flag.Bool("stats", false, "Print JIT statistics after the run")
	configDir := flag.String("config", "", "Directory containing ember.toml (default: search upwards)")
	verbosity := flag.Int("v", 0, "Log verbosity (0 = errors only)")
	logFile := flag.String("log", "", "Log to this file instead of stderr")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: ember [options] file [args...]\n\n")
		fmt.Fprintf(os.Stderr, "Runs a chunk file (.embc) or an assembly listing (.easm).\n")
		fmt.Fprintf(os.Stderr, "Trailing arguments are available to the script as the global 'args'.\n\n")
		fmt.Fprintf(os.Stderr, "Options:\n")
		flag.PrintDefaults()
		fmt.Fprintf(os.Stderr, "\nEnvironment:\n")
		fmt.Fprintf(os.Stderr, "  %s=0              # disable the JIT\n", config.EnvJIT)
		fmt.Fprintf(os.Stderr, "  %s=1        # trace JIT events\n", config.EnvDebugJIT)
		fmt.Fprintf(os.Stderr, "  %s=N    # hotness threshold\n", config.EnvJITThreshold)
	}
	flag.Parse()

	if flag.NArg() < 1 {
		flag.Usage()
		os.Exit(2)
	}

	cfg, err := loadConfig(*configDir)
	if err != nil {
		fatalf("%v", err)
	}
	if *noJIT {
		cfg.JIT.Enabled = false
	}
	if *trace {
		cfg.JIT.Trace = true
		cfg.VM.Trace = true
	}

	v := cfg.Logging.Verbosity
	if *verbosity > v {
		v = *verbosity
	}
	if *trace && v < 2 {
		v = 2
	}
	path := cfg.Logging.File
	if *logFile != "" {
		path = *logFile
	}
	if path != "" {
		commonlog.Configure(v, &path)
	} else {
		commonlog.Configure(v, nil)
	}

	chunk, err := loadChunk(flag.Arg(0), *asm)
	if err != nil {
		fatalf("%v", err)
	}

	if *disasm {
		fmt.Print(chunk.Disassemble())
		return
	}
	if *output != "" {
		if err := wire.WriteFile(*output, chunk); err != nil {
			fatalf("%v", err)
		}
		return
	}

	eng, err := engine.New(engine.Options{Config: cfg})
	if err != nil {
		fatalf("%v", err)
	}
	eng.Globals().Set("args", vm.NewArray(parseArgs(flag.Args()[1:])))

	res, err := eng.Run(chunk)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		if *stats {
			printStats(eng.Stats())
		}
		os.Exit(1)
	}
	if !res.IsNull() {
		fmt.Println(res)
	}
	if *stats {
		printStats(eng.Stats())
	}
}

func loadConfig(dir string) (*config.Config, error) {
	var cfg *config.Config
	var err error
	if dir != "" {
		cfg, err = config.Load(dir)
	} else {
		cfg, err = config.FindAndLoad(".")
	}
	if err != nil {
		return nil, err
	}
	if cfg == nil {
		cfg = config.Default()
	}
	if err := cfg.ApplyEnv(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// loadChunk reads a chunk file, or assembles the file when it is not one.
func loadChunk(path string, forceAsm bool) (*vm.Chunk, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if !forceAsm && wire.IsChunkFile(data) {
		return wire.Unmarshal(data)
	}
	return vm.Assemble(string(data))
}

// parseArgs turns command-line words into Int, Float or Str values.
func parseArgs(words []string) []vm.Value {
	out := make([]vm.Value, len(words))
	for i, w := range words {
		if n, err := strconv.ParseInt(w, 10, 64); err == nil {
			out[i] = vm.Int(n)
		} else if f, err := strconv.ParseFloat(w, 64); err == nil {
			out[i] = vm.Float(f)
		} else {
			out[i] = vm.Str(w)
		}
	}
	return out
}

func printStats(s engine.Stats) {
	j := s.JIT
	rows := [][2]string{
		{"engine", s.EngineID},
		{"run time", s.RunTime.String()},
		{"jit enabled", strconv.FormatBool(j.Enabled)},
		{"functions seen", humanize.Comma(int64(j.FunctionsSeen))},
		{"hot functions", humanize.Comma(int64(j.HotPaths.HotFunctions))},
		{"hot loops", humanize.Comma(int64(j.HotPaths.HotLoops))},
		{"compiled", humanize.Comma(int64(j.Compiled))},
		{"compilations", humanize.Comma(int64(j.Compilations))},
		{"rejected", humanize.Comma(int64(j.Rejected))},
		{"native calls", humanize.Comma(int64(j.NativeCalls))},
		{"guard successes", humanize.Comma(int64(j.GuardSuccesses))},
		{"guard failures", humanize.Comma(int64(j.GuardFailures))},
		{"deopts", humanize.Comma(int64(j.Deopts))},
		{"despecializations", humanize.Comma(int64(j.Despecializations))},
		{"call-site hits", humanize.Comma(int64(j.SiteHits))},
		{"call-site misses", humanize.Comma(int64(j.SiteMisses))},
	}

	if isatty.IsTerminal(os.Stderr.Fd()) || isatty.IsCygwinTerminal(os.Stderr.Fd()) {
		tw := tabwriter.NewWriter(os.Stderr, 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "JIT STATISTICS\t")
		for _, r := range rows {
			fmt.Fprintf(tw, "  %s\t%s\n", r[0], r[1])
		}
		tw.Flush()
		return
	}
	for _, r := range rows {
		key := strings.ReplaceAll(r[0], " ", "_")
		fmt.Fprintf(os.Stderr, "%s=%s\n", key, strings.ReplaceAll(r[1], ",", ""))
	}
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "ember: "+format+"\n", args...)
	os.Exit(1)
}
