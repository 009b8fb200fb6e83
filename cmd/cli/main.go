package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"math"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/strumline/strumline/internal/audio"
	"github.com/strumline/strumline/internal/calib"
	"github.com/strumline/strumline/internal/engine"
	"github.com/strumline/strumline/internal/eval"
	"github.com/strumline/strumline/internal/service"
	"github.com/strumline/strumline/internal/storage"
	"github.com/strumline/strumline/pkg/logger"
)

// Global flags
var (
	dbPath     string
	patternDir string
	sampleDir  string
	tempDir    string
	sampleRate int
)

func init() {
	// Global flags that can be used with any command
	flag.StringVar(&dbPath, "db", getEnvOrDefault("STRUMLINE_DB_PATH", storage.DefaultDBFile), "Path to the SQLite history database")
	flag.StringVar(&patternDir, "patterns", getEnvOrDefault("STRUMLINE_PATTERN_DIR", ""), "Directory of user pattern YAML files")
	flag.StringVar(&sampleDir, "samples", getEnvOrDefault("STRUMLINE_SAMPLE_DIR", ""), "Directory of WAV overrides for the built-in voices")
	flag.StringVar(&tempDir, "temp", getEnvOrDefault("STRUMLINE_TEMP_DIR", "/tmp"), "Directory for temporary audio conversion files")
	flag.IntVar(&sampleRate, "rate", engine.DefaultSampleRate, "Audio sample rate for playback and analysis")
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// createService builds the practice service from the global flags. Commands
// that never make sound pass service.WithoutDevice so they work on headless
// machines.
func createService(extra ...service.Option) (*service.PracticeService, error) {
	opts := []service.Option{
		service.WithDBPath(dbPath),
		service.WithPatternDir(patternDir),
		service.WithSampleDir(sampleDir),
		service.WithTempDir(tempDir),
		service.WithSampleRate(sampleRate),
	}
	return service.NewPracticeService(append(opts, extra...)...)
}

func main() {
	// Initialize logger
	log := logger.GetLogger()

	// Print banner
	printBanner()

	flag.Parse()
	if flag.NArg() < 1 {
		printUsage()
		os.Exit(1)
	}

	command := flag.Arg(0)
	args := flag.Args()[1:]
	log.Infof("Executing command: %s", command)

	switch command {
	case "patterns":
		handlePatterns()
	case "play":
		handlePlay(args)
	case "grade":
		handleGrade(args)
	case "calibrate":
		handleCalibrate(args)
	case "history":
		handleHistory(args)
	case "help":
		printUsage()
	default:
		fmt.Printf("Unknown command: %s\n\n", command)
		printUsage()
		os.Exit(1)
	}
}

// splitArgs peels up to npos leading positional arguments off args; the
// remainder is handed to the subcommand's flag set.
func splitArgs(args []string, npos int) (pos, rest []string) {
	for i, arg := range args {
		if strings.HasPrefix(arg, "-") || len(pos) == npos {
			return pos, args[i:]
		}
		pos = append(pos, arg)
	}
	return pos, nil
}

func handlePatterns() {
	svc, err := createService(service.WithoutDevice())
	if err != nil {
		fmt.Printf("❌ Failed to initialize service: %v\n", err)
		os.Exit(1)
	}
	defer svc.Close()

	pats := svc.Patterns()
	fmt.Printf("\n📚 %d pattern(s) available:\n\n", len(pats))
	for _, p := range pats {
		fmt.Printf("🎵 %s - %s (%s, %d steps/bar)\n", p.ID, p.Name, p.TimeSig, p.StepsPerBar)
		fmt.Printf("   %s\n", p.StrumLine())
		fmt.Printf("   Default %d bpm, range %d-%d\n", p.DefaultBPM, p.MinBPM, p.MaxBPM)
		if p.Notes != "" {
			fmt.Printf("   %s\n", p.Notes)
		}
		fmt.Println()
	}

	if offset, ok := svc.CalibrationOffset(); ok {
		fmt.Printf("Calibration offset: %+.1f ms\n", offset*1000)
	} else {
		fmt.Println("No calibration stored yet. Run 'strumline calibrate' before grading takes.")
	}
}

func handlePlay(args []string) {
	pos, rest := splitArgs(args, 1)
	if len(pos) < 1 {
		fmt.Println("Usage: strumline play <pattern-id> [-bpm N] [-bars N] [-no-click] [-no-strum] [-volume V]")
		os.Exit(1)
	}
	patternID := pos[0]

	playCmd := flag.NewFlagSet("play", flag.ExitOnError)
	bpm := playCmd.Int("bpm", 0, "Tempo in beats per minute (0 uses the pattern default)")
	bars := playCmd.Int("bars", 0, "Stop after this many bars (0 loops until Ctrl-C)")
	noClick := playCmd.Bool("no-click", false, "Mute the metronome click voice")
	noStrum := playCmd.Bool("no-strum", false, "Mute the strum voice")
	volume := playCmd.Float64("volume", 1.0, "Master volume between 0 and 1")
	playCmd.Parse(rest)

	svc, err := createService()
	if err != nil {
		fmt.Printf("❌ Failed to initialize service: %v\n", err)
		os.Exit(1)
	}
	defer svc.Close()

	if !svc.Engine().Live() {
		fmt.Println("⚠️  No audio device available, playing silently")
	}
	svc.Engine().SetVolume(engine.Master, *volume)

	// Surface mid-playback trouble (device loss, dropped triggers) as it
	// happens rather than burying it in the exit status.
	go func() {
		for ev := range svc.Engine().Degraded() {
			fmt.Printf("⚠️  Playback degraded: %s\n", ev.Reason)
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	sess, err := svc.StartPractice(ctx, patternID, *bpm)
	if err != nil {
		fmt.Printf("❌ Failed to start practice: %v\n", err)
		os.Exit(1)
	}
	if *noClick {
		sess.Performer().SetClickEnabled(false)
	}
	if *noStrum {
		sess.Performer().SetStrumEnabled(false)
	}

	p := sess.Pattern
	fmt.Printf("\n🎸 %s at %d bpm\n", p.Name, sess.Tempo().BPM())
	fmt.Printf("   %s\n", p.StrumLine())
	fmt.Println("   Press Ctrl-C to stop")
	fmt.Println()

	sub := sess.Subscribe(64)
	defer sub.Close()

	for {
		select {
		case <-ctx.Done():
			sess.Wait()
			fmt.Printf("\n✅ Stopped after %.1f bars\n", sess.Tempo().Phase())
			return
		case tk, ok := <-sub.C:
			if !ok {
				sess.Wait()
				fmt.Printf("\n✅ Stopped after %.1f bars\n", sess.Tempo().Phase())
				return
			}
			if tk.StepIndex != 0 {
				continue
			}
			if *bars > 0 && tk.Bar >= *bars {
				if err := sess.Stop(); err != nil {
					fmt.Printf("❌ Failed to stop playback: %v\n", err)
					os.Exit(1)
				}
				fmt.Printf("\n✅ Done: %d bar(s) played\n", *bars)
				return
			}
			fmt.Printf("   bar %d\n", tk.Bar+1)
		}
	}
}

func handleGrade(args []string) {
	pos, rest := splitArgs(args, 2)
	if len(pos) < 2 {
		fmt.Println("Usage: strumline grade <pattern-id> <capture.wav> [-bpm N]")
		os.Exit(1)
	}
	patternID, capturePath := pos[0], pos[1]

	gradeCmd := flag.NewFlagSet("grade", flag.ExitOnError)
	bpm := gradeCmd.Int("bpm", 0, "Tempo the take was recorded at (0 uses the pattern default)")
	gradeCmd.Parse(rest)

	svc, err := createService(service.WithoutDevice())
	if err != nil {
		fmt.Printf("❌ Failed to initialize service: %v\n", err)
		os.Exit(1)
	}
	defer svc.Close()

	if _, ok := svc.CalibrationOffset(); !ok {
		fmt.Println("⚠️  No calibration stored, lag figures will include your device latency")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	fmt.Printf("\n🔍 Grading %s against %s...\n", capturePath, patternID)
	report, err := svc.GradeTake(ctx, patternID, *bpm, capturePath)
	if err != nil {
		fmt.Printf("❌ Grading failed: %v\n", err)
		os.Exit(1)
	}

	printReport(report)
}

func printReport(r *eval.Report) {
	fmt.Printf("\n✅ %s at %d bpm: %.0f%% accuracy\n\n", r.PatternID, r.BPM, r.Accuracy*100)
	fmt.Printf("   Hits: %d   Early: %d   Late: %d   Missed: %d\n", r.Hits, r.Early, r.Late, r.Misses)
	fmt.Printf("   Mean lag: %+.0f ms   Mean |lag|: %.0f ms   Spread: %.0f ms\n",
		r.MeanLag*1000, r.MeanAbsLag*1000, r.LagStdDev*1000)
	if r.Unclaimed > 0 {
		fmt.Printf("   Stray onsets not matching any step: %d\n", r.Unclaimed)
	}
	fmt.Println()

	// One line per bar, one mark per expected strum.
	bar := -1
	var line strings.Builder
	for _, st := range r.Steps {
		if st.Bar != bar {
			if bar >= 0 {
				fmt.Println(line.String())
				line.Reset()
			}
			bar = st.Bar
			fmt.Fprintf(&line, "   bar %2d:", bar+1)
		}
		switch st.Verdict {
		case eval.Hit:
			line.WriteString("  ✓")
		case eval.Early:
			line.WriteString("  <")
		case eval.Late:
			line.WriteString("  >")
		default:
			line.WriteString("  x")
		}
	}
	if line.Len() > 0 {
		fmt.Println(line.String())
	}
	fmt.Println("   (✓ hit, < early, > late, x miss)")
}

func handleCalibrate(args []string) {
	pos, rest := splitArgs(args, 1)

	calCmd := flag.NewFlagSet("calibrate", flag.ExitOnError)
	clicks := calCmd.Int("clicks", calib.DefaultQuorum*2, "Number of reference clicks")
	interval := calCmd.Float64("interval", 0.5, "Seconds between clicks")
	lead := calCmd.Float64("lead", 1.0, "Seconds of silence before the first click")
	play := calCmd.Bool("play", false, "Play the click schedule out loud instead of analyzing a capture")
	write := calCmd.String("write", "", "Write the click schedule to this WAV file instead of playing it")
	calCmd.Parse(rest)

	schedule := calib.ClickSchedule(*clicks, *interval, *lead)

	if *write != "" {
		if err := writeClickWAV(*write, schedule, sampleRate); err != nil {
			fmt.Printf("❌ Failed to write click file: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("\n✅ Wrote %d clicks to %s\n", *clicks, *write)
		fmt.Println("   Play it near your practice microphone, record, then run:")
		fmt.Printf("   strumline calibrate <capture.wav> -clicks %d -interval %g -lead %g\n", *clicks, *interval, *lead)
		return
	}

	if *play {
		svc, err := createService()
		if err != nil {
			fmt.Printf("❌ Failed to initialize service: %v\n", err)
			os.Exit(1)
		}
		defer svc.Close()
		playClicks(svc, schedule)
		fmt.Println("\n✅ Done. Record those clicks through your practice microphone, then run:")
		fmt.Printf("   strumline calibrate <capture.wav> -clicks %d -interval %g -lead %g\n", *clicks, *interval, *lead)
		return
	}

	if len(pos) < 1 {
		fmt.Println("Usage: strumline calibrate <capture.wav> [-clicks N] [-interval S] [-lead S]")
		fmt.Println("   or: strumline calibrate -play [-clicks N] [-interval S] [-lead S]")
		os.Exit(1)
	}

	svc, err := createService(service.WithoutDevice())
	if err != nil {
		fmt.Printf("❌ Failed to initialize service: %v\n", err)
		os.Exit(1)
	}
	defer svc.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	fmt.Printf("\n🔍 Measuring latency from %s (%d clicks expected)...\n", pos[0], *clicks)
	offset, err := svc.Calibrate(ctx, pos[0], schedule)
	if err != nil {
		if errors.Is(err, calib.ErrInsufficientSamples) {
			fmt.Printf("❌ Not enough clicks recognized: %v\n", err)
			fmt.Println("   Re-record closer to the speaker or raise the click volume.")
		} else {
			fmt.Printf("❌ Calibration failed: %v\n", err)
		}
		os.Exit(1)
	}

	fmt.Printf("\n✅ Calibration offset: %+.1f ms\n", offset*1000)
	fmt.Println("   Grading will subtract this from every detected onset.")
}

// writeClickWAV renders the schedule as a WAV of short 800 Hz pings so the
// clicks can be played back from any device near the practice microphone.
func writeClickWAV(path string, schedule []float64, rate int) error {
	if len(schedule) == 0 {
		return fmt.Errorf("empty click schedule")
	}
	total := int((schedule[len(schedule)-1] + 1.0) * float64(rate))
	samples := make([]float64, total)

	const dur = 0.025
	tau := dur / 3
	n := int(dur * float64(rate))
	for _, at := range schedule {
		start := int(at * float64(rate))
		for i := 0; i < n && start+i < total; i++ {
			t := float64(i) / float64(rate)
			samples[start+i] += 0.9 * math.Exp(-t/tau) * math.Sin(2*math.Pi*800*t)
		}
	}
	return audio.WriteWAVMono(path, samples, rate)
}

// playClicks emits the reference schedule through the engine in real time so
// the user can record it on the device they practice with.
func playClicks(svc *service.PracticeService, schedule []float64) {
	if !svc.Engine().Live() {
		fmt.Println("⚠️  No audio device available, clicks will be silent")
	}
	fmt.Printf("\n🔊 Playing %d clicks...\n", len(schedule))

	start := time.Now()
	for i, at := range schedule {
		wait := time.Duration(at*float64(time.Second)) - time.Since(start)
		if wait > 0 {
			time.Sleep(wait)
		}
		svc.Engine().Trigger(engine.ClickHigh, 1.0, 0)
		fmt.Printf("   click %d/%d\n", i+1, len(schedule))
	}
	// Let the last click ring out before the device closes.
	time.Sleep(300 * time.Millisecond)
}

func handleHistory(args []string) {
	_, rest := splitArgs(args, 0)

	histCmd := flag.NewFlagSet("history", flag.ExitOnError)
	patternID := histCmd.String("pattern", "", "Only show takes of this pattern")
	limit := histCmd.Int("limit", 20, "Maximum number of rows")
	sessions := histCmd.Bool("sessions", false, "List practice sessions instead of graded takes")
	histCmd.Parse(rest)

	svc, err := createService(service.WithoutDevice())
	if err != nil {
		fmt.Printf("❌ Failed to initialize service: %v\n", err)
		os.Exit(1)
	}
	defer svc.Close()

	if *sessions {
		rows, err := svc.Sessions(*limit)
		if err != nil {
			fmt.Printf("❌ Failed to list sessions: %v\n", err)
			os.Exit(1)
		}
		if len(rows) == 0 {
			fmt.Println("\n📭 No practice sessions recorded yet")
			return
		}
		fmt.Printf("\n📚 %d session(s):\n\n", len(rows))
		for i, s := range rows {
			fmt.Printf("%d. %s at %d bpm, started %s\n", i+1, s.PatternID, s.BPM, s.StartedAt.Format("2006-01-02 15:04"))
			if !s.EndedAt.IsZero() {
				fmt.Printf("   %.1f bars over %s\n", s.Bars, s.EndedAt.Sub(s.StartedAt).Round(time.Second))
			} else {
				fmt.Println("   still open")
			}
		}
		return
	}

	rows, err := svc.History(*patternID, *limit)
	if err != nil {
		fmt.Printf("❌ Failed to list takes: %v\n", err)
		os.Exit(1)
	}
	if len(rows) == 0 {
		fmt.Println("\n📭 No graded takes yet")
		return
	}
	fmt.Printf("\n📚 %d take(s):\n\n", len(rows))
	for i, r := range rows {
		fmt.Printf("%d. %s at %d bpm: %.0f%% (%d hit / %d early / %d late / %d missed)\n",
			i+1, r.PatternID, r.BPM, r.Accuracy*100, r.Hits, r.Early, r.Late, r.Misses)
		fmt.Printf("   mean lag %+.0f ms, spread %.0f ms, graded %s\n",
			r.MeanLag*1000, r.LagStdDev*1000, r.CreatedAt.Format("2006-01-02 15:04"))
	}
}

func printBanner() {
	banner := `
   _____ __                        __    _
  / ___// /______ __  __ ____ ___ / /   (_)___  ___
  \__ \/ __/ ___// / / // __ '__ \/ /   / / __ \/ _ \
 ___/ / /_/ /   / /_/ // / / / / / /___/ / / / /  __/
/____/\__/_/    \__,_//_/ /_/ /_/_____/_/_/ /_/\___/

          Guitar Strumming Practice Trainer
`
	fmt.Println(banner)
}

func printUsage() {
	fmt.Println(`Usage: strumline [global-options] <command> [command-options]

Commands:
  patterns                       List the available strumming patterns
  play <pattern-id>              Loop a pattern with click and strum voices
  grade <pattern-id> <capture>   Grade a recorded take against a pattern
  calibrate <capture>            Measure the output-to-input latency offset
  calibrate -play                Play the reference clicks for recording
  calibrate -write <wav>         Write the reference clicks to a WAV file
  history                        Show graded takes (or -sessions)
  help                           Show this help message

Global Options:
  -db <path>        SQLite history database (env: STRUMLINE_DB_PATH)
  -patterns <dir>   User pattern YAML directory (env: STRUMLINE_PATTERN_DIR)
  -samples <dir>    WAV sample overrides (env: STRUMLINE_SAMPLE_DIR)
  -temp <dir>       Temporary conversion directory (env: STRUMLINE_TEMP_DIR)
  -rate <hz>        Sample rate for playback and analysis

Examples:
  strumline patterns
  strumline play rock_8 -bpm 100 -bars 16
  strumline play waltz_6 -no-strum
  strumline calibrate -play -clicks 8
  strumline calibrate take.wav -clicks 8
  strumline grade rock_8 take.wav -bpm 100
  strumline history -pattern rock_8 -limit 10`)
}
