// beamsh is an interactive operator shell for beamlined.
//
// It talks to the daemon's REST API: listing and moving devices,
// submitting and aborting scan plans, browsing the run catalog, and
// saving or recalling motor positions.
package main

import (
	"flag"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/chzyer/readline"
)

// Version information - set at build time via ldflags
var version = "dev"

func main() {
	url := flag.String("url", "http://localhost:8080", "beamlined API base URL")
	user := flag.String("user", "", "log in as this user on startup")
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("beamsh %s\n", version)
		return
	}

	sh, err := newShell(*url)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	defer sh.Close()

	if *user != "" {
		sh.cmdLogin([]string{*user})
	}

	sh.Run()
}

// shell is the readline loop plus the API client it drives.
type shell struct {
	api *client
	rl  *readline.Instance
}

func newShell(url string) (*shell, error) {
	rl, err := readline.NewEx(&readline.Config{
		Prompt:          "beamsh> ",
		InterruptPrompt: "^C",
		EOFPrompt:       "exit",
		HistoryFile:     historyFile(),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create readline: %w", err)
	}
	return &shell{api: newClient(url), rl: rl}, nil
}

// historyFile returns the per-user command history path, or empty when
// no home directory is resolvable (history is then in-memory only).
func historyFile() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return home + "/.beamsh_history"
}

func (s *shell) Close() {
	s.rl.Close()
}

func (s *shell) out() io.Writer {
	return s.rl.Stdout()
}

// Run starts the interactive command loop.
func (s *shell) Run() {
	fmt.Fprintln(s.out(), "beamsh - beamline operator shell (type 'help' for commands)")

	for {
		line, err := s.rl.Readline()
		if err != nil {
			if err == readline.ErrInterrupt {
				continue
			}
			fmt.Fprintln(s.out(), "Exiting...")
			return
		}

		input := strings.TrimSpace(line)
		if input == "" {
			continue
		}

		parts := strings.Fields(input)
		cmd := strings.ToLower(parts[0])
		args := parts[1:]

		switch cmd {
		case "help", "?":
			s.printHelp()

		case "login":
			s.cmdLogin(args)
		case "logout":
			s.cmdLogout()
		case "whoami":
			s.cmdWhoami()

		case "devices", "d":
			s.cmdDevices(args)
		case "labels":
			s.cmdLabels()
		case "device":
			s.cmdDevice(args)
		case "read", "r":
			s.cmdRead(args)
		case "config":
			s.cmdConfig(args)
		case "set":
			s.cmdSet(args)
		case "stop":
			s.cmdStop(args)

		case "count":
			s.cmdCount(args)
		case "scan":
			s.cmdScan(args)
		case "fly":
			s.cmdFly(args)
		case "mv":
			s.cmdMove(args)
		case "energy":
			s.cmdEnergy(args)
		case "dark":
			s.cmdDark(args)
		case "current":
			s.cmdCurrent()
		case "abort":
			s.cmdAbort(args)

		case "runs":
			s.cmdRuns(args)
		case "run":
			s.cmdRun(args)
		case "streams":
			s.cmdStreams(args)
		case "events":
			s.cmdEvents(args)

		case "positions", "pos":
			s.cmdPositions()
		case "savepos":
			s.cmdSavePosition(args)
		case "recall":
			s.cmdRecall(args)
		case "delpos":
			s.cmdDeletePosition(args)

		case "health":
			s.cmdHealth()
		case "info":
			s.cmdInfo()

		case "quit", "exit", "q":
			fmt.Fprintln(s.out(), "Exiting...")
			return

		default:
			fmt.Fprintf(s.out(), "Unknown command: %s (type 'help' for commands)\n", cmd)
		}
	}
}

func (s *shell) printHelp() {
	fmt.Fprintln(s.out(), `
Beamline Commands:
  Session:
    login <username>       - Log in (prompts for password)
    logout                 - Log out
    whoami                 - Show the logged-in account

  Devices:
    devices [label]        - List devices, optionally by label
    labels                 - List labels with device counts
    device <name>          - Show a device and its data keys
    read <name>            - Read a device's signals
    config <name>          - Read a device's configuration signals
    set <name> <target>    - Move a device and wait for settle
    stop <name>            - Stop a moving device

  Plans:
    count <num> [delay_s] <det...>          - Repeated detector readings
    scan <motor> <start> <stop> <num> <det...>  - Step scan
    fly <motor> <start> <stop> <num> <dwell_s> <det...> - Fly scan
    mv <motor> <target> [motor target ...]  - Move motors
    energy <ev>            - Move the beamline energy
    dark [seconds]         - Record ion chamber dark current
    current                - Show the current/last run status
    abort [reason]         - Abort the in-flight run

  Run Catalogue:
    runs [limit]           - List recent runs
    run <uid>              - Show one run
    streams <uid>          - List a run's streams
    events <uid> <stream>  - Dump a stream's events

  Motor Positions:
    positions              - List saved positions
    savepos <name> <motor...> - Save current motor positions
    recall <uid>           - Move motors back to a saved position
    delpos <uid>           - Delete a saved position

  General:
    health                 - Daemon health
    info                   - Beamline and registry summary
    quit                   - Exit`)
}

// ─── Session ───

func (s *shell) cmdLogin(args []string) {
	if len(args) < 1 {
		fmt.Fprintln(s.out(), "Usage: login <username>")
		return
	}
	password, err := s.rl.ReadPassword("Password: ")
	if err != nil {
		fmt.Fprintf(s.out(), "Error: %v\n", err)
		return
	}
	role, err := s.api.Login(args[0], string(password))
	if err != nil {
		fmt.Fprintf(s.out(), "Login failed: %v\n", err)
		return
	}
	fmt.Fprintf(s.out(), "Logged in as %s (%s)\n", args[0], role)
	s.rl.SetPrompt(args[0] + "@beamsh> ")
}

func (s *shell) cmdLogout() {
	if !s.api.LoggedIn() {
		fmt.Fprintln(s.out(), "Not logged in")
		return
	}
	if err := s.api.Logout(); err != nil {
		fmt.Fprintf(s.out(), "Logout failed: %v\n", err)
	}
	fmt.Fprintln(s.out(), "Logged out")
	s.rl.SetPrompt("beamsh> ")
}

func (s *shell) cmdWhoami() {
	var me map[string]any
	if err := s.api.Get("/auth/me", &me); err != nil {
		fmt.Fprintf(s.out(), "Error: %v\n", err)
		return
	}
	s.printJSON(me)
}

// ─── Devices ───

func (s *shell) cmdDevices(args []string) {
	path := "/devices/"
	if len(args) > 0 {
		path += "?label=" + args[0]
	}
	var resp struct {
		Devices []struct {
			Name    string   `json:"name"`
			Labels  []string `json:"labels"`
			Movable bool     `json:"movable"`
			Flyable bool     `json:"flyable"`
		} `json:"devices"`
		Count int `json:"count"`
	}
	if err := s.api.Get(path, &resp); err != nil {
		fmt.Fprintf(s.out(), "Error: %v\n", err)
		return
	}
	if resp.Count == 0 {
		fmt.Fprintln(s.out(), "No devices")
		return
	}
	fmt.Fprintf(s.out(), "%-24s %-8s %-8s %s\n", "NAME", "MOVABLE", "FLYABLE", "LABELS")
	for _, d := range resp.Devices {
		fmt.Fprintf(s.out(), "%-24s %-8v %-8v %s\n",
			d.Name, d.Movable, d.Flyable, strings.Join(d.Labels, ", "))
	}
}

func (s *shell) cmdLabels() {
	var resp struct {
		Labels map[string]int `json:"labels"`
	}
	if err := s.api.Get("/devices/labels", &resp); err != nil {
		fmt.Fprintf(s.out(), "Error: %v\n", err)
		return
	}
	for label, n := range resp.Labels {
		fmt.Fprintf(s.out(), "  %-20s %d\n", label, n)
	}
}

func (s *shell) cmdDevice(args []string) {
	if len(args) < 1 {
		fmt.Fprintln(s.out(), "Usage: device <name>")
		return
	}
	var resp map[string]any
	if err := s.api.Get("/devices/"+args[0]+"/", &resp); err != nil {
		fmt.Fprintf(s.out(), "Error: %v\n", err)
		return
	}
	s.printJSON(resp)
}

func (s *shell) cmdRead(args []string) {
	if len(args) < 1 {
		fmt.Fprintln(s.out(), "Usage: read <name>")
		return
	}
	var resp struct {
		Readings map[string]struct {
			Value     any     `json:"value"`
			Timestamp float64 `json:"timestamp"`
		} `json:"readings"`
	}
	if err := s.api.Get("/devices/"+args[0]+"/readings", &resp); err != nil {
		fmt.Fprintf(s.out(), "Error: %v\n", err)
		return
	}
	for key, r := range resp.Readings {
		fmt.Fprintf(s.out(), "  %-32s %v\n", key, r.Value)
	}
}

func (s *shell) cmdConfig(args []string) {
	if len(args) < 1 {
		fmt.Fprintln(s.out(), "Usage: config <name>")
		return
	}
	var resp map[string]any
	if err := s.api.Get("/devices/"+args[0]+"/configuration", &resp); err != nil {
		fmt.Fprintf(s.out(), "Error: %v\n", err)
		return
	}
	s.printJSON(resp)
}

func (s *shell) cmdSet(args []string) {
	if len(args) < 2 {
		fmt.Fprintln(s.out(), "Usage: set <name> <target>")
		return
	}
	target, err := strconv.ParseFloat(args[1], 64)
	if err != nil {
		fmt.Fprintf(s.out(), "Invalid target: %v\n", err)
		return
	}
	var resp map[string]any
	if err := s.api.Put("/devices/"+args[0]+"/set", map[string]float64{"target": target}, &resp); err != nil {
		fmt.Fprintf(s.out(), "Set failed: %v\n", err)
		return
	}
	fmt.Fprintf(s.out(), "%s -> %g\n", args[0], target)
}

func (s *shell) cmdStop(args []string) {
	if len(args) < 1 {
		fmt.Fprintln(s.out(), "Usage: stop <name>")
		return
	}
	if err := s.api.Post("/devices/"+args[0]+"/stop", nil, nil); err != nil {
		fmt.Fprintf(s.out(), "Stop failed: %v\n", err)
		return
	}
	fmt.Fprintln(s.out(), "Stopped")
}

// ─── Plans ───

func (s *shell) submitPlan(body map[string]any) {
	var status map[string]any
	if err := s.api.Post("/plans/", body, &status); err != nil {
		fmt.Fprintf(s.out(), "Submit failed: %v\n", err)
		return
	}
	uid, _ := status["uid"].(string)
	state, _ := status["state"].(string)
	fmt.Fprintf(s.out(), "Run %s (%s)\n", uid, state)
}

func (s *shell) cmdCount(args []string) {
	if len(args) < 2 {
		fmt.Fprintln(s.out(), "Usage: count <num> [delay_s] <detector...>")
		return
	}
	num, err := strconv.Atoi(args[0])
	if err != nil {
		fmt.Fprintf(s.out(), "Invalid num: %v\n", err)
		return
	}
	rest := args[1:]
	delay := 0.0
	if v, err := strconv.ParseFloat(rest[0], 64); err == nil && len(rest) > 1 {
		delay = v
		rest = rest[1:]
	}
	s.submitPlan(map[string]any{
		"plan": "count", "num": num, "delay_s": delay, "detectors": rest,
	})
}

func (s *shell) cmdScan(args []string) {
	if len(args) < 5 {
		fmt.Fprintln(s.out(), "Usage: scan <motor> <start> <stop> <num> <detector...>")
		return
	}
	start, err1 := strconv.ParseFloat(args[1], 64)
	stop, err2 := strconv.ParseFloat(args[2], 64)
	num, err3 := strconv.Atoi(args[3])
	if err1 != nil || err2 != nil || err3 != nil {
		fmt.Fprintln(s.out(), "Invalid scan bounds (want: motor start stop num)")
		return
	}
	s.submitPlan(map[string]any{
		"plan": "line_scan", "motor": args[0],
		"start": start, "stop": stop, "num": num,
		"detectors": args[4:],
	})
}

func (s *shell) cmdFly(args []string) {
	if len(args) < 6 {
		fmt.Fprintln(s.out(), "Usage: fly <motor> <start> <stop> <num> <dwell_s> <detector...>")
		return
	}
	start, err1 := strconv.ParseFloat(args[1], 64)
	stop, err2 := strconv.ParseFloat(args[2], 64)
	num, err3 := strconv.Atoi(args[3])
	dwell, err4 := strconv.ParseFloat(args[4], 64)
	if err1 != nil || err2 != nil || err3 != nil || err4 != nil {
		fmt.Fprintln(s.out(), "Invalid fly bounds (want: motor start stop num dwell_s)")
		return
	}
	s.submitPlan(map[string]any{
		"plan": "fly_line_scan", "motor": args[0],
		"start": start, "stop": stop, "num": num, "dwell_s": dwell,
		"detectors": args[5:],
	})
}

func (s *shell) cmdMove(args []string) {
	if len(args) < 2 || len(args)%2 != 0 {
		fmt.Fprintln(s.out(), "Usage: mv <motor> <target> [motor target ...]")
		return
	}
	targets := make(map[string]float64, len(args)/2)
	for i := 0; i < len(args); i += 2 {
		target, err := strconv.ParseFloat(args[i+1], 64)
		if err != nil {
			fmt.Fprintf(s.out(), "Invalid target for %s: %v\n", args[i], err)
			return
		}
		targets[args[i]] = target
	}
	s.submitPlan(map[string]any{"plan": "mv", "targets": targets})
}

func (s *shell) cmdEnergy(args []string) {
	if len(args) < 1 {
		fmt.Fprintln(s.out(), "Usage: energy <ev>")
		return
	}
	ev, err := strconv.ParseFloat(args[0], 64)
	if err != nil {
		fmt.Fprintf(s.out(), "Invalid energy: %v\n", err)
		return
	}
	s.submitPlan(map[string]any{"plan": "set_energy", "energy_ev": ev})
}

func (s *shell) cmdDark(args []string) {
	seconds := 2.0
	if len(args) > 0 {
		v, err := strconv.ParseFloat(args[0], 64)
		if err != nil {
			fmt.Fprintf(s.out(), "Invalid seconds: %v\n", err)
			return
		}
		seconds = v
	}
	s.submitPlan(map[string]any{"plan": "record_dark_current", "seconds": seconds})
}

func (s *shell) cmdCurrent() {
	var status map[string]any
	if err := s.api.Get("/plans/current", &status); err != nil {
		fmt.Fprintf(s.out(), "Error: %v\n", err)
		return
	}
	s.printJSON(status)
}

func (s *shell) cmdAbort(args []string) {
	body := map[string]string{}
	if len(args) > 0 {
		body["reason"] = strings.Join(args, " ")
	}
	if err := s.api.Post("/plans/abort", body, nil); err != nil {
		fmt.Fprintf(s.out(), "Abort failed: %v\n", err)
		return
	}
	fmt.Fprintln(s.out(), "Aborting")
}

// ─── Run Catalogue ───

func (s *shell) cmdRuns(args []string) {
	path := "/runs/"
	if len(args) > 0 {
		path += "?limit=" + args[0]
	}
	var resp struct {
		Runs []struct {
			UID        string `json:"uid"`
			PlanName   string `json:"plan_name"`
			ExitStatus string `json:"exit_status"`
			NumEvents  int    `json:"num_events"`
		} `json:"runs"`
		Total int `json:"total"`
	}
	if err := s.api.Get(path, &resp); err != nil {
		fmt.Fprintf(s.out(), "Error: %v\n", err)
		return
	}
	if len(resp.Runs) == 0 {
		fmt.Fprintln(s.out(), "No runs")
		return
	}
	fmt.Fprintf(s.out(), "%-38s %-20s %-10s %s\n", "UID", "PLAN", "STATUS", "EVENTS")
	for _, run := range resp.Runs {
		fmt.Fprintf(s.out(), "%-38s %-20s %-10s %d\n",
			run.UID, run.PlanName, run.ExitStatus, run.NumEvents)
	}
	fmt.Fprintf(s.out(), "(%d total)\n", resp.Total)
}

func (s *shell) cmdRun(args []string) {
	if len(args) < 1 {
		fmt.Fprintln(s.out(), "Usage: run <uid>")
		return
	}
	var run map[string]any
	if err := s.api.Get("/runs/"+args[0]+"/", &run); err != nil {
		fmt.Fprintf(s.out(), "Error: %v\n", err)
		return
	}
	s.printJSON(run)
}

func (s *shell) cmdStreams(args []string) {
	if len(args) < 1 {
		fmt.Fprintln(s.out(), "Usage: streams <uid>")
		return
	}
	var resp map[string]any
	if err := s.api.Get("/runs/"+args[0]+"/streams", &resp); err != nil {
		fmt.Fprintf(s.out(), "Error: %v\n", err)
		return
	}
	s.printJSON(resp)
}

func (s *shell) cmdEvents(args []string) {
	if len(args) < 2 {
		fmt.Fprintln(s.out(), "Usage: events <uid> <stream>")
		return
	}
	var resp map[string]any
	if err := s.api.Get("/runs/"+args[0]+"/streams/"+args[1]+"/events", &resp); err != nil {
		fmt.Fprintf(s.out(), "Error: %v\n", err)
		return
	}
	s.printJSON(resp)
}

// ─── Motor Positions ───

func (s *shell) cmdPositions() {
	var resp struct {
		Positions []struct {
			UID    string `json:"uid"`
			Name   string `json:"name"`
			Motors []struct {
				Name     string  `json:"name"`
				Readback float64 `json:"readback"`
			} `json:"motors"`
		} `json:"positions"`
	}
	if err := s.api.Get("/positions/", &resp); err != nil {
		fmt.Fprintf(s.out(), "Error: %v\n", err)
		return
	}
	if len(resp.Positions) == 0 {
		fmt.Fprintln(s.out(), "No saved positions")
		return
	}
	for _, p := range resp.Positions {
		fmt.Fprintf(s.out(), "%s  %s\n", p.UID, p.Name)
		for _, m := range p.Motors {
			fmt.Fprintf(s.out(), "    %-24s %g\n", m.Name, m.Readback)
		}
	}
}

func (s *shell) cmdSavePosition(args []string) {
	if len(args) < 2 {
		fmt.Fprintln(s.out(), "Usage: savepos <name> <motor...>")
		return
	}
	var saved map[string]any
	body := map[string]any{"name": args[0], "motors": args[1:]}
	if err := s.api.Post("/positions/", body, &saved); err != nil {
		fmt.Fprintf(s.out(), "Save failed: %v\n", err)
		return
	}
	fmt.Fprintf(s.out(), "Saved as %v\n", saved["uid"])
}

func (s *shell) cmdRecall(args []string) {
	if len(args) < 1 {
		fmt.Fprintln(s.out(), "Usage: recall <uid>")
		return
	}
	var status map[string]any
	if err := s.api.Post("/positions/"+args[0]+"/recall", nil, &status); err != nil {
		fmt.Fprintf(s.out(), "Recall failed: %v\n", err)
		return
	}
	fmt.Fprintf(s.out(), "Recalling (run %v)\n", status["uid"])
}

func (s *shell) cmdDeletePosition(args []string) {
	if len(args) < 1 {
		fmt.Fprintln(s.out(), "Usage: delpos <uid>")
		return
	}
	if err := s.api.Delete("/positions/" + args[0] + "/"); err != nil {
		fmt.Fprintf(s.out(), "Delete failed: %v\n", err)
		return
	}
	fmt.Fprintln(s.out(), "Deleted")
}

// ─── General ───

func (s *shell) cmdHealth() {
	var resp map[string]any
	if err := s.api.Get("/health", &resp); err != nil {
		fmt.Fprintf(s.out(), "Error: %v\n", err)
		return
	}
	s.printJSON(resp)
}

func (s *shell) cmdInfo() {
	var resp map[string]any
	if err := s.api.Get("/system/info", &resp); err != nil {
		fmt.Fprintf(s.out(), "Error: %v\n", err)
		return
	}
	s.printJSON(resp)
}

func (s *shell) printJSON(v any) {
	data, err := jsonIndent(v)
	if err != nil {
		fmt.Fprintf(s.out(), "Error: %v\n", err)
		return
	}
	fmt.Fprintln(s.out(), string(data))
}
